// Package fitshdr maintains the ordered list of FITS header cards written
// into every image produced by the instrument. Cards are added by the
// fitsheader command and by the observation controller, and emitted in
// insertion order when an exposure is saved.
package fitshdr

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/astrogo/fitsio"
)

const (
	// KeywordLength is the FITS keyword limit (columns 1-8).
	KeywordLength = 8
	// ValueLength is the FITS string value limit (columns 11-80).
	ValueLength = 70
	// CommentLength is the FITS comment limit (columns 10-80).
	CommentLength = 71
)

// Type identifies the value type held by a card.
type Type int

const (
	TypeString Type = iota
	TypeInteger
	TypeLong
	TypeFloat
	TypeLogical
)

// Card is one FITS header record. Exactly one of the value fields is live,
// selected by Type.
type Card struct {
	Keyword string
	Type    Type
	String  string
	Int     int
	Long    int64
	Float   float64
	Bool    bool
	Comment string
	Units   string
}

// value returns the live value for emission.
func (c *Card) value() interface{} {
	switch c.Type {
	case TypeString:
		return c.String
	case TypeInteger:
		return c.Int
	case TypeLong:
		return c.Long
	case TypeFloat:
		// fixed 6 decimal place formatting, as the headers are specified
		return math.Round(c.Float*1e6) / 1e6
	case TypeLogical:
		return c.Bool
	}
	return nil
}

// Store is an ordered keyword -> card map. Adding a keyword that already
// exists replaces the value in place, keeping the card's position and any
// previously set comment or units.
type Store struct {
	mu    sync.Mutex
	cards []Card
}

// NewStore returns an empty header store.
func NewStore() *Store {
	return &Store{}
}

func normaliseKeyword(keyword string) (string, error) {
	keyword = strings.ToUpper(strings.TrimSpace(keyword))
	if keyword == "" {
		return "", fmt.Errorf("fitshdr: keyword is empty")
	}
	if len(keyword) > KeywordLength {
		return "", fmt.Errorf("fitshdr: keyword %q too long (%d > %d)", keyword, len(keyword), KeywordLength)
	}
	return keyword, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// add inserts or replaces the card for keyword. An empty comment on an
// existing card leaves the previous comment alone.
func (s *Store) add(keyword string, typ Type, set func(*Card), comment string) error {
	key, err := normaliseKeyword(keyword)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cards {
		if s.cards[i].Keyword == key {
			s.cards[i].Type = typ
			set(&s.cards[i])
			if comment != "" {
				s.cards[i].Comment = truncate(comment, CommentLength)
			}
			return nil
		}
	}
	card := Card{Keyword: key, Type: typ, Comment: truncate(comment, CommentLength)}
	set(&card)
	s.cards = append(s.cards, card)
	return nil
}

// AddString adds a string-valued card. The value is truncated to the FITS
// maximum of 70 characters.
func (s *Store) AddString(keyword, value, comment string) error {
	return s.add(keyword, TypeString, func(c *Card) { c.String = truncate(value, ValueLength) }, comment)
}

// AddInt adds an integer-valued card.
func (s *Store) AddInt(keyword string, value int, comment string) error {
	return s.add(keyword, TypeInteger, func(c *Card) { c.Int = value }, comment)
}

// AddLong adds a 64-bit integer-valued card.
func (s *Store) AddLong(keyword string, value int64, comment string) error {
	return s.add(keyword, TypeLong, func(c *Card) { c.Long = value }, comment)
}

// AddFloat adds a floating point card. Floats are emitted with 6 decimal
// place precision.
func (s *Store) AddFloat(keyword string, value float64, comment string) error {
	return s.add(keyword, TypeFloat, func(c *Card) { c.Float = value }, comment)
}

// AddBool adds a logical card.
func (s *Store) AddBool(keyword string, value bool, comment string) error {
	return s.add(keyword, TypeLogical, func(c *Card) { c.Bool = value }, comment)
}

// AddComment sets the comment on an existing card. The card must already be
// in the store.
func (s *Store) AddComment(keyword, comment string) error {
	key, err := normaliseKeyword(keyword)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cards {
		if s.cards[i].Keyword == key {
			s.cards[i].Comment = truncate(comment, CommentLength)
			return nil
		}
	}
	return fmt.Errorf("fitshdr: keyword %q not found", key)
}

// AddUnits sets the units on an existing card. Units are emitted as a
// "[units]" prefix on the card comment.
func (s *Store) AddUnits(keyword, units string) error {
	key, err := normaliseKeyword(keyword)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cards {
		if s.cards[i].Keyword == key {
			s.cards[i].Units = units
			return nil
		}
	}
	return fmt.Errorf("fitshdr: keyword %q not found", key)
}

// Delete removes the card for keyword, preserving the order of the others.
// It fails if the keyword is not present.
func (s *Store) Delete(keyword string) error {
	key, err := normaliseKeyword(keyword)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cards {
		if s.cards[i].Keyword == key {
			s.cards = append(s.cards[:i], s.cards[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("fitshdr: keyword %q not found in header of %d cards", key, len(s.cards))
}

// Clear removes all cards.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = s.cards[:0]
}

// Len returns the number of cards in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

// Cards returns a snapshot of the store in insertion order, rendered as
// fitsio cards ready to append to an image HDU.
func (s *Store) Cards() []fitsio.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fitsio.Card, 0, len(s.cards))
	for i := range s.cards {
		c := &s.cards[i]
		comment := c.Comment
		if c.Units != "" {
			comment = "[" + c.Units + "] " + comment
		}
		out = append(out, fitsio.Card{Name: c.Keyword, Value: c.value(), Comment: comment})
	}
	return out
}
