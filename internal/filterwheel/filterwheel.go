// Package filterwheel drives the five-slot motorised filter wheel. The wheel
// speaks a two-byte request/reply protocol: the request carries the wanted
// position (or zero to query) and the reply carries the current position,
// with zero meaning "moving".
package filterwheel

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/piascik/liric/internal/config"
	"github.com/piascik/liric/internal/monitoring"
	"github.com/piascik/liric/internal/timeutil"
)

// DefaultMoveTimeout bounds a blocking move.
const DefaultMoveTimeout = 20 * time.Second

// movePollInterval is the wait between position polls during a move.
const movePollInterval = 10 * time.Millisecond

// Config is the static position -> (name, id) mapping loaded at startup.
type Config struct {
	filters [config.FilterCount]config.Filter
}

// NewConfig builds the mapping from the instrument configuration.
func NewConfig(filters [config.FilterCount]config.Filter) Config {
	return Config{filters: filters}
}

// Count returns the number of physical slots.
func (c Config) Count() int { return len(c.filters) }

// NameToPosition resolves a filter display name to its 1-based position.
func (c Config) NameToPosition(name string) (int, error) {
	for i, f := range c.filters {
		if f.Name == name {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("filterwheel: unknown filter name %q", name)
}

// PositionToName returns the display name at a 1-based position.
func (c Config) PositionToName(position int) (string, error) {
	if position < 1 || position > len(c.filters) {
		return "", fmt.Errorf("filterwheel: position %d out of range (1..%d)", position, len(c.filters))
	}
	return c.filters[position-1].Name, nil
}

// PositionToID returns the physical filter id at a 1-based position.
func (c Config) PositionToID(position int) (string, error) {
	if position < 1 || position > len(c.filters) {
		return "", fmt.Errorf("filterwheel: position %d out of range (1..%d)", position, len(c.filters))
	}
	return c.filters[position-1].ID, nil
}

// Transport is one two-byte request/reply round trip with the wheel.
type Transport interface {
	Transact(request [2]byte) ([2]byte, error)
	Close() error
}

// Wheel is the filter wheel driver. The device mutex is held per round trip,
// not for a whole move, so status queries from other threads interleave with
// an in-progress move.
type Wheel struct {
	mu          sync.Mutex
	transport   Transport
	cfg         Config
	moveTimeout time.Duration
	clock       timeutil.Clock
}

// New builds a driver over an open transport.
func New(transport Transport, cfg Config, moveTimeout time.Duration, clock timeutil.Clock) *Wheel {
	if moveTimeout <= 0 {
		moveTimeout = DefaultMoveTimeout
	}
	return &Wheel{
		transport:   transport,
		cfg:         cfg,
		moveTimeout: moveTimeout,
		clock:       clock,
	}
}

// Open connects to the wheel's serial device and returns a driver.
func Open(deviceName string, cfg Config, moveTimeout time.Duration, clock timeutil.Clock) (*Wheel, error) {
	port, err := serial.Open(deviceName, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("filterwheel: opening %q: %w", deviceName, err)
	}
	return New(&serialTransport{port: port}, cfg, moveTimeout, clock), nil
}

// Config returns the wheel's position mapping.
func (w *Wheel) Config() Config { return w.cfg }

func (w *Wheel) transact(request [2]byte) ([2]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport.Transact(request)
}

// MoveTo blocks until the wheel reports the requested position or the move
// timeout expires.
func (w *Wheel) MoveTo(position int) error {
	if position < 1 || position > w.cfg.Count() {
		return fmt.Errorf("filterwheel: position %d out of range (1..%d)", position, w.cfg.Count())
	}
	monitoring.Logf("filterwheel: moving to position %d", position)
	start := w.clock.Now()
	request := [2]byte{byte(position), 0}
	for {
		reply, err := w.transact(request)
		if err != nil {
			return fmt.Errorf("filterwheel: move round trip: %w", err)
		}
		current := int(reply[0])
		if current == position {
			monitoring.Logf("filterwheel: in position %d after %v", position, w.clock.Since(start))
			return nil
		}
		if w.clock.Since(start) >= w.moveTimeout {
			return fmt.Errorf("filterwheel: move to %d timed out after %v", position, w.moveTimeout)
		}
		w.clock.Sleep(movePollInterval)
	}
}

// Position returns the wheel's current position; zero means moving.
func (w *Wheel) Position() (int, error) {
	reply, err := w.transact([2]byte{0, 0})
	if err != nil {
		return 0, fmt.Errorf("filterwheel: position query: %w", err)
	}
	return int(reply[0]), nil
}

// Close releases the transport.
func (w *Wheel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transport.Close()
}

// serialTransport frames the two-byte protocol over a serial port.
type serialTransport struct {
	port serial.Port
}

func (t *serialTransport) Transact(request [2]byte) ([2]byte, error) {
	var reply [2]byte
	n, err := t.port.Write(request[:])
	if err != nil {
		return reply, fmt.Errorf("write: %w", err)
	}
	if n != len(request) {
		return reply, fmt.Errorf("short write (%d of %d)", n, len(request))
	}
	read := 0
	for read < len(reply) {
		n, err := t.port.Read(reply[read:])
		if err != nil {
			return reply, fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			return reply, fmt.Errorf("read timed out (%d of %d bytes)", read, len(reply))
		}
		read += n
	}
	return reply, nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

// SimTransport simulates a wheel that reaches any commanded position on the
// first round trip. Used when running without the hardware attached.
type SimTransport struct {
	mu       sync.Mutex
	position byte
}

// NewSimTransport returns a simulated wheel sitting at position 1.
func NewSimTransport() *SimTransport {
	return &SimTransport{position: 1}
}

func (t *SimTransport) Transact(request [2]byte) ([2]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if request[0] != 0 {
		t.position = request[0]
	}
	return [2]byte{t.position, 0}, nil
}

func (t *SimTransport) Close() error { return nil }
