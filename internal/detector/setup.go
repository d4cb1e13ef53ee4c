package detector

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/piascik/liric/internal/monitoring"
)

// Setup manages the connection to the frame grabber. Changing the coadd
// exposure length means closing the connection and re-opening it against a
// different '.fmt' video format file; the format file fixes the frame rate.
type Setup struct {
	grab      FrameGrabber
	formatDir string

	mu           sync.Mutex
	open         bool
	sizeX, sizeY int
}

// NewSetup wraps a grabber and the directory holding the format files.
func NewSetup(grab FrameGrabber, formatDir string) *Setup {
	return &Setup{grab: grab, formatDir: formatDir}
}

// FormatFile derives the format filename for a coadd exposure length.
func (s *Setup) FormatFile(coaddLengthMs int) string {
	return filepath.Join(s.formatDir, fmt.Sprintf("rap_%dms.fmt", coaddLengthMs))
}

// Startup opens the grabber against the format file for the given coadd
// exposure length, closing any previous connection first, and caches the
// sensor geometry.
func (s *Setup) Startup(coaddLengthMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	formatFile := s.FormatFile(coaddLengthMs)
	if s.open {
		if err := s.grab.Close(); err != nil {
			return fmt.Errorf("detector: closing grabber for reconfigure: %w", err)
		}
		s.open = false
	}
	if err := s.grab.Open(formatFile); err != nil {
		return fmt.Errorf("detector: opening grabber with %q: %w", formatFile, err)
	}
	x, y, err := s.grab.SensorSize()
	if err != nil {
		s.grab.Close()
		return fmt.Errorf("detector: reading sensor geometry: %w", err)
	}
	s.open = true
	s.sizeX, s.sizeY = x, y
	monitoring.Logf("detector: grabber open with %s, sensor %dx%d", formatFile, x, y)
	return nil
}

// Shutdown closes the grabber connection.
func (s *Setup) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	if err := s.grab.Close(); err != nil {
		return fmt.Errorf("detector: closing grabber: %w", err)
	}
	return nil
}

// SizeX returns the sensor width in pixels.
func (s *Setup) SizeX() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeX
}

// SizeY returns the sensor height in pixels.
func (s *Setup) SizeY() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeY
}
