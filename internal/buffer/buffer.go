// Package buffer owns the three co-sized image buffers used by the coadd
// pipeline: a 16-bit mono frame holding one frame-grabber readout, a 32-bit
// accumulator summing coadds, and a 64-bit float mean image written to FITS.
package buffer

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/piascik/liric/internal/monitoring"
)

// Set is a coadd buffer set over a fixed sensor geometry. Buffers are
// allocated once per geometry and reused across exposures.
type Set struct {
	sizeX int
	sizeY int
	mono  []uint16
	coadd []int32
	mean  []float64
}

// New allocates a buffer set for the given sensor geometry.
func New(sizeX, sizeY int) (*Set, error) {
	s := &Set{}
	if err := s.Allocate(sizeX, sizeY); err != nil {
		return nil, err
	}
	return s, nil
}

// Allocate sizes the three buffers for the geometry. If the geometry is
// unchanged the existing buffers are kept.
func (s *Set) Allocate(sizeX, sizeY int) error {
	if sizeX < 1 {
		return fmt.Errorf("buffer: size x too small (%d)", sizeX)
	}
	if sizeY < 1 {
		return fmt.Errorf("buffer: size y too small (%d)", sizeY)
	}
	if s.sizeX == sizeX && s.sizeY == sizeY && s.mono != nil {
		monitoring.Logf("buffer: geometry unchanged (%dx%d), reusing buffers", sizeX, sizeY)
		return nil
	}
	s.sizeX = sizeX
	s.sizeY = sizeY
	n := sizeX * sizeY
	s.mono = make([]uint16, n)
	s.coadd = make([]int32, n)
	s.mean = make([]float64, n)
	return nil
}

// SizeX returns the buffer width in pixels.
func (s *Set) SizeX() int { return s.sizeX }

// SizeY returns the buffer height in pixels.
func (s *Set) SizeY() int { return s.sizeY }

// PixelCount returns the number of pixels in each buffer.
func (s *Set) PixelCount() int { return s.sizeX * s.sizeY }

// Mono returns the mono frame buffer for the grabber to read a captured
// buffer into.
func (s *Set) Mono() []uint16 { return s.mono }

// Mean returns the mean image buffer.
func (s *Set) Mean() []float64 { return s.mean }

// InitialiseCoadd zeroes the accumulator. Called at the start of every
// exposure.
func (s *Set) InitialiseCoadd() {
	for i := range s.coadd {
		s.coadd[i] = 0
	}
}

// AddMonoToCoadd adds the mono frame pixel-wise into the accumulator. The
// coadd count is bounded by configuration such that the 32-bit accumulator
// cannot overflow summing 16-bit samples.
func (s *Set) AddMonoToCoadd() {
	for i, v := range s.mono {
		s.coadd[i] += int32(v)
	}
}

// CreateMean fills the mean buffer with accumulator / coadds as a true
// arithmetic mean in floating point.
func (s *Set) CreateMean(coadds int) error {
	if coadds < 1 {
		return fmt.Errorf("buffer: number of coadds too small (%d)", coadds)
	}
	for i, v := range s.coadd {
		s.mean[i] = float64(v)
	}
	floats.Scale(1/float64(coadds), s.mean)
	return nil
}

// MeanFlipX flips the mean image in place in the X direction.
func (s *Set) MeanFlipX() {
	for y := 0; y < s.sizeY; y++ {
		floats.Reverse(s.mean[y*s.sizeX : (y+1)*s.sizeX])
	}
}

// MeanFlipY flips the mean image in place in the Y direction.
func (s *Set) MeanFlipY() {
	for y := 0; y < s.sizeY/2; y++ {
		top := s.mean[y*s.sizeX : (y+1)*s.sizeX]
		bottom := s.mean[(s.sizeY-1-y)*s.sizeX : (s.sizeY-y)*s.sizeX]
		for x := range top {
			top[x], bottom[x] = bottom[x], top[x]
		}
	}
}
