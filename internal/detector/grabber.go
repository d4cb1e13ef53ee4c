package detector

import (
	"fmt"
	"sync"
)

// FrameGrabber is the boundary to the frame grabber vendor SDK. The real
// implementation wraps the PCIe capture card driver; SimGrabber stands in for
// it on development machines and in tests.
type FrameGrabber interface {
	// Open connects to the grabber using the named '.fmt' video format
	// file. The format file fixes the coadd frame rate.
	Open(formatFile string) error
	// Close tears down the connection.
	Close() error
	// GoLivePair starts live acquisition into the two numbered buffers.
	GoLivePair(buffer1, buffer2 int) error
	// AbortLive stops live acquisition.
	AbortLive() error
	// CapturedBuffer returns the buffer number of the most recently
	// captured frame, or 0 if nothing has been captured yet.
	CapturedBuffer() (int, error)
	// ReadUShort copies the named captured buffer into dst and returns the
	// number of pixels read.
	ReadUShort(buffer int, dst []uint16) (int, error)
	// SensorSize returns the image geometry of the open connection.
	SensorSize() (x, y int, err error)
}

// SimGrabber simulates the frame grabber for development and tests: each poll
// of CapturedBuffer advances a synthetic acquisition alternating between the
// two live buffers.
type SimGrabber struct {
	mu sync.Mutex

	sizeX, sizeY  int
	pollsPerFrame int
	pixelValue    uint16

	open       bool
	live       bool
	buffer1    int
	buffer2    int
	captured   int
	polls      int
	formatFile string

	openErr     error
	liveErr     error
	capturedErr error
	readErr     error
}

// NewSimGrabber returns a simulator with the Ninox-640 geometry that delivers
// a new frame on every poll.
func NewSimGrabber() *SimGrabber {
	return &SimGrabber{sizeX: 640, sizeY: 512, pollsPerFrame: 1, pixelValue: 1000}
}

// SetSize overrides the simulated sensor geometry.
func (g *SimGrabber) SetSize(x, y int) *SimGrabber {
	g.sizeX, g.sizeY = x, y
	return g
}

// SetPixelValue sets the constant sample value of simulated frames.
func (g *SimGrabber) SetPixelValue(v uint16) *SimGrabber {
	g.pixelValue = v
	return g
}

// SetPollsPerFrame sets how many CapturedBuffer polls elapse before a new
// frame arrives.
func (g *SimGrabber) SetPollsPerFrame(n int) *SimGrabber {
	g.pollsPerFrame = n
	return g
}

// SetOpenError arranges for Open to fail.
func (g *SimGrabber) SetOpenError(err error) *SimGrabber {
	g.openErr = err
	return g
}

// SetLiveError arranges for GoLivePair to fail.
func (g *SimGrabber) SetLiveError(err error) *SimGrabber {
	g.liveErr = err
	return g
}

// SetCapturedError arranges for CapturedBuffer to fail.
func (g *SimGrabber) SetCapturedError(err error) *SimGrabber {
	g.capturedErr = err
	return g
}

// SetReadError arranges for ReadUShort to fail.
func (g *SimGrabber) SetReadError(err error) *SimGrabber {
	g.readErr = err
	return g
}

// FormatFile returns the format file the simulator was last opened with.
func (g *SimGrabber) FormatFile() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.formatFile
}

// Live reports whether live acquisition is running.
func (g *SimGrabber) Live() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

func (g *SimGrabber) Open(formatFile string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.openErr != nil {
		return g.openErr
	}
	g.open = true
	g.formatFile = formatFile
	return nil
}

func (g *SimGrabber) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.open = false
	g.live = false
	return nil
}

func (g *SimGrabber) GoLivePair(buffer1, buffer2 int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.liveErr != nil {
		return g.liveErr
	}
	if !g.open {
		return fmt.Errorf("detector: grabber not open")
	}
	g.live = true
	g.buffer1 = buffer1
	g.buffer2 = buffer2
	g.captured = 0
	g.polls = 0
	return nil
}

func (g *SimGrabber) AbortLive() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live = false
	return nil
}

func (g *SimGrabber) CapturedBuffer() (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.capturedErr != nil {
		return 0, g.capturedErr
	}
	if !g.live {
		return g.captured, nil
	}
	g.polls++
	if g.polls >= g.pollsPerFrame {
		g.polls = 0
		if g.captured == g.buffer1 {
			g.captured = g.buffer2
		} else {
			g.captured = g.buffer1
		}
	}
	return g.captured, nil
}

func (g *SimGrabber) ReadUShort(buffer int, dst []uint16) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.readErr != nil {
		return 0, g.readErr
	}
	if buffer != g.buffer1 && buffer != g.buffer2 {
		return 0, fmt.Errorf("detector: no such capture buffer %d", buffer)
	}
	for i := range dst {
		dst[i] = g.pixelValue
	}
	return len(dst), nil
}

func (g *SimGrabber) SensorSize() (int, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return 0, 0, fmt.Errorf("detector: grabber not open")
	}
	return g.sizeX, g.sizeY, nil
}
