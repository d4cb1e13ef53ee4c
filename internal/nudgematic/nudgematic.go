// Package nudgematic drives the stepper-driven offset stage that dithers the
// field between exposures. The stage is commanded through a USB-PIO board:
// an output byte selects one of the indexed positions for the configured
// offset size, and an input line reads true once the stage has settled.
package nudgematic

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/piascik/liric/internal/monitoring"
	"github.com/piascik/liric/internal/timeutil"
)

// PositionCount is the number of indexed dither positions the stage cycles
// through.
const PositionCount = 9

// DefaultSettleTimeout bounds the wait for the settled input line.
const DefaultSettleTimeout = 10 * time.Second

// settlePollInterval is the wait between reads of the settled line.
const settlePollInterval = 10 * time.Millisecond

// settledInputBit is the input line that reads true when the stage has
// stopped moving.
const settledInputBit byte = 0x01

// OffsetSize selects how far apart the dither positions are.
type OffsetSize int

const (
	OffsetNone OffsetSize = iota
	OffsetSmall
	OffsetLarge
)

func (s OffsetSize) String() string {
	switch s {
	case OffsetNone:
		return "none"
	case OffsetSmall:
		return "small"
	case OffsetLarge:
		return "large"
	default:
		return "UNKNOWN"
	}
}

// ParseOffsetSize parses a config/command offset size word.
func ParseOffsetSize(s string) (OffsetSize, error) {
	switch s {
	case "none":
		return OffsetNone, nil
	case "small":
		return OffsetSmall, nil
	case "large":
		return OffsetLarge, nil
	default:
		return OffsetNone, fmt.Errorf("nudgematic: unknown offset size %q", s)
	}
}

// position output patterns per offset size. The low nibble indexes the
// position, the high nibble selects the throw. With OffsetNone every index
// maps to the centre so the multrun choreography stays uniform while the
// field is not dithered.
var (
	smallPatterns = [PositionCount]byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
	largePatterns = [PositionCount]byte{0x20, 0x21, 0x22, 0x23, 0x24, 0x25, 0x26, 0x27, 0x28}
	centrePattern = byte(0x00)
)

// Transport is the USB-PIO board: write the output byte, read the input
// byte.
type Transport interface {
	SetOutputs(pattern byte) error
	ReadInputs() (byte, error)
	Close() error
}

// Controller is the nudgematic driver. The device mutex is held per round
// trip so status reads interleave with a settle wait.
type Controller struct {
	mu            sync.Mutex
	transport     Transport
	settleTimeout time.Duration
	clock         timeutil.Clock

	offsetSize atomic.Int32
	position   atomic.Int32 // -1 while moving
}

// New builds a driver over an open transport.
func New(transport Transport, settleTimeout time.Duration, clock timeutil.Clock) *Controller {
	if settleTimeout <= 0 {
		settleTimeout = DefaultSettleTimeout
	}
	c := &Controller{
		transport:     transport,
		settleTimeout: settleTimeout,
		clock:         clock,
	}
	c.position.Store(-1)
	return c
}

// Open connects to the USB-PIO serial device and returns a driver.
func Open(deviceName string, settleTimeout time.Duration, clock timeutil.Clock) (*Controller, error) {
	port, err := serial.Open(deviceName, &serial.Mode{
		BaudRate: 19200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("nudgematic: opening %q: %w", deviceName, err)
	}
	return New(&pioTransport{port: port}, settleTimeout, clock), nil
}

// SetOffsetSize selects the offset size used by subsequent position moves.
func (c *Controller) SetOffsetSize(size OffsetSize) error {
	if size < OffsetNone || size > OffsetLarge {
		return fmt.Errorf("nudgematic: illegal offset size %d", int(size))
	}
	c.offsetSize.Store(int32(size))
	monitoring.Logf("nudgematic: offset size set to %s", size)
	return nil
}

// OffsetSize returns the configured offset size.
func (c *Controller) OffsetSize() OffsetSize {
	return OffsetSize(c.offsetSize.Load())
}

// Position returns the last settled position index, or -1 while the stage is
// moving.
func (c *Controller) Position() int {
	return int(c.position.Load())
}

func (c *Controller) pattern(index int) byte {
	switch c.OffsetSize() {
	case OffsetSmall:
		return smallPatterns[index]
	case OffsetLarge:
		return largePatterns[index]
	default:
		return centrePattern
	}
}

func (c *Controller) setOutputs(pattern byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.SetOutputs(pattern)
}

func (c *Controller) readInputs() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.ReadInputs()
}

// SetPosition commands a move to the indexed position and blocks until the
// settled line reads true or the settle timeout expires.
func (c *Controller) SetPosition(index int) error {
	if index < 0 || index >= PositionCount {
		return fmt.Errorf("nudgematic: position %d out of range (0..%d)", index, PositionCount-1)
	}
	c.position.Store(-1)
	if err := c.setOutputs(c.pattern(index)); err != nil {
		return fmt.Errorf("nudgematic: commanding position %d: %w", index, err)
	}
	start := c.clock.Now()
	for {
		inputs, err := c.readInputs()
		if err != nil {
			return fmt.Errorf("nudgematic: reading settled line: %w", err)
		}
		if inputs&settledInputBit != 0 {
			c.position.Store(int32(index))
			monitoring.Logf("nudgematic: settled at position %d after %v", index, c.clock.Since(start))
			return nil
		}
		if c.clock.Since(start) >= c.settleTimeout {
			return fmt.Errorf("nudgematic: settle at position %d timed out after %v", index, c.settleTimeout)
		}
		c.clock.Sleep(settlePollInterval)
	}
}

// Close releases the transport.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport.Close()
}

// pioTransport speaks the USB-PIO board's single byte output/input framing.
type pioTransport struct {
	port serial.Port
}

const (
	pioCmdSetOutputs byte = 0x4f
	pioCmdReadInputs byte = 0x49
)

func (t *pioTransport) SetOutputs(pattern byte) error {
	if _, err := t.port.Write([]byte{pioCmdSetOutputs, pattern}); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := t.port.Read(ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	return nil
}

func (t *pioTransport) ReadInputs() (byte, error) {
	if _, err := t.port.Write([]byte{pioCmdReadInputs}); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	reply := make([]byte, 1)
	n, err := t.port.Read(reply)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	if n != 1 {
		return 0, fmt.Errorf("read timed out")
	}
	return reply[0], nil
}

func (t *pioTransport) Close() error {
	return t.port.Close()
}

// SimTransport simulates a stage that settles immediately. Used when running
// without the hardware attached.
type SimTransport struct{}

// NewSimTransport returns a simulated USB-PIO board.
func NewSimTransport() *SimTransport { return &SimTransport{} }

func (t *SimTransport) SetOutputs(pattern byte) error { return nil }

func (t *SimTransport) ReadInputs() (byte, error) { return settledInputBit, nil }

func (t *SimTransport) Close() error { return nil }
