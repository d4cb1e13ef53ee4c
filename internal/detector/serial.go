package detector

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// FPGA control byte bits. The control byte is read-modify-written so the
// other bits are preserved across fan and TEC toggles.
const (
	FPGACtrlTECEnabled byte = 0x01
	FPGACtrlFanEnabled byte = 0x04
)

// serial command opcodes on the camera link channel.
const (
	cmdGetFPGAStatus  byte = 0x49
	cmdSetFPGAControl byte = 0x4a
	cmdGetSensorTemp  byte = 0x4e
	cmdGetPCBTemp     byte = 0x4f
	cmdSetTECSetpoint byte = 0x51
)

// SerialChannel is the in-camera serial interface used for temperature and
// FPGA control traffic. Implementations serialise access: one request/reply
// round trip at a time.
type SerialChannel interface {
	// FPGAStatus reads the FPGA control/status byte.
	FPGAStatus() (byte, error)
	// SetFPGAControl writes the FPGA control byte.
	SetFPGAControl(ctrl byte) error
	// SensorTempADC reads the sensor temperature ADC counts.
	SensorTempADC() (int, error)
	// PCBTempADC reads the PCB temperature sensor ADC counts.
	PCBTempADC() (int, error)
	// SetTECSetpointDAC writes the TEC set-point in DAC counts.
	SetTECSetpointDAC(dac int) error
	Close() error
}

// Channel talks the camera serial protocol over a byte transport. The mutex
// is held per round trip, not per operation, so temperature status reads can
// interleave with control writes from other threads.
type Channel struct {
	mu   sync.Mutex
	port serial.Port
}

// OpenChannel opens the camera serial device.
func OpenChannel(deviceName string) (*Channel, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(deviceName, mode)
	if err != nil {
		return nil, fmt.Errorf("detector: opening serial channel %q: %w", deviceName, err)
	}
	return &Channel{port: port}, nil
}

// transact writes a request and reads replyLen reply bytes under the channel
// mutex.
func (c *Channel) transact(request []byte, replyLen int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.port.Write(request)
	if err != nil {
		return nil, fmt.Errorf("detector: serial write: %w", err)
	}
	if n != len(request) {
		return nil, fmt.Errorf("detector: serial short write (%d of %d)", n, len(request))
	}
	reply := make([]byte, replyLen)
	read := 0
	for read < replyLen {
		n, err := c.port.Read(reply[read:])
		if err != nil {
			return nil, fmt.Errorf("detector: serial read: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("detector: serial read timed out (%d of %d bytes)", read, replyLen)
		}
		read += n
	}
	return reply, nil
}

func (c *Channel) FPGAStatus() (byte, error) {
	reply, err := c.transact([]byte{cmdGetFPGAStatus}, 1)
	if err != nil {
		return 0, err
	}
	return reply[0], nil
}

func (c *Channel) SetFPGAControl(ctrl byte) error {
	_, err := c.transact([]byte{cmdSetFPGAControl, ctrl}, 1)
	return err
}

func (c *Channel) SensorTempADC() (int, error) {
	reply, err := c.transact([]byte{cmdGetSensorTemp}, 2)
	if err != nil {
		return 0, err
	}
	return int(reply[0])<<8 | int(reply[1]), nil
}

func (c *Channel) PCBTempADC() (int, error) {
	reply, err := c.transact([]byte{cmdGetPCBTemp}, 2)
	if err != nil {
		return 0, err
	}
	return int(reply[0])<<8 | int(reply[1]), nil
}

func (c *Channel) SetTECSetpointDAC(dac int) error {
	_, err := c.transact([]byte{cmdSetTECSetpoint, byte(dac >> 8), byte(dac)}, 1)
	return err
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

// MockChannel is an in-memory SerialChannel for tests and for running with
// the detector hardware absent.
type MockChannel struct {
	mu sync.Mutex

	Ctrl      byte
	SensorADC int
	PCBADC    int
	TECDAC    int

	statusErr error
	tempErr   error
}

// NewMockChannel returns a MockChannel with everything zeroed.
func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

// SetStatusError arranges for FPGA status/control traffic to fail.
func (m *MockChannel) SetStatusError(err error) *MockChannel {
	m.statusErr = err
	return m
}

// SetTempError arranges for temperature reads to fail.
func (m *MockChannel) SetTempError(err error) *MockChannel {
	m.tempErr = err
	return m
}

func (m *MockChannel) FPGAStatus() (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return 0, m.statusErr
	}
	return m.Ctrl, nil
}

func (m *MockChannel) SetFPGAControl(ctrl byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return m.statusErr
	}
	m.Ctrl = ctrl
	return nil
}

func (m *MockChannel) SensorTempADC() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempErr != nil {
		return 0, m.tempErr
	}
	return m.SensorADC, nil
}

func (m *MockChannel) PCBTempADC() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tempErr != nil {
		return 0, m.tempErr
	}
	return m.PCBADC, nil
}

func (m *MockChannel) SetTECSetpointDAC(dac int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TECDAC = dac
	return nil
}

func (m *MockChannel) Close() error { return nil }
