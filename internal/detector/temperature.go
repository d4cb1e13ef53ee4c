package detector

import (
	"fmt"
	"math"
	"sync"

	"github.com/piascik/liric/internal/monitoring"
)

// CentigradeToKelvin converts header temperatures to Kelvin.
const CentigradeToKelvin = 273.15

// pcbADCScale converts the PCB sensor's 12-bit ADC counts to degrees
// centigrade.
const pcbADCScale = 0.0625

// Calibration holds the two affine maps derived from the four per-device
// calibration counts: ADC counts to degrees centigrade for reading the
// sensor, and degrees centigrade to DAC counts for the TEC set-point.
type Calibration struct {
	adcM float64
	adcC float64
	dacM float64
	dacC float64
}

// NewCalibration computes the slopes and intercepts once from the
// manufacturer's counts at 0 and 40 degrees centigrade.
func NewCalibration(adcZeroC, adcFortyC, dacZeroC, dacFortyC int) (Calibration, error) {
	if adcZeroC == adcFortyC {
		return Calibration{}, fmt.Errorf("detector: ADC calibration points equal (%d)", adcZeroC)
	}
	if dacZeroC == dacFortyC {
		return Calibration{}, fmt.Errorf("detector: DAC calibration points equal (%d)", dacZeroC)
	}
	var c Calibration
	// ADC: x is counts, y is temperature
	c.adcM = -40.0 / float64(adcZeroC-adcFortyC)
	c.adcC = 40.0 - c.adcM*float64(adcFortyC)
	// DAC: x is temperature, y is counts
	c.dacM = float64(dacZeroC-dacFortyC) / -40.0
	c.dacC = float64(dacFortyC) - c.dacM*40.0
	return c, nil
}

// ADCToTemp converts sensor ADC counts to degrees centigrade.
func (c Calibration) ADCToTemp(adc int) float64 {
	return c.adcM*float64(adc) + c.adcC
}

// TempToDAC converts a set-point in degrees centigrade to DAC counts.
func (c Calibration) TempToDAC(tempC float64) int {
	return int(math.Round(c.dacM*tempC + c.dacC))
}

// Temperature is the detector temperature subsystem: sensor reads, the TEC
// set-point, and the fan and TEC enable bits in the FPGA control byte.
type Temperature struct {
	channel SerialChannel
	cal     Calibration

	mu         sync.Mutex
	setpointC  float64
	sensorC    float64
	haveSensor bool
	pcbC       float64
	havePCB    bool
}

// NewTemperature builds the subsystem over an open serial channel.
func NewTemperature(channel SerialChannel, cal Calibration) *Temperature {
	return &Temperature{channel: channel, cal: cal}
}

// Get reads the detector temperature in degrees centigrade and caches the
// reading for status queries issued while an exposure is running.
func (t *Temperature) Get() (float64, error) {
	adc, err := t.channel.SensorTempADC()
	if err != nil {
		return 0, fmt.Errorf("detector: reading sensor temperature: %w", err)
	}
	c := t.cal.ADCToTemp(adc)
	t.mu.Lock()
	t.sensorC = c
	t.haveSensor = true
	t.mu.Unlock()
	return c, nil
}

// GetPCB reads the camera PCB temperature in degrees centigrade and caches
// the reading.
func (t *Temperature) GetPCB() (float64, error) {
	adc, err := t.channel.PCBTempADC()
	if err != nil {
		return 0, fmt.Errorf("detector: reading PCB temperature: %w", err)
	}
	c := float64(adc) * pcbADCScale
	t.mu.Lock()
	t.pcbC = c
	t.havePCB = true
	t.mu.Unlock()
	return c, nil
}

// Cached returns the detector temperature captured by the last Get. Status
// commands use it while an observation is in progress instead of touching
// the camera.
func (t *Temperature) Cached() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveSensor {
		return 0, fmt.Errorf("detector: no cached sensor temperature")
	}
	return t.sensorC, nil
}

// CachedPCB returns the PCB temperature captured by the last GetPCB.
func (t *Temperature) CachedPCB() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.havePCB {
		return 0, fmt.Errorf("detector: no cached PCB temperature")
	}
	return t.pcbC, nil
}

// SetSetpoint converts the target to DAC counts, writes it to the camera and
// remembers the value for the CCDSTEMP header.
func (t *Temperature) SetSetpoint(tempC float64) error {
	dac := t.cal.TempToDAC(tempC)
	if err := t.channel.SetTECSetpointDAC(dac); err != nil {
		return fmt.Errorf("detector: writing TEC set-point: %w", err)
	}
	t.mu.Lock()
	t.setpointC = tempC
	t.mu.Unlock()
	monitoring.Logf("detector: TEC set-point %.2f C (DAC %d)", tempC, dac)
	return nil
}

// Setpoint returns the last set-point written, in degrees centigrade.
func (t *Temperature) Setpoint() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setpointC
}

// setControlBit read-modify-writes one bit of the FPGA control byte,
// preserving the others.
func (t *Temperature) setControlBit(bit byte, on bool) error {
	ctrl, err := t.channel.FPGAStatus()
	if err != nil {
		return fmt.Errorf("detector: reading FPGA status: %w", err)
	}
	if on {
		ctrl |= bit
	} else {
		ctrl &^= bit
	}
	if err := t.channel.SetFPGAControl(ctrl); err != nil {
		return fmt.Errorf("detector: writing FPGA control: %w", err)
	}
	return nil
}

// SetFan turns the camera head fan on or off.
func (t *Temperature) SetFan(on bool) error {
	return t.setControlBit(FPGACtrlFanEnabled, on)
}

// SetTEC turns the thermo-electric cooler on or off.
func (t *Temperature) SetTEC(on bool) error {
	return t.setControlBit(FPGACtrlTECEnabled, on)
}
