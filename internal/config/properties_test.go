package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validProperties = `
command.server.port_number = 8367

logging.directory_name = /icc/log
logging.root.log = liric_log
logging.root.error = liric_error
logging.udp.active = false

detector.enable = true
detector.format_dir = /icc/config
detector.coadd_exposure_length.short = 100
detector.coadd_exposure_length.long = 1000
detector.coadd_exposure_length.bias = 100
detector.temperature.adc.zero_C = 9000
detector.temperature.adc.forty_C = 12000
detector.temperature.dac.zero_C = 1500
detector.temperature.dac.forty_C = 2200
detector.temperature.target = -20.0

liric.multrun.image.flip.x = false
liric.multrun.image.flip.y = true

filter_wheel.enable = true
filter_wheel.device_name = /dev/hidraw0
filter_wheel.filter.name.1 = FELH1500
filter_wheel.filter.id.1 = FELH1500-01
filter_wheel.filter.name.2 = Mirror
filter_wheel.filter.id.2 = Mirror-01
filter_wheel.filter.name.3 = H
filter_wheel.filter.id.3 = H-01
filter_wheel.filter.name.4 = J
filter_wheel.filter.id.4 = J-01
filter_wheel.filter.name.5 = Dark
filter_wheel.filter.id.5 = Dark-01

nudgematic.enable = true
nudgematic.device_name = /dev/ttyACM0

file.fits.instrument_code = j
file.fits.path = /icc/data

thread.priority.normal = 0
thread.priority.exposure = 10
`

func writeProperties(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "liric.properties")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeProperties(t, validProperties))
	require.NoError(t, err)

	assert.Equal(t, 8367, cfg.CommandServerPort)
	assert.True(t, cfg.DetectorEnable)
	assert.Equal(t, 1000, cfg.CoaddLengthLongMs)
	assert.False(t, cfg.MultrunFlipX)
	assert.True(t, cfg.MultrunFlipY)
	assert.Equal(t, "j", cfg.InstrumentCode)
	assert.Equal(t, "/icc/data", cfg.DataDir)
	assert.Equal(t, "Mirror", cfg.Filters[1].Name)
	assert.Equal(t, 10, cfg.PriorityExposure)
	assert.Equal(t, "/dev/ttyACM0", cfg.NudgematicDeviceName)
}

func TestLoadMissingKey(t *testing.T) {
	content := strings.Replace(validProperties, "file.fits.path = /icc/data", "", 1)
	_, err := Load(writeProperties(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file.fits.path")
}

func TestLoadMalformedInt(t *testing.T) {
	content := strings.Replace(validProperties,
		"command.server.port_number = 8367",
		"command.server.port_number = not-a-port", 1)
	_, err := Load(writeProperties(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command.server.port_number")
}

func TestLoadMalformedBool(t *testing.T) {
	content := strings.Replace(validProperties,
		"detector.enable = true",
		"detector.enable = yes", 1)
	_, err := Load(writeProperties(t, content))
	assert.Error(t, err)
}

func TestUDPKeysRequiredWhenActive(t *testing.T) {
	content := strings.Replace(validProperties,
		"logging.udp.active = false",
		"logging.udp.active = true", 1)
	_, err := Load(writeProperties(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.udp.hostname")

	content += "\nlogging.udp.hostname = loghost\nlogging.udp.port_number = 2371\n"
	cfg, err := Load(writeProperties(t, content))
	require.NoError(t, err)
	assert.Equal(t, "loghost", cfg.LogUDPHost)
	assert.Equal(t, 2371, cfg.LogUDPPort)
}

func TestValidateInstrumentCode(t *testing.T) {
	content := strings.Replace(validProperties,
		"file.fits.instrument_code = j",
		"file.fits.instrument_code = liric", 1)
	_, err := Load(writeProperties(t, content))
	assert.Error(t, err)
}

func TestValidateDuplicateFilterNames(t *testing.T) {
	content := strings.Replace(validProperties,
		"filter_wheel.filter.name.3 = H",
		"filter_wheel.filter.name.3 = Mirror", 1)
	_, err := Load(writeProperties(t, content))
	assert.Error(t, err)
}

func TestValidateEqualCalibrationPoints(t *testing.T) {
	content := strings.Replace(validProperties,
		"detector.temperature.adc.forty_C = 12000",
		"detector.temperature.adc.forty_C = 9000", 1)
	_, err := Load(writeProperties(t, content))
	assert.Error(t, err)
}

func TestCoaddLength(t *testing.T) {
	cfg, err := Load(writeProperties(t, validProperties))
	require.NoError(t, err)

	ms, err := cfg.CoaddLength("short")
	require.NoError(t, err)
	assert.Equal(t, 100, ms)
	ms, err = cfg.CoaddLength("long")
	require.NoError(t, err)
	assert.Equal(t, 1000, ms)
	ms, err = cfg.CoaddLength("bias")
	require.NoError(t, err)
	assert.Equal(t, 100, ms)

	_, err = cfg.CoaddLength("medium")
	assert.Error(t, err)
}
