// Package config loads the flat key/value instrument configuration into a
// typed record at startup. Every use site then reads typed fields instead of
// re-parsing strings; a missing or malformed key fails startup.
package config

import (
	"fmt"
	"strings"

	"github.com/magiconair/properties"
)

// FilterCount is the number of physical filter wheel slots.
const FilterCount = 5

// Filter is one filter wheel slot: the display name commands refer to and the
// physical id etched on the filter itself.
type Filter struct {
	Name string
	ID   string
}

// Config is the parsed instrument configuration.
type Config struct {
	// command server
	CommandServerPort int

	// logging; rotation and UDP shipping are handled by external tooling,
	// the keys are validated here so misconfiguration fails at startup
	LogDirectory  string
	LogRoot       string
	ErrorLogRoot  string
	LogUDPActive  bool
	LogUDPHost    string
	LogUDPPort    int
	MetricsListen string

	// detector
	DetectorEnable       bool
	DetectorFormatDir    string
	DetectorSerialDevice string
	CoaddLengthShortMs   int
	CoaddLengthLongMs    int
	CoaddLengthBiasMs    int
	MultrunFlipX         bool
	MultrunFlipY         bool
	TemperatureADCZero   int
	TemperatureADCForty  int
	TemperatureDACZero   int
	TemperatureDACForty  int
	TemperatureTarget    float64

	// filter wheel
	FilterWheelEnable     bool
	FilterWheelDeviceName string
	Filters               [FilterCount]Filter

	// nudgematic
	NudgematicEnable     bool
	NudgematicDeviceName string

	// FITS filenames
	InstrumentCode string
	DataDir        string

	// thread priorities
	PriorityNormal   int
	PriorityExposure int
}

// Load parses the .properties file at path into a Config and validates it.
func Load(path string) (*Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: loading %q: %w", path, err)
	}
	return parse(p)
}

func parse(p *properties.Properties) (*Config, error) {
	g := &getter{p: p}
	cfg := &Config{
		CommandServerPort: g.int("command.server.port_number"),

		LogDirectory:  g.str("logging.directory_name"),
		LogRoot:       g.str("logging.root.log"),
		ErrorLogRoot:  g.str("logging.root.error"),
		LogUDPActive:  g.boolean("logging.udp.active"),
		MetricsListen: g.optStr("metrics.listen", ""),

		DetectorEnable:       g.boolean("detector.enable"),
		DetectorFormatDir:    g.str("detector.format_dir"),
		DetectorSerialDevice: g.optStr("detector.serial.device_name", ""),
		CoaddLengthShortMs:   g.int("detector.coadd_exposure_length.short"),
		CoaddLengthLongMs:    g.int("detector.coadd_exposure_length.long"),
		CoaddLengthBiasMs:    g.int("detector.coadd_exposure_length.bias"),
		MultrunFlipX:         g.boolean("liric.multrun.image.flip.x"),
		MultrunFlipY:         g.boolean("liric.multrun.image.flip.y"),
		TemperatureADCZero:   g.int("detector.temperature.adc.zero_C"),
		TemperatureADCForty:  g.int("detector.temperature.adc.forty_C"),
		TemperatureDACZero:   g.int("detector.temperature.dac.zero_C"),
		TemperatureDACForty:  g.int("detector.temperature.dac.forty_C"),
		TemperatureTarget:    g.float("detector.temperature.target"),

		FilterWheelEnable: g.boolean("filter_wheel.enable"),

		NudgematicEnable: g.boolean("nudgematic.enable"),

		InstrumentCode: g.str("file.fits.instrument_code"),
		DataDir:        g.str("file.fits.path"),

		PriorityNormal:   g.int("thread.priority.normal"),
		PriorityExposure: g.int("thread.priority.exposure"),
	}
	if cfg.LogUDPActive {
		cfg.LogUDPHost = g.str("logging.udp.hostname")
		cfg.LogUDPPort = g.int("logging.udp.port_number")
	}
	if cfg.FilterWheelEnable {
		cfg.FilterWheelDeviceName = g.str("filter_wheel.device_name")
	}
	if cfg.NudgematicEnable {
		cfg.NudgematicDeviceName = g.str("nudgematic.device_name")
	}
	for i := 0; i < FilterCount; i++ {
		cfg.Filters[i] = Filter{
			Name: g.str(fmt.Sprintf("filter_wheel.filter.name.%d", i+1)),
			ID:   g.str(fmt.Sprintf("filter_wheel.filter.id.%d", i+1)),
		}
	}
	if len(g.missing) > 0 {
		return nil, fmt.Errorf("config: missing or malformed keys: %s", strings.Join(g.missing, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that a well-formed properties file can still
// get wrong.
func (c *Config) Validate() error {
	if c.CommandServerPort < 1 || c.CommandServerPort > 65535 {
		return fmt.Errorf("config: command.server.port_number %d out of range", c.CommandServerPort)
	}
	if len(c.InstrumentCode) != 1 {
		return fmt.Errorf("config: file.fits.instrument_code %q must be a single character", c.InstrumentCode)
	}
	for _, ms := range []int{c.CoaddLengthShortMs, c.CoaddLengthLongMs, c.CoaddLengthBiasMs} {
		if ms < 1 {
			return fmt.Errorf("config: coadd exposure length %d ms too short", ms)
		}
	}
	if c.TemperatureADCZero == c.TemperatureADCForty {
		return fmt.Errorf("config: temperature ADC calibration points are equal (%d)", c.TemperatureADCZero)
	}
	if c.TemperatureDACZero == c.TemperatureDACForty {
		return fmt.Errorf("config: temperature DAC calibration points are equal (%d)", c.TemperatureDACZero)
	}
	if c.PriorityNormal < 0 || c.PriorityExposure < 0 {
		return fmt.Errorf("config: thread priorities must be non-negative (%d, %d)",
			c.PriorityNormal, c.PriorityExposure)
	}
	names := map[string]bool{}
	for i, f := range c.Filters {
		if f.Name == "" {
			return fmt.Errorf("config: filter_wheel.filter.name.%d is empty", i+1)
		}
		if names[f.Name] {
			return fmt.Errorf("config: duplicate filter name %q", f.Name)
		}
		names[f.Name] = true
	}
	return nil
}

// CoaddLength resolves a coadd exposure length tag (short/long/bias) to its
// configured millisecond value.
func (c *Config) CoaddLength(tag string) (int, error) {
	switch tag {
	case "short":
		return c.CoaddLengthShortMs, nil
	case "long":
		return c.CoaddLengthLongMs, nil
	case "bias":
		return c.CoaddLengthBiasMs, nil
	default:
		return 0, fmt.Errorf("config: unknown coadd exposure length tag %q", tag)
	}
}

// getter accumulates missing keys so one load reports them all.
type getter struct {
	p       *properties.Properties
	missing []string
}

func (g *getter) raw(key string) (string, bool) {
	v, ok := g.p.Get(key)
	if !ok {
		g.missing = append(g.missing, key)
	}
	return strings.TrimSpace(v), ok
}

func (g *getter) str(key string) string {
	v, _ := g.raw(key)
	return v
}

func (g *getter) optStr(key, def string) string {
	v, ok := g.p.Get(key)
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

func (g *getter) int(key string) int {
	v, ok := g.raw(key)
	if !ok {
		return 0
	}
	n, err := parseInt(v)
	if err != nil {
		g.missing = append(g.missing, key)
		return 0
	}
	return n
}

func (g *getter) float(key string) float64 {
	v, ok := g.raw(key)
	if !ok {
		return 0
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
		g.missing = append(g.missing, key)
		return 0
	}
	return f
}

func (g *getter) boolean(key string) bool {
	v, ok := g.raw(key)
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	default:
		g.missing = append(g.missing, key)
		return false
	}
}

func parseInt(s string) (int, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}
