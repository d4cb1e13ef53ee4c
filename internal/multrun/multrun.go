// Package multrun is the observation controller: the Multrun, MultBias and
// MultDark state machines that drive the detector, filter wheel and
// nudgematic in a fixed choreography, producing an ordered list of FITS
// images under one multrun number.
package multrun

import (
	"fmt"
	"time"

	"github.com/piascik/liric/internal/config"
	"github.com/piascik/liric/internal/detector"
	"github.com/piascik/liric/internal/filename"
	"github.com/piascik/liric/internal/filterwheel"
	"github.com/piascik/liric/internal/fitshdr"
	"github.com/piascik/liric/internal/metrics"
	"github.com/piascik/liric/internal/monitoring"
	"github.com/piascik/liric/internal/nudgematic"
	"github.com/piascik/liric/internal/status"
)

// mirrorFilterName is the filter moved in front of the detector before bias
// and dark observations, for reproducible calibration conditions.
const mirrorFilterName = "Mirror"

// Deps are the collaborators the controller drives. Wheel and Nudge are nil
// when the corresponding mechanism is disabled in configuration; Engine,
// Setup and Temp are nil when the detector is disabled.
type Deps struct {
	Config  *config.Config
	Status  *status.Store
	Seq     *filename.Sequencer
	Headers *fitshdr.Store
	Engine  *detector.Engine
	Setup   *detector.Setup
	Temp    *detector.Temperature
	Wheel   *filterwheel.Wheel
	Nudge   *nudgematic.Controller
	Metrics *metrics.Metrics
}

// Controller owns one observation at a time.
type Controller struct {
	d Deps
}

// New builds the controller.
func New(d Deps) *Controller {
	return &Controller{d: d}
}

// Reconfigure resolves a coadd exposure length tag (short/long/bias) through
// configuration, re-opens the grabber against the matching format file and
// updates the exposure engine. Callers must not invoke it while an
// observation is in progress.
func (c *Controller) Reconfigure(tag string) error {
	if !c.d.Config.DetectorEnable {
		monitoring.Logf("multrun: detector not enabled, reconfigure to %q skipped", tag)
		return nil
	}
	ms, err := c.d.Config.CoaddLength(tag)
	if err != nil {
		return err
	}
	if err := c.d.Setup.Startup(ms); err != nil {
		return err
	}
	if err := c.d.Engine.Resize(c.d.Setup.SizeX(), c.d.Setup.SizeY()); err != nil {
		return err
	}
	return c.d.Engine.SetCoaddFrameLength(ms)
}

// Multrun takes count science (or standard) exposures of lengthMs each. The
// filter wheel stays wherever the last config filter command left it; the
// nudgematic, when enabled, steps through its position cycle once per
// exposure.
func (c *Controller) Multrun(lengthMs, count int, standard bool) ([]string, error) {
	if err := c.checkDetector(); err != nil {
		return nil, err
	}
	if lengthMs < 1 {
		return nil, fmt.Errorf("multrun: exposure length too short (%d ms)", lengthMs)
	}
	if count < 1 {
		return nil, fmt.Errorf("multrun: exposure count too small (%d)", count)
	}
	if lengthMs < c.d.Engine.CoaddFrameLength() {
		return nil, fmt.Errorf("multrun: exposure length %d ms shorter than one coadd frame (%d ms)",
			lengthMs, c.d.Engine.CoaddFrameLength())
	}
	exposureType := filename.ExposureTypeExposure
	obsType := "EXPOSE"
	if standard {
		exposureType = filename.ExposureTypeStandard
		obsType = "STANDARD"
	}
	return c.observe(observation{
		kind:         status.Multrun,
		exposureType: exposureType,
		obsType:      obsType,
		lengthMs:     lengthMs,
		count:        count,
		moveToMirror: false,
		useNudge:     true,
		filterID:     true,
	})
}

// MultBias takes count single-coadd bias frames. The detector is first
// reconfigured to its minimum coadd frame length and the filter wheel moved
// to the Mirror position.
func (c *Controller) MultBias(count int) ([]string, error) {
	if err := c.checkDetector(); err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, fmt.Errorf("multbias: exposure count too small (%d)", count)
	}
	return c.observe(observation{
		kind:         status.BiasDark,
		exposureType: filename.ExposureTypeBias,
		obsType:      "BIAS",
		lengthMs:     0, // single coadd, set after reconfigure
		count:        count,
		moveToMirror: true,
		reconfigure:  "bias",
		useNudge:     false,
	})
}

// MultDark takes count dark exposures of lengthMs each with the filter wheel
// at the Mirror position.
func (c *Controller) MultDark(lengthMs, count int) ([]string, error) {
	if err := c.checkDetector(); err != nil {
		return nil, err
	}
	if lengthMs < 1 {
		return nil, fmt.Errorf("multdark: exposure length too short (%d ms)", lengthMs)
	}
	if count < 1 {
		return nil, fmt.Errorf("multdark: exposure count too small (%d)", count)
	}
	if lengthMs < c.d.Engine.CoaddFrameLength() {
		return nil, fmt.Errorf("multdark: exposure length %d ms shorter than one coadd frame (%d ms)",
			lengthMs, c.d.Engine.CoaddFrameLength())
	}
	return c.observe(observation{
		kind:         status.BiasDark,
		exposureType: filename.ExposureTypeDark,
		obsType:      "DARK",
		lengthMs:     lengthMs,
		count:        count,
		moveToMirror: true,
		useNudge:     false,
	})
}

func (c *Controller) checkDetector() error {
	if c.d.Engine == nil {
		return fmt.Errorf("multrun: detector not enabled")
	}
	return nil
}

// observation describes one Multrun/MultBias/MultDark run through the shared
// skeleton.
type observation struct {
	kind         status.InProgress
	exposureType filename.ExposureType
	obsType      string
	lengthMs     int
	count        int
	moveToMirror bool
	reconfigure  string
	useNudge     bool
	filterID     bool
}

func (c *Controller) observe(o observation) ([]string, error) {
	if !c.d.Status.Begin(o.kind) {
		return nil, fmt.Errorf("%s: observation already in progress (%s)",
			o.obsType, c.d.Status.InProgress())
	}
	defer c.d.Status.End()
	c.d.Metrics.InProgress.Set(1)
	defer c.d.Metrics.InProgress.Set(0)

	c.d.Engine.SetFlip(c.d.Config.MultrunFlipX, c.d.Config.MultrunFlipY)

	// bias and dark frames are taken behind the Mirror filter so the
	// calibration conditions are reproducible
	if o.moveToMirror && c.d.Wheel != nil {
		position, err := c.d.Wheel.Config().NameToPosition(mirrorFilterName)
		if err != nil {
			return nil, err
		}
		if err := c.d.Wheel.MoveTo(position); err != nil {
			return nil, err
		}
	}
	if o.reconfigure != "" {
		if err := c.Reconfigure(o.reconfigure); err != nil {
			return nil, err
		}
	}
	c.d.Seq.NextMultrun()
	if err := c.setMultrunHeaders(o); err != nil {
		return nil, err
	}
	start := time.Now()
	c.d.Status.SetObservation(o.count, start)
	monitoring.Logf("%s: multrun %d started, %d exposures of %d ms",
		o.obsType, c.d.Seq.Multrun(), o.count, o.lengthMs)

	var filenames []string
	nudgePosition := 0
	for i := 0; i < o.count; i++ {
		c.d.Status.SetExposureIndex(i)
		if c.d.Status.AbortRequested() {
			return nil, fmt.Errorf("%s: %w", o.obsType, status.ErrAborted)
		}
		if o.useNudge && c.d.Nudge != nil {
			if err := c.d.Nudge.SetPosition(nudgePosition); err != nil {
				return nil, err
			}
		}
		c.d.Seq.NextRun()
		path, err := c.d.Seq.Filename(o.exposureType, filename.PipelineUnreduced)
		if err != nil {
			return nil, err
		}
		if c.d.Status.AbortRequested() {
			return nil, fmt.Errorf("%s: %w", o.obsType, status.ErrAborted)
		}
		if err := c.setExposureHeaders(); err != nil {
			return nil, err
		}
		if o.lengthMs > 0 {
			err = c.d.Engine.Expose(o.lengthMs, path)
		} else {
			err = c.d.Engine.ExposeBias(path)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: exposure %d: %w", o.obsType, i, err)
		}
		filenames = append(filenames, path)
		nudgePosition++
		if nudgePosition == nudgematic.PositionCount {
			nudgePosition = 0
		}
	}
	monitoring.Logf("%s: multrun %d finished, %d files", o.obsType, c.d.Seq.Multrun(), len(filenames))
	return filenames, nil
}

// setMultrunHeaders installs the headers shared by every exposure in the
// observation. The detector temperature is read once here and cached for the
// whole observation.
func (c *Controller) setMultrunHeaders(o observation) error {
	h := c.d.Headers
	if err := h.AddString("OBSTYPE", o.obsType, ""); err != nil {
		return err
	}
	if c.d.Wheel != nil {
		position, err := c.d.Wheel.Position()
		if err != nil {
			return fmt.Errorf("%s: reading filter wheel position: %w", o.obsType, err)
		}
		name, id := "UNKNOWN", "UNKNOWN"
		if position != 0 {
			if name, err = c.d.Wheel.Config().PositionToName(position); err != nil {
				return err
			}
			if id, err = c.d.Wheel.Config().PositionToID(position); err != nil {
				return err
			}
		}
		if err := h.AddString("FILTER1", name, ""); err != nil {
			return err
		}
		if o.filterID {
			if err := h.AddString("FILTERI1", id, ""); err != nil {
				return err
			}
		}
	} else {
		if err := h.AddString("FILTER1", "UNKNOWN", ""); err != nil {
			return err
		}
		if o.filterID {
			if err := h.AddString("FILTERI1", "UNKNOWN", ""); err != nil {
				return err
			}
		}
	}
	if err := h.AddInt("RUNNUM", c.d.Seq.Multrun(), "Number of Multrun"); err != nil {
		return err
	}
	if err := h.AddInt("EXPTOTAL", o.count, "Total number of exposures within Multrun"); err != nil {
		return err
	}
	if err := h.AddFloat("CCDSTEMP", c.d.Temp.Setpoint()+detector.CentigradeToKelvin,
		"[Kelvin] Required temperature."); err != nil {
		return err
	}
	ccdTemp, err := c.d.Temp.Get()
	if err != nil {
		return fmt.Errorf("%s: reading detector temperature: %w", o.obsType, err)
	}
	// warm the PCB cache too, so temperature status during the observation
	// is served without touching the camera
	if _, err := c.d.Temp.GetPCB(); err != nil {
		monitoring.Logf("%s: reading PCB temperature: %v", o.obsType, err)
	}
	if err := h.AddFloat("CCDATEMP", ccdTemp+detector.CentigradeToKelvin,
		"[Kelvin] Actual temperature."); err != nil {
		return err
	}
	sizeX, sizeY := c.d.Engine.SensorSize()
	for _, card := range []struct {
		key     string
		value   int
		comment string
	}{
		{"CCDXBIN", 1, "X binning factor"},
		{"CCDYBIN", 1, "Y binning factor"},
		{"CCDXIMSI", sizeX, "[pixels] X image size"},
		{"CCDYIMSI", sizeY, "[pixels] Y image size"},
		{"CCDWXOFF", 0, "[pixels] X window offset"},
		{"CCDWYOFF", 0, "[pixels] Y window offset"},
		{"CCDWXSIZ", sizeX, "[pixels] X window size"},
		{"CCDWYSIZ", sizeY, "[pixels] Y window size"},
	} {
		if err := h.AddInt(card.key, card.value, card.comment); err != nil {
			return err
		}
	}
	return h.AddBool("CCDWMODE", false, "Using a Window (always false for Liric)")
}

// setExposureHeaders installs the headers that change per exposure.
func (c *Controller) setExposureHeaders() error {
	return c.d.Headers.AddInt("EXPNUM", c.d.Seq.Run(), "Number of exposure within Multrun")
}
