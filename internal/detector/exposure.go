package detector

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astrogo/fitsio"

	"github.com/piascik/liric/internal/astrotime"
	"github.com/piascik/liric/internal/buffer"
	"github.com/piascik/liric/internal/filename"
	"github.com/piascik/liric/internal/fitshdr"
	"github.com/piascik/liric/internal/metrics"
	"github.com/piascik/liric/internal/monitoring"
	"github.com/piascik/liric/internal/status"
	"github.com/piascik/liric/internal/timeutil"
)

// grabberPollInterval is the sleep between polls of the captured-buffer
// indicator.
const grabberPollInterval = 500 * time.Microsecond

// coaddTimeoutFactor bounds the wait for one coadd frame: ten frame times.
const coaddTimeoutFactor = 10

// live acquisition alternates between these two grabber buffers.
const (
	liveBuffer1 = 1
	liveBuffer2 = 2
)

// Engine is the coadd pipeline. One 'exposure' is a number of short
// frame-grabber frames summed pixel-wise; the per-pixel mean is written to a
// FITS image together with the header store contents.
type Engine struct {
	grab    FrameGrabber
	buf     *buffer.Set
	headers *fitshdr.Store
	st      *status.Store
	met     *metrics.Metrics
	clock   timeutil.Clock

	coaddFrameLengthMs atomic.Int64
	exposureLengthMs   atomic.Int64
	coaddCount         atomic.Int64
	flipX              atomic.Bool
	flipY              atomic.Bool

	mu        sync.Mutex
	startTime time.Time
}

// NewEngine builds an exposure engine over the given grabber and buffers.
func NewEngine(grab FrameGrabber, buf *buffer.Set, headers *fitshdr.Store, st *status.Store, met *metrics.Metrics, clock timeutil.Clock) *Engine {
	return &Engine{
		grab:    grab,
		buf:     buf,
		headers: headers,
		st:      st,
		met:     met,
		clock:   clock,
	}
}

// SetCoaddFrameLength records the per-coadd frame length. The value must
// match the frame rate configured by the grabber format file.
func (e *Engine) SetCoaddFrameLength(ms int) error {
	if ms < 1 {
		return fmt.Errorf("detector: coadd frame exposure length too short (%d ms)", ms)
	}
	e.coaddFrameLengthMs.Store(int64(ms))
	monitoring.Logf("detector: coadd frame exposure length set to %d ms", ms)
	return nil
}

// CoaddFrameLength returns the configured per-coadd frame length in ms.
func (e *Engine) CoaddFrameLength() int {
	return int(e.coaddFrameLengthMs.Load())
}

// ExposureLength returns the overall length of the current or last exposure
// in ms.
func (e *Engine) ExposureLength() int {
	return int(e.exposureLengthMs.Load())
}

// CoaddCount returns the coadd count of the current or last exposure.
func (e *Engine) CoaddCount() int {
	return int(e.coaddCount.Load())
}

// SetFlip configures whether the mean image is flipped in X and/or Y before
// writing.
func (e *Engine) SetFlip(x, y bool) {
	e.flipX.Store(x)
	e.flipY.Store(y)
}

// StartTime returns the start timestamp of the current or last exposure.
func (e *Engine) StartTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startTime
}

// Resize reallocates the image buffers for a new sensor geometry, typically
// after the grabber has been re-opened with a different format file.
func (e *Engine) Resize(sizeX, sizeY int) error {
	return e.buf.Allocate(sizeX, sizeY)
}

// SensorSize returns the buffer geometry.
func (e *Engine) SensorSize() (x, y int) {
	return e.buf.SizeX(), e.buf.SizeY()
}

// ExposeBias takes a single-coadd exposure at the configured minimum frame
// length.
func (e *Engine) ExposeBias(fitsPath string) error {
	return e.Expose(e.CoaddFrameLength(), fitsPath)
}

// Expose acquires one exposure of the given length and writes the coadd mean
// to fitsPath. The abort flag is honoured between coadds, not only at
// exposure boundaries.
func (e *Engine) Expose(lengthMs int, fitsPath string) error {
	coaddFrameMs := e.CoaddFrameLength()
	if coaddFrameMs < 1 {
		return fmt.Errorf("detector: coadd frame exposure length %d ms too small", coaddFrameMs)
	}
	coaddCount := lengthMs / coaddFrameMs
	if coaddCount < 1 {
		return fmt.Errorf("detector: exposure length %d ms too short for coadd frame length %d ms",
			lengthMs, coaddFrameMs)
	}
	e.exposureLengthMs.Store(int64(lengthMs))
	e.coaddCount.Store(int64(coaddCount))
	monitoring.Logf("detector: exposure %d ms is %d coadds of %d ms", lengthMs, coaddCount, coaddFrameMs)

	e.buf.InitialiseCoadd()
	start := e.clock.Now()
	e.mu.Lock()
	e.startTime = start
	e.mu.Unlock()

	if err := e.grab.GoLivePair(liveBuffer1, liveBuffer2); err != nil {
		return fmt.Errorf("detector: starting live acquisition: %w", err)
	}
	lastBuffer := 0
	coaddTimeout := time.Duration(coaddTimeoutFactor*coaddFrameMs) * time.Millisecond
	for k := 0; k < coaddCount; k++ {
		coaddStart := e.clock.Now()
		for {
			if e.st.AbortRequested() {
				e.grab.AbortLive()
				return fmt.Errorf("detector: coadd %d of %d: %w", k, coaddCount, status.ErrAborted)
			}
			captured, err := e.grab.CapturedBuffer()
			if err != nil {
				e.grab.AbortLive()
				return fmt.Errorf("detector: polling captured buffer: %w", err)
			}
			if captured != lastBuffer {
				lastBuffer = captured
				break
			}
			if e.clock.Since(coaddStart) > coaddTimeout {
				e.grab.AbortLive()
				return fmt.Errorf("detector: timed out waiting for capture buffer (coadd %d of %d, timeout %v)",
					k, coaddCount, coaddTimeout)
			}
			e.clock.Sleep(grabberPollInterval)
		}
		n, err := e.grab.ReadUShort(lastBuffer, e.buf.Mono())
		if err != nil {
			e.grab.AbortLive()
			return fmt.Errorf("detector: reading capture buffer %d: %w", lastBuffer, err)
		}
		if n != e.buf.PixelCount() {
			e.grab.AbortLive()
			return fmt.Errorf("detector: read %d of %d pixels", n, e.buf.PixelCount())
		}
		e.buf.AddMonoToCoadd()
		e.met.Coadds.Inc()
	}
	if err := e.grab.AbortLive(); err != nil {
		return fmt.Errorf("detector: stopping live acquisition: %w", err)
	}
	if err := e.buf.CreateMean(coaddCount); err != nil {
		return err
	}
	if e.flipX.Load() {
		e.buf.MeanFlipX()
	}
	if e.flipY.Load() {
		e.buf.MeanFlipY()
	}
	if err := e.save(fitsPath, start, coaddCount, coaddFrameMs); err != nil {
		return err
	}
	e.met.Exposures.Inc()
	return nil
}

// reservedKeys are written by the engine after the header store cards and
// override any same-named store card.
var reservedKeys = map[string]bool{
	"DATE":     true,
	"DATE-OBS": true,
	"UTSTART":  true,
	"MJD":      true,
	"EXPTIME":  true,
	"COADDSEC": true,
	"COADDNUM": true,
}

// save writes the mean image and headers to a new FITS file, gated by the
// sibling lock file. On failure no partial image is left behind: the file and
// its lock are removed together.
func (e *Engine) save(fitsPath string, start time.Time, coaddCount, coaddFrameMs int) error {
	if err := filename.Lock(fitsPath); err != nil {
		return err
	}
	if err := e.writeFITS(fitsPath, start, coaddCount, coaddFrameMs); err != nil {
		os.Remove(fitsPath)
		filename.Unlock(fitsPath)
		return err
	}
	if err := filename.Unlock(fitsPath); err != nil {
		return err
	}
	e.met.FITSFiles.Inc()
	return nil
}

func (e *Engine) writeFITS(fitsPath string, start time.Time, coaddCount, coaddFrameMs int) error {
	w, err := os.Create(fitsPath)
	if err != nil {
		return fmt.Errorf("detector: creating FITS file %q: %w", fitsPath, err)
	}
	f, err := fitsio.Create(w)
	if err != nil {
		w.Close()
		return fmt.Errorf("detector: creating FITS structure for %q: %w", fitsPath, err)
	}
	img := fitsio.NewImage(-64, []int{e.buf.SizeX(), e.buf.SizeY()})

	err = e.writeHDU(img, start, coaddCount, coaddFrameMs)
	if err == nil {
		err = f.Write(img)
	}
	img.Close()
	// the lock file is only removed once the close has flushed everything
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("detector: closing FITS structure for %q: %w", fitsPath, cerr)
	}
	if cerr := w.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("detector: closing FITS file %q: %w", fitsPath, cerr)
	}
	return err
}

func (e *Engine) writeHDU(img fitsio.Image, start time.Time, coaddCount, coaddFrameMs int) error {
	cards := make([]fitsio.Card, 0, e.headers.Len()+len(reservedKeys))
	for _, card := range e.headers.Cards() {
		if reservedKeys[card.Name] {
			continue
		}
		cards = append(cards, card)
	}
	exptime := float64(coaddCount*coaddFrameMs) / 1000.0
	coaddSec := float64(coaddFrameMs) / 1000.0
	cards = append(cards,
		fitsio.Card{Name: "DATE", Value: astrotime.DateString(start)},
		fitsio.Card{Name: "DATE-OBS", Value: astrotime.DateObsString(start)},
		fitsio.Card{Name: "UTSTART", Value: astrotime.UTStartString(start)},
		fitsio.Card{Name: "MJD", Value: round6(astrotime.MJD(start))},
		fitsio.Card{Name: "EXPTIME", Value: round6(exptime)},
		fitsio.Card{Name: "COADDSEC", Value: round6(coaddSec)},
		fitsio.Card{Name: "COADDNUM", Value: coaddCount, Comment: "Number of coadds"},
	)
	if err := img.Header().Append(cards...); err != nil {
		return fmt.Errorf("detector: writing headers: %w", err)
	}
	data := e.buf.Mean()
	if err := img.Write(&data); err != nil {
		return fmt.Errorf("detector: writing image data: %w", err)
	}
	return nil
}

func round6(v float64) float64 {
	const scale = 1e6
	if v >= 0 {
		return float64(int64(v*scale+0.5)) / scale
	}
	return float64(int64(v*scale-0.5)) / scale
}
