// Package filename produces the FITS pathnames written by the instrument and
// the sibling lock files that gate the external data-transfer process.
//
// Paths have the form
//
//	<data_dir>/<inst>_<type>_<yyyymmdd>_<multrun>_<run>_<window>_<pipeline>.fits
//
// The sequencer recovers its multrun counter from the files already on disk
// at startup, so a restart never reuses a multrun number within one night.
package filename

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/piascik/liric/internal/astrotime"
	"github.com/piascik/liric/internal/monitoring"
)

// ExposureType is the single-character exposure classification in a filename.
type ExposureType int

const (
	ExposureTypeArc ExposureType = iota
	ExposureTypeBias
	ExposureTypeDark
	ExposureTypeExposure
	ExposureTypeSkyFlat
	ExposureTypeStandard
	ExposureTypeLampFlat
)

var exposureTypeCodes = [...]string{"a", "b", "d", "e", "f", "s", "w"}

func (t ExposureType) code() (string, error) {
	if t < ExposureTypeArc || t > ExposureTypeLampFlat {
		return "", fmt.Errorf("filename: illegal exposure type %d", int(t))
	}
	return exposureTypeCodes[t], nil
}

// PipelineFlag is the processing level suffix in a filename.
type PipelineFlag int

const (
	PipelineUnreduced PipelineFlag = iota
	PipelineRealTime
	PipelineOffline
)

// Sequencer owns the (date, multrun, run, window) counters. It is driven by
// the single observation controller thread; the counter getters use atomics
// so status commands can read them without locking.
type Sequencer struct {
	dataDir        string
	instrumentCode string
	now            func() time.Time

	dateNumber atomic.Int64
	multrun    atomic.Int64
	run        atomic.Int64
	window     atomic.Int64
}

// New creates a Sequencer for the given instrument code and data directory,
// recovering the multrun counter from files already present for tonight's
// date number.
func New(instrumentCode, dataDir string) (*Sequencer, error) {
	return newWithClock(instrumentCode, dataDir, time.Now)
}

func newWithClock(instrumentCode, dataDir string, now func() time.Time) (*Sequencer, error) {
	if instrumentCode == "" {
		return nil, fmt.Errorf("filename: instrument code is empty")
	}
	info, err := os.Stat(dataDir)
	if err != nil {
		return nil, fmt.Errorf("filename: data directory %q: %w", dataDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("filename: data directory %q is not a directory", dataDir)
	}
	s := &Sequencer{
		dataDir:        dataDir,
		instrumentCode: instrumentCode,
		now:            now,
	}
	s.dateNumber.Store(int64(astrotime.DateNumber(now())))
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// scan finds the highest multrun number already used for tonight's date
// number by this instrument.
func (s *Sequencer) scan() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("filename: scanning %q: %w", s.dataDir, err)
	}
	highest := int64(0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		code, dateNumber, multrun, ok := parseName(entry.Name())
		if !ok {
			continue
		}
		if code != s.instrumentCode || dateNumber != int(s.dateNumber.Load()) {
			continue
		}
		if multrun > highest {
			highest = multrun
		}
	}
	s.multrun.Store(highest)
	monitoring.Logf("filename: recovered multrun %d for date %d from %s", highest, s.dateNumber.Load(), s.dataDir)
	return nil
}

// parseName splits <inst>_<type>_<date>_<multrun>_<run>_<window>_<pipe>.fits.
func parseName(name string) (code string, dateNumber int, multrun int64, ok bool) {
	if !strings.HasSuffix(name, ".fits") {
		return "", 0, 0, false
	}
	parts := strings.Split(strings.TrimSuffix(name, ".fits"), "_")
	if len(parts) != 7 {
		return "", 0, 0, false
	}
	dateNumber, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, 0, false
	}
	multrun, err = strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return parts[0], dateNumber, multrun, true
}

// NextMultrun starts a new multrun: the multrun number is incremented and run
// and window reset. If the date number has changed since the last call the
// counter restarts at 1 for the new night.
func (s *Sequencer) NextMultrun() {
	dateNumber := int64(astrotime.DateNumber(s.now()))
	if dateNumber != s.dateNumber.Load() {
		s.dateNumber.Store(dateNumber)
		s.multrun.Store(0)
	}
	s.multrun.Add(1)
	s.run.Store(0)
	s.window.Store(0)
}

// NextRun increments the run number within a multrun and resets the window.
func (s *Sequencer) NextRun() {
	s.run.Add(1)
	s.window.Store(0)
}

// NextWindow increments the window number within a run.
func (s *Sequencer) NextWindow() {
	s.window.Add(1)
}

// Multrun returns the current multrun number.
func (s *Sequencer) Multrun() int { return int(s.multrun.Load()) }

// Run returns the current run number.
func (s *Sequencer) Run() int { return int(s.run.Load()) }

// Window returns the current window number.
func (s *Sequencer) Window() int { return int(s.window.Load()) }

// Filename returns the path for the current counters with the given exposure
// type and pipeline flag.
func (s *Sequencer) Filename(exposureType ExposureType, pipeline PipelineFlag) (string, error) {
	code, err := exposureType.code()
	if err != nil {
		return "", err
	}
	if pipeline < PipelineUnreduced || pipeline > PipelineOffline {
		return "", fmt.Errorf("filename: illegal pipeline flag %d", int(pipeline))
	}
	name := fmt.Sprintf("%s_%s_%d_%d_%d_%d_%d.fits",
		s.instrumentCode, code, s.dateNumber.Load(),
		s.multrun.Load(), s.run.Load(), s.window.Load(), int(pipeline))
	return filepath.Join(s.dataDir, name), nil
}

// LockFilename derives the sibling lock path for a FITS path.
func LockFilename(fitsPath string) (string, error) {
	if !strings.HasSuffix(fitsPath, ".fits") {
		return "", fmt.Errorf("filename: %q does not end in .fits", fitsPath)
	}
	return strings.TrimSuffix(fitsPath, ".fits") + ".lock", nil
}

// Lock creates the lock file for a FITS path. Creation is exclusive: if the
// lock file already exists the call fails. The cooperating data-transfer
// process only ingests images whose lock file has been removed.
func Lock(fitsPath string) error {
	lockPath, err := LockFilename(fitsPath)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("filename: creating lock file %q: %w", lockPath, err)
	}
	return f.Close()
}

// Unlock removes the lock file for a FITS path. A missing lock file is not an
// error.
func Unlock(fitsPath string) error {
	lockPath, err := LockFilename(fitsPath)
	if err != nil {
		return err
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filename: removing lock file %q: %w", lockPath, err)
	}
	return nil
}
