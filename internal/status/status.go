// Package status holds the process-wide observation state shared between the
// command dispatcher, the observation controller and status queries.
package status

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAborted is returned by an operation that observed the shared abort flag.
// An aborted observation is a user-visible failure, not a success.
// The capitalised message is part of the command protocol: observation
// replies report "...Aborted" to the client.
var ErrAborted = errors.New("Aborted")

// InProgress describes which kind of observation, if any, currently owns the
// detector.
type InProgress int32

const (
	Idle InProgress = iota
	Multrun
	BiasDark
)

func (p InProgress) String() string {
	switch p {
	case Idle:
		return "idle"
	case Multrun:
		return "multrun"
	case BiasDark:
		return "biasdark"
	default:
		return "unknown"
	}
}

// Store is the single instance of process state. The abort flag and the
// in-progress marker are plain atomics: abort is written by the abort handler
// thread and read by the exposure thread. The cached exposure fields are
// written only by the thread that owns the observation and read by status
// commands, guarded by a mutex because they are multi-word.
type Store struct {
	inProgress atomic.Int32
	abort      atomic.Bool

	mu            sync.Mutex
	exposureCount int
	exposureIndex int
	startTime     time.Time
}

// NewStore returns an idle Store.
func NewStore() *Store {
	return &Store{}
}

// InProgress reports the current observation state.
func (s *Store) InProgress() InProgress {
	return InProgress(s.inProgress.Load())
}

// Begin transitions from Idle to the given observation state, clearing any
// stale abort request. It reports false if another observation is already in
// progress.
func (s *Store) Begin(p InProgress) bool {
	if !s.inProgress.CompareAndSwap(int32(Idle), int32(p)) {
		return false
	}
	s.abort.Store(false)
	return true
}

// End returns the store to Idle.
func (s *Store) End() {
	s.inProgress.Store(int32(Idle))
}

// RequestAbort sets the shared abort flag. It is observed at the observation
// loop top, after filename generation and between coadds.
func (s *Store) RequestAbort() {
	s.abort.Store(true)
}

// AbortRequested reports whether an abort has been requested.
func (s *Store) AbortRequested() bool {
	return s.abort.Load()
}

// SetObservation caches the exposure count and start time of the observation
// that has just begun.
func (s *Store) SetObservation(count int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposureCount = count
	s.exposureIndex = 0
	s.startTime = start
}

// SetExposureIndex records the index of the exposure currently being taken.
func (s *Store) SetExposureIndex(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposureIndex = i
}

// Observation returns the cached count, index and start time. These values are
// served to status commands so they never touch the frame grabber while an
// exposure is running.
func (s *Store) Observation() (count, index int, start time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exposureCount, s.exposureIndex, s.startTime
}
