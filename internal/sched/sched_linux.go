//go:build linux

// Package sched switches the calling thread between the two configured
// SCHED_FIFO priority levels. The command dispatcher raises a handler thread
// to the exposure priority for abort/multrun/multbias/multdark and drops it
// to the normal priority for everything else.
package sched

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/piascik/liric/internal/monitoring"
)

// Priorities holds the two configured SCHED_FIFO priority levels. A zero
// level puts the thread on the default time-sharing policy (SCHED_NORMAL)
// instead, which is what development machines without CAP_SYS_NICE want.
type Priorities struct {
	Normal   int
	Exposure int
}

// SetNormal pins the calling goroutine to its OS thread and applies the
// normal priority level.
func (p Priorities) SetNormal() error {
	return set(p.Normal)
}

// SetExposure pins the calling goroutine to its OS thread and applies the
// exposure priority level.
func (p Priorities) SetExposure() error {
	return set(p.Exposure)
}

func set(priority int) error {
	runtime.LockOSThread()
	if priority == 0 {
		attr := unix.SchedAttr{
			Size:   unix.SizeofSchedAttr,
			Policy: unix.SCHED_NORMAL,
		}
		if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
			return fmt.Errorf("sched: resetting to SCHED_NORMAL: %w", err)
		}
		return nil
	}
	min := 1
	max := 99
	if priority < min || priority > max {
		return fmt.Errorf("sched: priority %d out of range (%d..%d)", priority, min, max)
	}
	attr := unix.SchedAttr{
		Size:     unix.SizeofSchedAttr,
		Policy:   unix.SCHED_FIFO,
		Priority: uint32(priority),
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched: setting SCHED_FIFO priority %d: %w", priority, err)
	}
	monitoring.Logf("sched: thread priority set to SCHED_FIFO %d", priority)
	return nil
}
