//go:build linux

package cyclic

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

var clocks = map[string]int32{
	"MONOTONIC": unix.CLOCK_MONOTONIC,
	"REALTIME":  unix.CLOCK_REALTIME,
	"TAI":       unix.CLOCK_TAI,
	"BOOTTIME":  unix.CLOCK_BOOTTIME,
}

// ClockByName resolves a clock id, ignoring case.
func ClockByName(name string) (int32, error) {
	id, ok := clocks[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown clock %q", name)
	}
	return id, nil
}

// SystemClock is a POSIX clock.
type SystemClock struct{ id int32 }

var _ Clock = SystemClock{}

func NewSystemClock(id int32) SystemClock { return SystemClock{id: id} }

func (c SystemClock) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.id, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// SleepUntil sleeps on an absolute deadline. A signal ends the sleep
// early with ErrInterrupted.
func (c SystemClock) SleepUntil(ns int64) error {
	ts := unix.NsecToTimespec(ns)
	err := unix.ClockNanosleep(c.id, unix.TIMER_ABSTIME, &ts, nil)
	if errors.Is(err, unix.EINTR) {
		return fmt.Errorf("clock_nanosleep: %w: %w", ErrInterrupted, err)
	}
	if err != nil {
		return fmt.Errorf("clock_nanosleep: %w", err)
	}
	return nil
}
