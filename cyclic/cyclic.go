// Package cyclic paces a loop to a fixed period on an absolute clock
// and records how late each wakeup was.
package cyclic

import (
	"errors"
	"math"
	"time"
)

var (
	ErrPeriod = errors.New("cycle period must be positive")

	// ErrInterrupted reports a sleep cut short by a signal. The deadline
	// is unchanged, so the next Wait sleeps toward it again.
	ErrInterrupted = errors.New("sleep interrupted")
)

// Clock reads and sleeps on one time source. Times are nanoseconds.
type Clock interface {
	Now() int64
	// SleepUntil blocks until the clock reaches ns or a signal arrives,
	// in which case it returns ErrInterrupted.
	SleepUntil(ns int64) error
}

// Scheduler wakes up at start + k*period for k = 1, 2, ...
// Not safe for concurrent use.
type Scheduler struct {
	clock  Clock
	period int64
	next   int64

	min, max, sum int64
	cycles        uint64
}

// New creates a scheduler with the given period.
func New(clock Clock, period time.Duration) (*Scheduler, error) {
	if period <= 0 {
		return nil, ErrPeriod
	}
	return &Scheduler{clock: clock, period: int64(period)}, nil
}

// Start aligns the first deadline to the next microsecond boundary plus
// one period and resets the jitter statistics.
func (s *Scheduler) Start() {
	s.next = (s.clock.Now()/int64(time.Microsecond)+1)*int64(time.Microsecond) + s.period
	s.min, s.max, s.sum, s.cycles = math.MaxInt64, 0, 0, 0
}

// Deadline returns the next wakeup time.
func (s *Scheduler) Deadline() int64 { return s.next }

// Period returns the cycle period.
func (s *Scheduler) Period() time.Duration { return time.Duration(s.period) }

// Wait sleeps until the current deadline and returns the actual wakeup
// time, which is also recorded as a jitter sample.
func (s *Scheduler) Wait() (int64, error) {
	if err := s.clock.SleepUntil(s.next); err != nil {
		return 0, err
	}
	now := s.clock.Now()
	d := now - s.next
	s.min = min(s.min, d)
	s.max = max(s.max, d)
	s.sum += d
	s.cycles++
	return now, nil
}

// Advance moves the deadline one period forward.
func (s *Scheduler) Advance() { s.next += s.period }

// Jitter summarizes wakeup lateness.
type Jitter struct {
	Period time.Duration
	Min    time.Duration
	Avg    time.Duration
	Max    time.Duration
	Cycles uint64
}

// Jitter returns the lateness observed so far.
func (s *Scheduler) Jitter() Jitter {
	j := Jitter{Period: time.Duration(s.period), Cycles: s.cycles}
	if s.cycles > 0 {
		j.Min = time.Duration(s.min)
		j.Max = time.Duration(s.max)
		j.Avg = time.Duration(s.sum / int64(s.cycles))
	}
	return j
}
