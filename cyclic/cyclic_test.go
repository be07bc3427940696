package cyclic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/cyclic"
)

// fakeClock wakes up Late nanoseconds after every deadline.
type fakeClock struct {
	now     int64
	Late    int64
	Targets []int64
	Err     error
}

func (c *fakeClock) Now() int64 { return c.now }

func (c *fakeClock) SleepUntil(ns int64) error {
	if c.Err != nil {
		return c.Err
	}
	c.Targets = append(c.Targets, ns)
	c.now = max(c.now, ns) + c.Late
	return nil
}

func TestNewRejectsPeriod(t *testing.T) {
	_, err := cyclic.New(&fakeClock{}, 0)
	require.ErrorIs(t, err, cyclic.ErrPeriod)
}

func TestDeadlines(t *testing.T) {
	const period = 250 * time.Microsecond
	clk := &fakeClock{now: 1_000_500}
	s, err := cyclic.New(clk, period)
	require.NoError(t, err)
	require.Equal(t, period, s.Period())

	s.Start()
	const start = 1_001_000
	require.Equal(t, int64(start)+int64(period), s.Deadline())

	for range 10 {
		_, err := s.Wait()
		require.NoError(t, err)
		s.Advance()
	}
	for k, target := range clk.Targets {
		require.Equal(t, int64(start)+int64(k+1)*int64(period), target)
	}
}

func TestJitter(t *testing.T) {
	clk := &fakeClock{now: 5000}
	s, err := cyclic.New(clk, time.Millisecond)
	require.NoError(t, err)
	s.Start()
	require.Zero(t, s.Jitter().Cycles)

	for _, late := range []int64{100, 300, 200} {
		clk.Late = late
		wake, err := s.Wait()
		require.NoError(t, err)
		require.Equal(t, s.Deadline()+late, wake)
		s.Advance()
	}
	j := s.Jitter()
	require.Equal(t, uint64(3), j.Cycles)
	require.Equal(t, 100*time.Nanosecond, j.Min)
	require.Equal(t, 200*time.Nanosecond, j.Avg)
	require.Equal(t, 300*time.Nanosecond, j.Max)
	require.LessOrEqual(t, j.Min, j.Avg)
	require.LessOrEqual(t, j.Avg, j.Max)
}

func TestWaitError(t *testing.T) {
	boom := errors.New("boom")
	s, err := cyclic.New(&fakeClock{Err: boom}, time.Millisecond)
	require.NoError(t, err)
	s.Start()
	_, err = s.Wait()
	require.ErrorIs(t, err, boom)
	require.Zero(t, s.Jitter().Cycles)
}

func TestWaitInterruptedKeepsDeadline(t *testing.T) {
	clk := &fakeClock{now: 1000, Err: cyclic.ErrInterrupted}
	s, err := cyclic.New(clk, time.Millisecond)
	require.NoError(t, err)
	s.Start()
	deadline := s.Deadline()

	_, err = s.Wait()
	require.ErrorIs(t, err, cyclic.ErrInterrupted)
	require.Equal(t, deadline, s.Deadline())

	clk.Err = nil
	_, err = s.Wait()
	require.NoError(t, err)
	require.Equal(t, uint64(1), s.Jitter().Cycles)
}
