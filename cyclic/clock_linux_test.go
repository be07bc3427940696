//go:build linux

package cyclic_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/xskbench/cyclic"
)

func TestClockByName(t *testing.T) {
	id, err := cyclic.ClockByName("monotonic")
	require.NoError(t, err)
	require.Equal(t, int32(unix.CLOCK_MONOTONIC), id)

	id, err = cyclic.ClockByName("TAI")
	require.NoError(t, err)
	require.Equal(t, int32(unix.CLOCK_TAI), id)

	_, err = cyclic.ClockByName("sundial")
	require.Error(t, err)
}

func TestSystemClockSleepUntil(t *testing.T) {
	c := cyclic.NewSystemClock(unix.CLOCK_MONOTONIC)
	deadline := c.Now() + int64(2*time.Millisecond)
	require.NoError(t, c.SleepUntil(deadline))
	require.GreaterOrEqual(t, c.Now(), deadline)
}

func TestPolicyByName(t *testing.T) {
	p, err := cyclic.PolicyByName("fifo")
	require.NoError(t, err)
	require.Equal(t, cyclic.PolicyFIFO, p)

	p, err = cyclic.PolicyByName("OTHER")
	require.NoError(t, err)
	require.Equal(t, cyclic.PolicyOther, p)

	_, err = cyclic.PolicyByName("rr")
	require.Error(t, err)
}
