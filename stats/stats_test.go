package stats_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/afxdptest"
	"github.com/romshark/xskbench/afxdp/xdp"
	"github.com/romshark/xskbench/cyclic"
	"github.com/romshark/xskbench/stats"
)

type fakeIRQ struct {
	n   uint64
	err error
}

func (f *fakeIRQ) Count() (uint64, error) { return f.n, f.err }

type fakeActions struct {
	recs  [xdp.ActionMax]xdp.Record
	err   error
	calls int
}

func (f *fakeActions) ActionStats() ([xdp.ActionMax]xdp.Record, error) {
	f.calls++
	return f.recs, f.err
}

func newEnv(t *testing.T, channels uint32) *afxdptest.Env {
	t.Helper()
	env, err := afxdptest.New(afxdptest.Options{
		Topology: afxdp.PerChannel{},
		Channels: channels,
	})
	require.NoError(t, err)
	return env
}

func logTo(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestSampleCountersAndRates(t *testing.T) {
	env := newEnv(t, 2)
	irq := &fakeIRQ{n: 1000}
	act := &fakeActions{}
	c := stats.NewCollector(env.Channels, stats.Config{
		Iface:   "eth0",
		Bench:   "rxdrop",
		Mode:    "xdp-drv",
		Extra:   true,
		App:     true,
		IRQ:     irq,
		Actions: act,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	prev := c.Sample()
	require.Len(t, prev.Channels, 2)
	require.True(t, prev.HasIRQs)
	require.Zero(t, prev.IRQs)

	env.Channels[1].Counters.RxPackets.Add(5000)
	env.Channels[1].Counters.OptPolls.Add(7)
	env.Drivers[1].Endpoint.Stats = afxdp.Statistics{RxDropped: 3}
	irq.n = 1500
	act.recs[xdp.Redirect] = xdp.Record{RxPackets: 5000, RxBytes: 320000}

	cur := c.Sample()
	require.Equal(t, uint64(5000), cur.Channels[1].RxPackets)
	require.Equal(t, uint32(1), cur.Channels[1].Queue)
	require.Equal(t, uint64(7), cur.Channels[1].App.OptPolls)
	require.True(t, cur.Channels[1].HasRing)
	require.Equal(t, uint64(3), cur.Channels[1].Ring.RxDropped)
	require.Equal(t, uint64(500), cur.IRQs)
	require.Equal(t, uint64(5000), cur.Actions[xdp.Redirect].RxPackets)

	cur.At = prev.At.Add(2 * time.Second)
	var buf bytes.Buffer
	c.Print(&buf, cur, prev)
	out := buf.String()
	require.Contains(t, out, "sock1@eth0:1 rxdrop xdp-drv")
	require.Contains(t, out, "2,500")
	require.Contains(t, out, "5,000")
	require.Contains(t, out, "rx dropped")
	require.Contains(t, out, "opt polls")
	require.Contains(t, out, "irqs")
	require.Contains(t, out, "XDP_REDIRECT")

	var sum bytes.Buffer
	c.Summary(&sum, cur)
	require.Contains(t, sum.String(), "RX:                5,000 packets")
}

func TestSampleDisablesFailingSources(t *testing.T) {
	env := newEnv(t, 2)
	env.Drivers[0].Endpoint.StatsErr = errors.New("EINVAL")
	act := &fakeActions{err: errors.New("no program")}
	irq := &fakeIRQ{err: errors.New("gone")}

	var logs bytes.Buffer
	c := stats.NewCollector(env.Channels, stats.Config{
		Extra:   true,
		IRQ:     irq,
		Actions: act,
	}, logTo(&logs))

	for range 3 {
		s := c.Sample()
		require.False(t, s.HasActions)
		require.False(t, s.HasIRQs)
		for _, ch := range s.Channels {
			require.False(t, ch.HasRing)
		}
	}
	require.Equal(t, 1, act.calls)
	require.Equal(t, 1, strings.Count(logs.String(), "extended ring statistics unavailable"))
	require.Equal(t, 1, strings.Count(logs.String(), "interrupt counts unavailable"))
	require.Equal(t, 1, strings.Count(logs.String(), "xdp action statistics unavailable"))
}

func TestRunStopsWhenDone(t *testing.T) {
	env := newEnv(t, 1)
	c := stats.NewCollector(env.Channels, stats.Config{Interval: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	var buf bytes.Buffer
	ticks := 0
	last := c.Run(context.Background(), &buf, func() bool {
		ticks++
		return ticks == 3
	})
	require.Equal(t, 3, ticks)
	require.Equal(t, 3, strings.Count(buf.String(), "sock0@"))
	require.Len(t, last.Channels, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Run(ctx, io.Discard, nil)
}

func TestMetrics(t *testing.T) {
	env := newEnv(t, 2)
	env.Channels[0].Counters.RxPackets.Add(11)
	env.Channels[1].Counters.TxPackets.Add(22)
	c := stats.NewCollector(env.Channels, stats.Config{
		Actions: &fakeActions{},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	m := stats.NewMetrics(c)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(m))

	expected := `
# HELP xskbench_rx_packets_total Packets received on a channel.
# TYPE xskbench_rx_packets_total counter
xskbench_rx_packets_total{channel="0",queue="0"} 11
xskbench_rx_packets_total{channel="1",queue="1"} 0
# HELP xskbench_tx_packets_total Packets submitted for transmission on a channel.
# TYPE xskbench_tx_packets_total counter
xskbench_tx_packets_total{channel="0",queue="0"} 0
xskbench_tx_packets_total{channel="1",queue="1"} 22
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"xskbench_rx_packets_total", "xskbench_tx_packets_total"))
	require.Equal(t, 5, testutil.CollectAndCount(m, "xskbench_xdp_action_packets_total"))
	require.Equal(t, 10, testutil.CollectAndCount(m, "xskbench_app_events_total"))
	require.Zero(t, testutil.CollectAndCount(m, "xskbench_ring_events_total"))
}

func TestPrintJitter(t *testing.T) {
	var buf bytes.Buffer
	stats.PrintJitter(&buf, cyclic.Jitter{
		Period: time.Millisecond,
		Min:    10,
		Avg:    20,
		Max:    30,
		Cycles: 4,
	})
	require.Contains(t, buf.String(), "Cyclic TX")
	require.Contains(t, buf.String(), "1000000")
}

func TestServeMetrics(t *testing.T) {
	env := newEnv(t, 1)
	env.Channels[0].Counters.RxPackets.Add(42)
	c := stats.NewCollector(env.Channels, stats.Config{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	stats.Handler(c).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `xskbench_rx_packets_total{channel="0",queue="0"} 42`)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stats.Serve(ctx, ln, c, slog.New(slog.NewTextHandler(io.Discard, nil))) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	require.NoError(t, <-done)
}
