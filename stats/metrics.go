package stats

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romshark/xskbench/afxdp/xdp"
)

// Metrics exposes collector samples to Prometheus, sampling on each scrape.
type Metrics struct {
	c *Collector

	rxPackets   *prometheus.Desc
	txPackets   *prometheus.Desc
	appEvents   *prometheus.Desc
	ringEvents  *prometheus.Desc
	irqs        *prometheus.Desc
	actionPkts  *prometheus.Desc
	actionBytes *prometheus.Desc
}

var _ prometheus.Collector = (*Metrics)(nil)

// NewMetrics creates a Prometheus collector backed by c.
func NewMetrics(c *Collector) *Metrics {
	channel := []string{"channel", "queue"}
	return &Metrics{
		c: c,

		rxPackets: prometheus.NewDesc(
			"xskbench_rx_packets_total",
			"Packets received on a channel.",
			channel, nil,
		),
		txPackets: prometheus.NewDesc(
			"xskbench_tx_packets_total",
			"Packets submitted for transmission on a channel.",
			channel, nil,
		),
		appEvents: prometheus.NewDesc(
			"xskbench_app_events_total",
			"Polls and wakeup syscalls issued by the dispatch loop.",
			append(channel, "event"), nil,
		),
		ringEvents: prometheus.NewDesc(
			"xskbench_ring_events_total",
			"Ring fault counters reported by the kernel.",
			append(channel, "event"), nil,
		),
		irqs: prometheus.NewDesc(
			"xskbench_interrupts_total",
			"Driver interrupts since start.",
			nil, nil,
		),
		actionPkts: prometheus.NewDesc(
			"xskbench_xdp_action_packets_total",
			"Packets per XDP verdict of the redirect program.",
			[]string{"action"}, nil,
		),
		actionBytes: prometheus.NewDesc(
			"xskbench_xdp_action_bytes_total",
			"Bytes per XDP verdict of the redirect program.",
			[]string{"action"}, nil,
		),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.rxPackets
	ch <- m.txPackets
	ch <- m.appEvents
	ch <- m.ringEvents
	ch <- m.irqs
	ch <- m.actionPkts
	ch <- m.actionBytes
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	s := m.c.Sample()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	for _, c := range s.Channels {
		idx := strconv.FormatUint(uint64(c.Index), 10)
		q := strconv.FormatUint(uint64(c.Queue), 10)
		counter(m.rxPackets, c.RxPackets, idx, q)
		counter(m.txPackets, c.TxPackets, idx, q)

		counter(m.appEvents, c.App.RxEmptyPolls, idx, q, "rx_empty_polls")
		counter(m.appEvents, c.App.FillFailPolls, idx, q, "fill_fail_polls")
		counter(m.appEvents, c.App.CopyTxSendtos, idx, q, "copy_tx_sendtos")
		counter(m.appEvents, c.App.TxWakeupSendtos, idx, q, "tx_wakeup_sendtos")
		counter(m.appEvents, c.App.OptPolls, idx, q, "opt_polls")

		if c.HasRing {
			counter(m.ringEvents, c.Ring.RxDropped, idx, q, "rx_dropped")
			counter(m.ringEvents, c.Ring.RxInvalidDescs, idx, q, "rx_invalid_descs")
			counter(m.ringEvents, c.Ring.TxInvalidDescs, idx, q, "tx_invalid_descs")
			counter(m.ringEvents, c.Ring.RxRingFull, idx, q, "rx_ring_full")
			counter(m.ringEvents, c.Ring.RxFillRingEmptyDescs, idx, q, "rx_fill_ring_empty_descs")
			counter(m.ringEvents, c.Ring.TxRingEmptyDescs, idx, q, "tx_ring_empty_descs")
		}
	}

	if s.HasIRQs {
		counter(m.irqs, s.IRQs)
	}
	if s.HasActions {
		for a, r := range s.Actions {
			name := xdp.Action(a).String()
			counter(m.actionPkts, r.RxPackets, name)
			counter(m.actionBytes, r.RxBytes, name)
		}
	}
}

// Handler serves the metrics of c from an isolated registry.
func Handler(c *Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(NewMetrics(c))
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve exposes the metrics of c on ln until ctx is canceled.
func Serve(ctx context.Context, ln net.Listener, c *Collector, log *slog.Logger) error {
	srv := &http.Server{Handler: Handler(c), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
