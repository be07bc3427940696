// Package stats samples channel counters, ring fault statistics, driver
// interrupts and redirect program verdicts, and reports rates between
// consecutive samples.
package stats

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/xdp"
)

// AppCounters count the syscalls and polls the dispatch loop issued.
type AppCounters struct {
	RxEmptyPolls    uint64
	FillFailPolls   uint64
	CopyTxSendtos   uint64
	TxWakeupSendtos uint64
	OptPolls        uint64
}

// ChannelSample is a snapshot of one channel.
type ChannelSample struct {
	Index     uint32
	Queue     uint32
	RxPackets uint64
	TxPackets uint64
	App       AppCounters
	// Ring is valid when HasRing is set.
	Ring    afxdp.Statistics
	HasRing bool
}

// Sample is a snapshot of all channels and the interface.
type Sample struct {
	At       time.Time
	Channels []ChannelSample

	IRQs    uint64
	HasIRQs bool

	Actions    [xdp.ActionMax]xdp.Record
	HasActions bool
}

// IRQCounter reads a cumulative interrupt count.
type IRQCounter interface {
	Count() (uint64, error)
}

// ActionReader reads the per-verdict totals of the redirect program.
type ActionReader interface {
	ActionStats() ([xdp.ActionMax]xdp.Record, error)
}

// Config selects what is sampled and how reports are labeled.
type Config struct {
	Interval time.Duration
	// Iface, Bench and Mode label each channel block.
	Iface string
	Bench string
	Mode  string
	Poll  bool

	// Extra reads XDP_STATISTICS of every socket.
	Extra bool
	// App reports the dispatch loop counters.
	App bool
	// IRQ, if set, is sampled relative to its value at creation.
	IRQ IRQCounter
	// Actions, if set, is sampled every report.
	Actions ActionReader
}

// Collector samples a fixed set of channels. Sources that fail are
// reported once and then left out of subsequent samples.
type Collector struct {
	conf  Config
	chans []*afxdp.Channel
	log   *slog.Logger
	now   func() time.Time

	lock       sync.Mutex
	irqBase    uint64
	noRing     bool
	noIRQ      bool
	noActions  bool
	start      Sample
	hasStarted bool
}

// NewCollector creates a collector and records the interrupt baseline.
func NewCollector(chans []*afxdp.Channel, conf Config, log *slog.Logger) *Collector {
	if conf.Interval <= 0 {
		conf.Interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	c := &Collector{conf: conf, chans: chans, log: log, now: time.Now}
	if conf.IRQ != nil {
		n, err := conf.IRQ.Count()
		if err != nil {
			c.log.Warn("interrupt counts unavailable", slog.Any("err", err))
			c.noIRQ = true
		}
		c.irqBase = n
	}
	return c
}

// Sample reads all counters. It is safe for concurrent use.
func (c *Collector) Sample() Sample {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := Sample{At: c.now(), Channels: make([]ChannelSample, len(c.chans))}
	for i, ch := range c.chans {
		cs := &s.Channels[i]
		cs.Index, cs.Queue = ch.Index(), ch.QueueID()
		cs.RxPackets = ch.Counters.RxPackets.Load()
		cs.TxPackets = ch.Counters.TxPackets.Load()
		cs.App = AppCounters{
			RxEmptyPolls:    ch.Counters.RxEmptyPolls.Load(),
			FillFailPolls:   ch.Counters.FillFailPolls.Load(),
			CopyTxSendtos:   ch.Counters.CopyTxSendtos.Load(),
			TxWakeupSendtos: ch.Counters.TxWakeupSendtos.Load(),
			OptPolls:        ch.Counters.OptPolls.Load(),
		}
		if c.conf.Extra && !c.noRing {
			st, err := ch.Endpoint().Statistics()
			if err != nil {
				c.log.Warn("extended ring statistics unavailable",
					slog.Uint64("channel", uint64(ch.Index())), slog.Any("err", err))
				c.noRing = true
				continue
			}
			cs.Ring, cs.HasRing = st, true
		}
	}
	if c.noRing {
		for i := range s.Channels {
			s.Channels[i].HasRing = false
		}
	}

	if c.conf.IRQ != nil && !c.noIRQ {
		n, err := c.conf.IRQ.Count()
		if err != nil {
			c.log.Warn("interrupt counts unavailable", slog.Any("err", err))
			c.noIRQ = true
		} else {
			s.IRQs, s.HasIRQs = n-c.irqBase, true
		}
	}

	if c.conf.Actions != nil && !c.noActions {
		a, err := c.conf.Actions.ActionStats()
		if err != nil {
			c.log.Warn("xdp action statistics unavailable", slog.Any("err", err))
			c.noActions = true
		} else {
			s.Actions, s.HasActions = a, true
		}
	}

	if !c.hasStarted {
		c.start, c.hasStarted = s, true
	}
	return s
}

// Start returns the first sample taken.
func (c *Collector) Start() Sample {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.start
}

// Run prints a report to w every interval until ctx is canceled or
// done returns true. It returns the last sample taken.
func (c *Collector) Run(ctx context.Context, w io.Writer, done func() bool) Sample {
	prev := c.Sample()
	t := time.NewTicker(c.conf.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return prev
		case <-t.C:
		}
		cur := c.Sample()
		c.Print(w, cur, prev)
		prev = cur
		if done != nil && done() {
			return prev
		}
	}
}
