// Package bench implements the packet loops of the benchmark: rxdrop,
// txonly and l2fwd engines driven by a Dispatcher over a set of channels.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/romshark/xskbench/afxdp"
)

// Kind selects the benchmark.
type Kind uint8

const (
	RxDrop Kind = iota
	TxOnly
	L2Fwd
)

func (k Kind) String() string {
	switch k {
	case RxDrop:
		return "rxdrop"
	case TxOnly:
		return "txonly"
	case L2Fwd:
		return "l2fwd"
	}
	return ""
}

// ParseKind resolves a benchmark by name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "rxdrop", "":
		return RxDrop, nil
	case "txonly":
		return TxOnly, nil
	case "l2fwd":
		return L2Fwd, nil
	}
	return 0, fmt.Errorf("unknown benchmark %q", s)
}

const (
	DefaultDrainRetries = 3
	DefaultDrainBackoff = time.Second
)

// Options are the loop parameters shared by all engines.
type Options struct {
	Batch uint32
	// BusyPoll wakes the driver unconditionally instead of only when a
	// ring asks for it.
	BusyPoll bool
	// NeedWakeup is set when sockets were bound with need-wakeup.
	// Without it txonly kicks on every completion pass.
	NeedWakeup bool
	// PacketCount stops txonly after this many packets, 0 is unlimited.
	PacketCount uint64
	// DrainRetries bounds the completion passes at shutdown.
	DrainRetries int
	DrainBackoff time.Duration
}

func (o *Options) setDefaults() {
	if o.Batch == 0 {
		o.Batch = afxdp.DefaultBatchSize
	}
	if o.DrainRetries == 0 {
		o.DrainRetries = DefaultDrainRetries
	}
	if o.DrainBackoff == 0 {
		o.DrainBackoff = DefaultDrainBackoff
	}
}

// Runtime is the state shared by the dispatcher, the engines and the
// signal and statistics goroutines for one benchmark run.
type Runtime struct {
	Pool     *afxdp.FramePool
	Channels []*afxdp.Channel
	Options  Options
	Log      *slog.Logger
	// Sleep waits between drain passes.
	Sleep func(time.Duration)

	done atomic.Bool
	mu   sync.Mutex
	err  error
	seq  uint32
}

// NewRuntime creates the context for a run over chans.
func NewRuntime(
	pool *afxdp.FramePool, chans []*afxdp.Channel, opts Options, log *slog.Logger,
) *Runtime {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		Pool:     pool,
		Channels: chans,
		Options:  opts,
		Log:      log,
		Sleep:    time.Sleep,
	}
}

// Stop requests termination. It is safe to call from any goroutine and
// more than once.
func (r *Runtime) Stop() { r.done.Store(true) }

// Done reports whether termination was requested.
func (r *Runtime) Done() bool { return r.done.Load() }

// Fail records the first fatal error and stops the run.
func (r *Runtime) Fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.Stop()
}

// Err returns the error passed to Fail, if any.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// StopAfter stops the run once d elapsed unless ctx is canceled first.
// A zero duration does nothing.
func (r *Runtime) StopAfter(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			r.Log.Info("duration elapsed", slog.Duration("duration", d))
			r.Stop()
		case <-ctx.Done():
		}
	}()
}

// nextSeq returns the next pktgen sequence number.
func (r *Runtime) nextSeq() uint32 {
	s := r.seq
	r.seq++
	return s
}

// kick rings the TX doorbell of ch and fails the run on a fatal error.
func (r *Runtime) kick(ch *afxdp.Channel) {
	if err := ch.Kick(); err != nil {
		r.Fail(fmt.Errorf("kicking channel %d: %w", ch.Index(), err))
	}
}

// wakeRx wakes the driver of ch when busy polling or when the fill
// ring asks for it.
func (r *Runtime) wakeRx(ch *afxdp.Channel, counter *atomic.Uint64) {
	if r.Options.BusyPoll || ch.Fill().NeedsWakeup() {
		counter.Add(1)
		ch.WakeRx()
	}
}

// Engine is one benchmark's per-channel work step.
type Engine interface {
	Kind() Kind
	// Events returns the poll events the engine waits for in
	// readiness mode.
	Events() int16
	// More reports whether another iteration is wanted.
	More() bool
	// Step processes one batch on ch. now is the transmit time in
	// nanoseconds, or 0 when timestamps are not taken.
	Step(ch *afxdp.Channel, now int64)
	// Drain reclaims outstanding transmits after the loop stopped.
	Drain()
}

// ErrNoChannels is returned when an engine is built without channels.
var ErrNoChannels = errors.New("no channels")

// NewEngine builds the engine for kind. tpl is only used by TxOnly.
func NewEngine(kind Kind, rt *Runtime, tpl *Template) (Engine, error) {
	if len(rt.Channels) == 0 {
		return nil, ErrNoChannels
	}
	switch kind {
	case RxDrop:
		return NewRxDrop(rt), nil
	case TxOnly:
		e, err := NewTxOnly(rt, tpl)
		if err != nil {
			return nil, err
		}
		return e, nil
	case L2Fwd:
		return NewL2Fwd(rt), nil
	}
	return nil, fmt.Errorf("unknown benchmark %d", kind)
}

// drain runs complete over every channel with outstanding transmits
// until none remain or the retry budget is spent, backing off only
// while work is pending.
func (r *Runtime) drain(complete func(ch *afxdp.Channel)) {
	for retries := r.Options.DrainRetries; ; retries-- {
		pending := false
		for _, ch := range r.Channels {
			if ch.OutstandingTx > 0 {
				complete(ch)
				pending = pending || ch.OutstandingTx > 0
			}
		}
		if !pending {
			return
		}
		if retries <= 0 {
			var left uint64
			for _, ch := range r.Channels {
				left += uint64(ch.OutstandingTx)
			}
			r.Log.Warn("giving up on outstanding transmits", slog.Uint64("frames", left))
			return
		}
		r.Sleep(r.Options.DrainBackoff)
	}
}
