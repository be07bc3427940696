package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/romshark/xskbench/cyclic"
)

var ErrPollWithCyclic = errors.New("readiness polling and cyclic transmit are mutually exclusive")

// Poller waits for socket readiness.
type Poller interface {
	Poll(fds []unix.PollFd, timeoutMs int) (int, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(fds []unix.PollFd, timeoutMs int) (int, error)

func (f PollerFunc) Poll(fds []unix.PollFd, timeoutMs int) (int, error) { return f(fds, timeoutMs) }

// SysPoller is poll(2).
var SysPoller Poller = PollerFunc(unix.Poll)

const DefaultPollTimeout = time.Second

// DispatcherConfig selects how the dispatch thread waits for work.
type DispatcherConfig struct {
	// Poll waits for readiness before each iteration. Otherwise the
	// thread spins over all channels.
	Poll        bool
	PollTimeout time.Duration
	Poller      Poller

	// Cyclic paces iterations to a fixed period.
	Cyclic *cyclic.Scheduler
	// Clock timestamps transmitted packets when Cyclic is nil.
	Clock cyclic.Clock

	// OnStart runs on the locked dispatch thread before the loop, e.g.
	// to apply a realtime scheduling policy.
	OnStart func() error
}

// Dispatcher runs an engine over the channels of a Runtime on a single
// OS thread until the engine is finished or the run is stopped.
type Dispatcher struct {
	rt   *Runtime
	eng  Engine
	conf DispatcherConfig
	fds  []unix.PollFd
}

// NewDispatcher validates conf and prepares the poll set.
func NewDispatcher(rt *Runtime, eng Engine, conf DispatcherConfig) (*Dispatcher, error) {
	if conf.Poll && conf.Cyclic != nil {
		return nil, ErrPollWithCyclic
	}
	if conf.PollTimeout == 0 {
		conf.PollTimeout = DefaultPollTimeout
	}
	if conf.Poller == nil {
		conf.Poller = SysPoller
	}
	d := &Dispatcher{rt: rt, eng: eng, conf: conf}
	for _, ch := range rt.Channels {
		d.fds = append(d.fds, unix.PollFd{
			Fd:     int32(ch.Endpoint().FD()),
			Events: eng.Events(),
		})
	}
	return d, nil
}

// Run executes the loop and drains outstanding transmits afterwards.
// Canceling ctx stops the run.
func (d *Dispatcher) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	stop := context.AfterFunc(ctx, d.rt.Stop)
	defer stop()

	if d.conf.OnStart != nil {
		if err := d.conf.OnStart(); err != nil {
			return err
		}
	}

	d.rt.Log.Debug("dispatch loop started",
		slog.String("bench", d.eng.Kind().String()),
		slog.Bool("poll", d.conf.Poll),
		slog.Bool("cyclic", d.conf.Cyclic != nil),
		slog.Int("channels", len(d.rt.Channels)))

	err := d.loop()
	d.eng.Drain()
	return errors.Join(err, d.rt.Err())
}

func (d *Dispatcher) loop() error {
	rt, eng := d.rt, d.eng
	timeout := int(d.conf.PollTimeout / time.Millisecond)
	if c := d.conf.Cyclic; c != nil {
		c.Start()
	}

	for !rt.Done() && eng.More() {
		if d.conf.Poll {
			for _, ch := range rt.Channels {
				ch.Counters.OptPolls.Add(1)
			}
			n, err := d.conf.Poller.Poll(d.fds, timeout)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			if n <= 0 || !d.ready() {
				continue
			}
			if rt.Done() {
				break
			}
		}

		var now int64
		if c := d.conf.Cyclic; c != nil {
			wake, err := c.Wait()
			if errors.Is(err, cyclic.ErrInterrupted) {
				continue
			}
			if err != nil {
				return err
			}
			if rt.Done() {
				break
			}
			now = wake
		} else if d.conf.Clock != nil {
			now = d.conf.Clock.Now()
		}

		for _, ch := range rt.Channels {
			eng.Step(ch, now)
		}

		if c := d.conf.Cyclic; c != nil {
			c.Advance()
		}
	}
	return nil
}

// ready reports whether any socket signaled one of the engine's events.
func (d *Dispatcher) ready() bool {
	want := d.eng.Events()
	for _, fd := range d.fds {
		if fd.Revents&want != 0 {
			return true
		}
	}
	return false
}
