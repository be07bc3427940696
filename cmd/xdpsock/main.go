//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/xdp"
	"github.com/romshark/xskbench/bench"
	"github.com/romshark/xskbench/config"
	"github.com/romshark/xskbench/ctrl"
	"github.com/romshark/xskbench/cyclic"
	"github.com/romshark/xskbench/ifacestat"
	"github.com/romshark/xskbench/stats"
)

// teardown releases resources in reverse order of acquisition. It also
// runs on fatal errors, where deferred calls would be skipped by os.Exit.
type teardown struct {
	log *slog.Logger
	fns []func() error
}

func (t *teardown) push(fn func() error) { t.fns = append(t.fns, fn) }

func (t *teardown) run() {
	for i := len(t.fns) - 1; i >= 0; i-- {
		if err := t.fns[i](); err != nil {
			t.log.Warn("cleanup", slog.Any("err", err))
		}
	}
	t.fns = nil
}

// fatalIf reports err with the caller's location and errno, releases
// everything acquired so far and exits with status 1.
func (t *teardown) fatalIf(err error, msgf string, a ...any) {
	if err == nil {
		return
	}
	attrs := []any{slog.Any("err", err)}
	if _, file, line, ok := runtime.Caller(1); ok {
		attrs = append(attrs, slog.String("at", fmt.Sprintf("%s:%d", filepath.Base(file), line)))
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		attrs = append(attrs, slog.Int("errno", int(errno)), slog.String("errstr", errno.Error()))
	}
	t.log.Error(fmt.Sprintf(msgf, a...), attrs...)
	t.run()
	os.Exit(1)
}

func main() {
	conf, err := config.Load(filepath.Base(os.Args[0]), os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}

	level := slog.LevelInfo
	if conf != nil && conf.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	td := &teardown{log: log}
	td.fatalIf(err, "reading config")
	log.Debug("resolved config", slog.String("yaml", conf.Dump()))

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	defer stop()

	iface := openInterface(ctx, conf, td)
	chans, pool := openChannels(conf, td, iface)

	err = run(ctx, conf, log, iface, pool, chans)
	td.run()
	if err != nil {
		log.Error("benchmark failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// openInterface resolves the interface. In reduced capability mode the
// xsks_map comes from the control socket and no program is attached.
func openInterface(ctx context.Context, conf *config.Config, td *teardown) *afxdp.Interface {
	if conf.ReducedCap {
		client, err := ctrl.Dial(ctx, conf.CtrlSocket)
		td.fatalIf(err, "connecting to control socket")
		td.push(client.Close)

		m, err := client.RecvMap()
		td.fatalIf(err, "receiving xsks_map")
		td.push(m.Close)

		td.fatalIf(ctrl.ReduceToNetRaw(), "reducing capabilities")

		iface, err := afxdp.MakeInterface(conf.Interface, afxdp.InterfaceConfig{Mode: conf.Mode()})
		td.fatalIf(err, "resolving interface %q", conf.Interface)
		td.push(iface.Close)
		iface.UseMap(m)
		return iface
	}

	fallback := xdp.Pass
	if conf.TopologyKind().PrivateRings() {
		fallback = xdp.Drop
	}
	iface, err := afxdp.MakeInterface(conf.Interface, afxdp.InterfaceConfig{
		Mode:     conf.Mode(),
		Force:    conf.Force,
		Program:  true,
		Fallback: fallback,
	})
	td.fatalIf(err, "attaching to interface %q", conf.Interface)
	td.push(iface.Close)

	id, err := iface.ProgramID()
	td.fatalIf(err, "reading XDP program id")
	td.log.Info("XDP program attached",
		slog.String("iface", conf.Interface),
		slog.Uint64("prog_id", uint64(id)),
		slog.String("mode", conf.Mode().String()))
	return iface
}

// openChannels maps the frame pool, binds one socket per channel and
// registers the receiving ones in xsks_map.
func openChannels(
	conf *config.Config, td *teardown, iface *afxdp.Interface,
) ([]*afxdp.Channel, *afxdp.FramePool) {
	td.fatalIf(iface.CheckQueues(conf.Queue, conf.Channels), "checking queues")

	pool, err := afxdp.MapFramePool(conf.TopologyKind(), conf.Channels, afxdp.PoolConfig{
		FrameSize: conf.FrameSize,
		Headroom:  conf.Headroom,
		Unaligned: conf.Unaligned,
		Hugepages: conf.Hugepages,
	})
	td.fatalIf(err, "mapping frame pool")
	td.push(pool.Close)

	receives := conf.Kind() != bench.TxOnly
	sock := afxdp.SocketConfig{
		Bind:           conf.Bind(),
		NeedWakeup:     conf.NeedWakeup,
		BusyPoll:       conf.BusyPoll,
		BusyPollBudget: conf.BatchSize,
	}
	if receives {
		sock.FillFrames = afxdp.DefaultFillRingSize
	}

	chans := make([]*afxdp.Channel, 0, conf.Channels)
	for i := range conf.Channels {
		ch, err := iface.Open(pool, conf.Queue, i, sock)
		td.fatalIf(err, "opening channel %d", i)
		td.push(ch.Close)
		chans = append(chans, ch)

		name, _ := iface.Info()
		td.log.Info("channel bound",
			slog.Uint64("channel", uint64(i)),
			slog.String("iface", name),
			slog.Uint64("queue", uint64(ch.QueueID())),
			slog.Bool("zerocopy", ch.IsZerocopy()))

		if !receives || (conf.ReducedCap && i > 0) {
			continue
		}
		td.fatalIf(iface.Register(ch), "registering channel %d", i)
	}
	return chans, pool
}

func run(
	ctx context.Context,
	conf *config.Config,
	log *slog.Logger,
	iface *afxdp.Interface,
	pool *afxdp.FramePool,
	chans []*afxdp.Channel,
) error {
	kind := conf.Kind()

	var tpl *bench.Template
	if kind == bench.TxOnly {
		var err error
		if tpl, err = bench.BuildTemplate(conf.PacketSpec()); err != nil {
			return fmt.Errorf("building packet template: %w", err)
		}
	}

	rt := bench.NewRuntime(pool, chans, bench.Options{
		Batch:        conf.BatchSize,
		BusyPoll:     conf.BusyPoll,
		NeedWakeup:   conf.NeedWakeup,
		PacketCount:  conf.Packet.Count,
		DrainRetries: conf.Retries,
	}, log)
	eng, err := bench.NewEngine(kind, rt, tpl)
	if err != nil {
		return err
	}
	if conf.Hexdump {
		setInspect(eng, hexdump)
	}

	clock := cyclic.NewSystemClock(conf.ClockID())
	dconf := bench.DispatcherConfig{Poll: conf.Poll}
	if conf.Packet.Timestamp {
		dconf.Clock = clock
	}
	var sched *cyclic.Scheduler
	if conf.Packet.TxCycle > 0 {
		if sched, err = cyclic.New(clock, conf.Packet.TxCycle); err != nil {
			return err
		}
		dconf.Cyclic = sched
	}
	if policy := conf.Policy(); policy != cyclic.PolicyOther {
		dconf.OnStart = func() error { return cyclic.SetScheduler(policy, conf.SchedPriority) }
	}
	disp, err := bench.NewDispatcher(rt, eng, dconf)
	if err != nil {
		return err
	}

	name, _ := iface.Info()
	sconf := stats.Config{
		Interval: conf.Interval,
		Iface:    name,
		Bench:    kind.String(),
		Mode:     modeLabel(conf, chans),
		Poll:     conf.Poll,
		Extra:    conf.ExtraStats,
		App:      conf.AppStats,
	}
	if iface.HasProgram() {
		sconf.Actions = iface
	}
	if conf.IRQString != "" {
		irq, err := ifacestat.FindIRQ(ifacestat.RootFS, conf.IRQString)
		if err != nil {
			log.Warn("interrupt counts unavailable", slog.Any("err", err))
		} else {
			sconf.IRQ = irq
		}
	}
	coll := stats.NewCollector(chans, sconf, log)

	var phyBefore ifacestat.Stats
	if conf.PHYStats {
		if phyBefore, err = ifacestat.Snapshot([]string{name}, phyCounters...); err != nil {
			log.Warn("PHY counters unavailable", slog.Any("err", err))
		}
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	var wg sync.WaitGroup

	if conf.MetricsListen != "" {
		ln, err := net.Listen("tcp", conf.MetricsListen)
		if err != nil {
			return fmt.Errorf("listening for metrics: %w", err)
		}
		wg.Go(func() {
			if err := stats.Serve(bgCtx, ln, coll, log); err != nil {
				log.Warn("metrics server", slog.Any("err", err))
			}
		})
	}

	prev := coll.Sample()
	if !conf.Quiet {
		wg.Go(func() { prev = coll.Run(bgCtx, os.Stdout, rt.Done) })
	}

	rt.StopAfter(bgCtx, conf.Duration)
	runErr := disp.Run(ctx)
	rt.Stop()
	cancelBg()
	wg.Wait()

	final := coll.Sample()
	coll.Print(os.Stdout, final, prev)
	coll.Summary(os.Stdout, final)
	if sched != nil {
		stats.PrintJitter(os.Stdout, sched.Jitter())
	}
	if phyBefore != nil {
		after, err := ifacestat.Snapshot([]string{name}, phyCounters...)
		if err != nil {
			log.Warn("PHY counters unavailable", slog.Any("err", err))
		} else {
			ifacestat.Print(os.Stdout, after.Since(phyBefore))
		}
	}
	return runErr
}

var phyCounters = []ifacestat.Counter{
	ifacestat.TxPackets, ifacestat.TxBytes, ifacestat.RxPackets, ifacestat.RxBytes,
}

// modeLabel names the attach and bind mode the way reports show it.
func modeLabel(conf *config.Config, chans []*afxdp.Channel) string {
	m := "xdp-drv"
	if conf.Mode() == afxdp.XDPSkb {
		m = "xdp-skb"
	}
	if len(chans) > 0 && chans[0].IsZerocopy() {
		return m + " zero-copy"
	}
	return m + " copy"
}

// setInspect hooks fn into the engine. TxOnly only shows packets when
// they carry timestamps.
func setInspect(eng bench.Engine, fn func(*afxdp.Channel, []byte)) {
	switch e := eng.(type) {
	case *bench.RxDropEngine:
		e.Inspect = fn
	case *bench.L2FwdEngine:
		e.Inspect = fn
	case *bench.TxOnlyEngine:
		e.Inspect = fn
	}
}

func hexdump(ch *afxdp.Channel, pkt []byte) {
	p := gopacket.NewPacket(pkt, layers.LayerTypeEthernet, gopacket.NoCopy)
	fmt.Printf("channel %d queue %d length %d\n%s\n", ch.Index(), ch.QueueID(), len(pkt), p.Dump())
}
