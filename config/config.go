//go:build linux

// Package config loads the benchmark configuration from an optional YAML
// file and command line flags. Flags that are set explicitly take
// precedence over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/bench"
	"github.com/romshark/xskbench/ctrl"
	"github.com/romshark/xskbench/cyclic"
)

var (
	ErrNoInterface      = errors.New("interface must be set")
	ErrReducedCapMulti  = errors.New("reduced capability mode supports exactly one channel")
	ErrTxCycleBench     = errors.New("tx-cycle requires the txonly benchmark")
	ErrTxCyclePoll      = errors.New("tx-cycle cannot be combined with poll")
	ErrBatchSize        = errors.New("batch size must be between 1 and the ring size")
	ErrSchedPriority    = errors.New("SCHED_FIFO priority must be between 1 and 99")
	ErrVLANID           = errors.New("vlan id must be between 1 and 4095")
	ErrVLANPriority     = errors.New("vlan priority must be between 0 and 7")
	ErrInterval         = errors.New("interval must be > 0")
	ErrNegativeRetries  = errors.New("retries must be >= 0")
	ErrNegativeDuration = errors.New("duration must be >= 0")
)

type Config struct {
	Bench     string `yaml:"bench"`
	Interface string `yaml:"interface"`
	Queue     uint32 `yaml:"queue"`
	Channels  uint32 `yaml:"channels"`
	Topology  string `yaml:"topology"`

	Poll       bool   `yaml:"poll"`
	XDPMode    string `yaml:"xdp-mode"`
	BindMode   string `yaml:"bind-mode"`
	NeedWakeup bool   `yaml:"need-wakeup"`
	BusyPoll   bool   `yaml:"busy-poll"`
	Force      bool   `yaml:"force"`

	Unaligned bool   `yaml:"unaligned"`
	Hugepages bool   `yaml:"hugepages"`
	FrameSize uint32 `yaml:"frame-size"`
	Headroom  uint32 `yaml:"headroom"`
	BatchSize uint32 `yaml:"batch-size"`

	Interval time.Duration `yaml:"interval"`
	Retries  int           `yaml:"retries"`
	Duration time.Duration `yaml:"duration"`

	Clock         string `yaml:"clock"`
	SchedPolicy   string `yaml:"sched-policy"`
	SchedPriority uint32 `yaml:"sched-priority"`

	Quiet      bool   `yaml:"quiet"`
	ExtraStats bool   `yaml:"extra-stats"`
	AppStats   bool   `yaml:"app-stats"`
	IRQString  string `yaml:"irq-string"`
	Hexdump    bool   `yaml:"hexdump"`
	PHYStats   bool   `yaml:"phy-stats"`

	ReducedCap    bool   `yaml:"reduced-cap"`
	CtrlSocket    string `yaml:"ctrl-socket"`
	MetricsListen string `yaml:"metrics-listen"`
	Debug         bool   `yaml:"debug"`

	Packet Packet `yaml:"packet"`

	kind     bench.Kind
	topo     afxdp.Topology
	xdpMode  afxdp.XDPMode
	bindMode afxdp.BindMode
	clockID  int32
	policy   uint32
	spec     bench.PacketSpec
}

// Packet configures the frame generated by txonly.
type Packet struct {
	Size      uint32        `yaml:"size"`
	Count     uint64        `yaml:"count"`
	Pattern   Hex32         `yaml:"pattern"`
	VLAN      bool          `yaml:"vlan"`
	VLANID    uint16        `yaml:"vlan-id"`
	VLANPri   uint8         `yaml:"vlan-priority"`
	DstMAC    string        `yaml:"dmac"`
	SrcMAC    string        `yaml:"smac"`
	Timestamp bool          `yaml:"timestamp"`
	TxCycle   time.Duration `yaml:"tx-cycle"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	def := bench.DefaultPacketSpec()
	return &Config{
		Bench:       bench.RxDrop.String(),
		Channels:    1,
		Topology:    afxdp.SingleShared{}.String(),
		XDPMode:     afxdp.XDPNative.String(),
		BindMode:    afxdp.BindAuto.String(),
		NeedWakeup:  true,
		FrameSize:   afxdp.DefaultFrameSize,
		BatchSize:   afxdp.DefaultBatchSize,
		Interval:    time.Second,
		Retries:     bench.DefaultDrainRetries,
		Clock:       "MONOTONIC",
		SchedPolicy: "OTHER",
		CtrlSocket:  ctrl.DefaultSocketPath,
		Packet: Packet{
			Size:    def.Size,
			Pattern: Hex32(def.Pattern),
			VLANID:  def.VLANID,
			DstMAC:  def.DstMAC.String(),
			SrcMAC:  def.SrcMAC.String(),
		},
	}
}

// FlagSet binds every option to a flag writing into c.
func (c *Config) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", "", "path to config YAML file")

	fs.StringVar(&c.Bench, "bench", c.Bench, "benchmark: rxdrop, txonly or l2fwd")
	fs.StringVar(&c.Interface, "i", c.Interface, "interface")
	fs.Var(uint32Value{&c.Queue}, "q", "queue id")
	fs.Var(uint32Value{&c.Channels}, "channels", "number of channels")
	fs.StringVar(&c.Topology, "topology", c.Topology, "fill/completion ring topology: shared or per-channel")

	fs.BoolVar(&c.Poll, "poll", c.Poll, "wait for readiness with poll()")
	fs.StringVar(&c.XDPMode, "xdp-mode", c.XDPMode, "XDP attach mode: native or skb")
	fs.StringVar(&c.BindMode, "bind-mode", c.BindMode, "socket bind mode: auto, copy or zerocopy")
	fs.BoolVar(&c.NeedWakeup, "need-wakeup", c.NeedWakeup, "bind with XDP_USE_NEED_WAKEUP")
	fs.BoolVar(&c.BusyPoll, "busy-poll", c.BusyPoll, "enable preferred busy polling")
	fs.BoolVar(&c.Force, "force", c.Force, "replace an attached XDP program")

	fs.BoolVar(&c.Unaligned, "unaligned", c.Unaligned, "enable unaligned chunk placement")
	fs.BoolVar(&c.Hugepages, "hugepages", c.Hugepages, "back the UMEM with 2MB pages")
	fs.Var(uint32Value{&c.FrameSize}, "frame-size", "UMEM frame size")
	fs.Var(uint32Value{&c.Headroom}, "headroom", "frame headroom")
	fs.Var(uint32Value{&c.BatchSize}, "batch-size", "ring batch size")

	fs.DurationVar(&c.Interval, "interval", c.Interval, "statistics interval")
	fs.IntVar(&c.Retries, "retries", c.Retries, "completion drain retries at exit")
	fs.DurationVar(&c.Duration, "duration", c.Duration, "run duration, 0 runs until interrupted")

	fs.StringVar(&c.Clock, "clock", c.Clock, "clock: MONOTONIC, REALTIME, TAI or BOOTTIME")
	fs.StringVar(&c.SchedPolicy, "sched-policy", c.SchedPolicy, "scheduling policy: OTHER or FIFO")
	fs.Var(uint32Value{&c.SchedPriority}, "sched-priority", "SCHED_FIFO priority")

	fs.BoolVar(&c.Quiet, "quiet", c.Quiet, "do not print periodic statistics")
	fs.BoolVar(&c.ExtraStats, "extra-stats", c.ExtraStats, "print XDP_STATISTICS")
	fs.BoolVar(&c.AppStats, "app-stats", c.AppStats, "print dispatch loop counters")
	fs.StringVar(&c.IRQString, "irq-string", c.IRQString, "interrupt name to count")
	fs.BoolVar(&c.Hexdump, "hexdump", c.Hexdump, "dump received packets")
	fs.BoolVar(&c.PHYStats, "phy-stats", c.PHYStats, "print ethtool PHY counters on exit")

	fs.BoolVar(&c.ReducedCap, "reduced-cap", c.ReducedCap, "receive xsks_map over the control socket")
	fs.StringVar(&c.CtrlSocket, "ctrl-socket", c.CtrlSocket, "control socket path")
	fs.StringVar(&c.MetricsListen, "metrics-listen", c.MetricsListen, "serve Prometheus metrics on this address")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "debug logging")

	p := &c.Packet
	fs.Var(uint32Value{&p.Size}, "s", "packet size including FCS")
	fs.Uint64Var(&p.Count, "n", p.Count, "packets to send, 0 is unlimited")
	fs.Var(&p.Pattern, "P", "payload fill pattern")
	fs.BoolVar(&p.VLAN, "vlan", p.VLAN, "add a VLAN tag")
	fs.Var(uint16Value{&p.VLANID}, "vlan-id", "VLAN id")
	fs.Var(uint8Value{&p.VLANPri}, "vlan-priority", "VLAN priority")
	fs.StringVar(&p.DstMAC, "dmac", p.DstMAC, "destination MAC")
	fs.StringVar(&p.SrcMAC, "smac", p.SrcMAC, "source MAC")
	fs.BoolVar(&p.Timestamp, "timestamp", p.Timestamp, "add a pktgen header with a timestamp")
	fs.DurationVar(&p.TxCycle, "tx-cycle", p.TxCycle, "cyclic transmit period")
	return fs
}

// Load parses args, reads the file named by -config if any and applies
// the flags that were set on top of it.
func Load(name string, args []string, stderr io.Writer) (*Config, error) {
	probe := Default()
	pfs := probe.FlagSet(name)
	pfs.SetOutput(stderr)
	if err := pfs.Parse(args); err != nil {
		return nil, err
	}

	conf := Default()
	if path := pfs.Lookup("config").Value.String(); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	fs := conf.FlagSet(name)
	var err error
	pfs.Visit(func(f *flag.Flag) {
		if err == nil && f.Name != "config" {
			if e := fs.Set(f.Name, f.Value.String()); e != nil {
				err = fmt.Errorf("applying -%s: %w", f.Name, e)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks every option and resolves the named ones.
func (c *Config) Validate() (err error) {
	if c.kind, err = bench.ParseKind(c.Bench); err != nil {
		return err
	}
	if c.Interface == "" {
		return ErrNoInterface
	}
	if c.topo, err = afxdp.ParseTopology(c.Topology); err != nil {
		return err
	}
	if err := c.topo.Validate(c.Channels); err != nil {
		return err
	}
	if c.ReducedCap && c.Channels > 1 {
		return ErrReducedCapMulti
	}
	if c.xdpMode, err = afxdp.ParseXDPMode(c.XDPMode); err != nil {
		return err
	}
	if c.bindMode, err = afxdp.ParseBindMode(c.BindMode); err != nil {
		return err
	}

	pool := afxdp.PoolConfig{FrameSize: c.FrameSize, Unaligned: c.Unaligned}
	if err := pool.ValidateAndSetDefaults(); err != nil {
		return err
	}
	c.FrameSize = pool.FrameSize
	if c.BatchSize == 0 || c.BatchSize > afxdp.DefaultRingSize {
		return ErrBatchSize
	}
	if c.Interval <= 0 {
		return ErrInterval
	}
	if c.Retries < 0 {
		return ErrNegativeRetries
	}
	if c.Duration < 0 {
		return ErrNegativeDuration
	}

	if c.clockID, err = cyclic.ClockByName(c.Clock); err != nil {
		return err
	}
	if c.policy, err = cyclic.PolicyByName(c.SchedPolicy); err != nil {
		return err
	}
	if c.policy == cyclic.PolicyFIFO && (c.SchedPriority < 1 || c.SchedPriority > 99) {
		return ErrSchedPriority
	}

	if c.Packet.TxCycle > 0 {
		if c.kind != bench.TxOnly {
			return ErrTxCycleBench
		}
		if c.Poll {
			return ErrTxCyclePoll
		}
	}
	if c.Packet.TxCycle < 0 {
		return fmt.Errorf("invalid tx-cycle %s", c.Packet.TxCycle)
	}

	c.spec, err = c.Packet.spec()
	if err != nil {
		return err
	}
	return c.spec.Validate(c.FrameSize)
}

func (p Packet) spec() (bench.PacketSpec, error) {
	s := bench.DefaultPacketSpec()
	if p.VLANID < 1 || p.VLANID > 4095 {
		return s, ErrVLANID
	}
	if p.VLANPri > 7 {
		return s, ErrVLANPriority
	}
	dst, err := net.ParseMAC(p.DstMAC)
	if err != nil {
		return s, fmt.Errorf("invalid dmac %q: %w", p.DstMAC, err)
	}
	src, err := net.ParseMAC(p.SrcMAC)
	if err != nil {
		return s, fmt.Errorf("invalid smac %q: %w", p.SrcMAC, err)
	}
	s.Size = p.Size
	s.Pattern = uint32(p.Pattern)
	s.VLAN, s.VLANID, s.VLANPri = p.VLAN, p.VLANID, p.VLANPri
	s.DstMAC, s.SrcMAC = dst, src
	s.Timestamp = p.Timestamp
	if s.Timestamp && s.Size < s.MinSize() {
		s.Size = s.MinSize()
	}
	return s, nil
}

// The accessors below are valid after Validate succeeded.

func (c *Config) Kind() bench.Kind { return c.kind }
func (c *Config) TopologyKind() afxdp.Topology { return c.topo }
func (c *Config) Mode() afxdp.XDPMode { return c.xdpMode }
func (c *Config) Bind() afxdp.BindMode { return c.bindMode }
func (c *Config) ClockID() int32 { return c.clockID }
func (c *Config) Policy() uint32 { return c.policy }
func (c *Config) PacketSpec() bench.PacketSpec { return c.spec }

// Dump renders the configuration as YAML.
func (c *Config) Dump() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

// Hex32 is a uint32 written and parsed in hexadecimal.
type Hex32 uint32

func (h Hex32) String() string { return fmt.Sprintf("%#x", uint32(h)) }

func (h *Hex32) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*h = Hex32(v)
	return nil
}

func (h Hex32) MarshalYAML() (any, error) { return h.String(), nil }

func (h *Hex32) UnmarshalYAML(n *yaml.Node) error { return h.Set(n.Value) }

type uint32Value struct{ p *uint32 }

func (v uint32Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*v.p), 10)
}

func (v uint32Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 32)
	if err == nil {
		*v.p = uint32(n)
	}
	return err
}

type uint16Value struct{ p *uint16 }

func (v uint16Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*v.p), 10)
}

func (v uint16Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 16)
	if err == nil {
		*v.p = uint16(n)
	}
	return err
}

type uint8Value struct{ p *uint8 }

func (v uint8Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*v.p), 10)
}

func (v uint8Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 0, 8)
	if err == nil {
		*v.p = uint8(n)
	}
	return err
}
