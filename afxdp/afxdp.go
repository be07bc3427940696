//go:build linux

// Package afxdp implements the AF_XDP data plane: the UMEM frame pool,
// the four shared rings, channels binding sockets to NIC queues and the
// topologies distributing fill/completion rings across channels.
// Interface owns the XDP redirect program and eBPF objects.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"

	"github.com/romshark/xskbench/afxdp/xdp"
)

var (
	ErrProgramAttached = errors.New("an XDP program is already attached, use force to replace it")
	ErrNoXSKSMap       = errors.New("no xsks_map available")
	ErrQueueNotFound   = errors.New("queue not found on interface")
)

// SysFS is the file system queue lookups read from.
var SysFS fs.FS = os.DirFS("/")

// XDPMode selects how the redirect program is attached.
type XDPMode uint8

const (
	XDPNative XDPMode = iota
	XDPSkb
)

func (m XDPMode) String() string {
	switch m {
	case XDPNative:
		return "native"
	case XDPSkb:
		return "skb"
	}
	return ""
}

// ParseXDPMode resolves an attach mode by name.
func ParseXDPMode(s string) (XDPMode, error) {
	switch s {
	case "native", "drv", "":
		return XDPNative, nil
	case "skb", "generic":
		return XDPSkb, nil
	}
	return 0, fmt.Errorf("unknown XDP mode %q", s)
}

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	Mode XDPMode
	// Force replaces a program attached by someone else.
	Force bool
	// Program loads and attaches the redirect program. Without it
	// sockets rely on a program and map provided externally.
	Program bool
	// Fallback is the verdict for packets on queues without a socket.
	Fallback xdp.Action
}

// Interface represents a NIC AF_XDP channels are bound to. It owns the
// redirect program when it attached one.
type Interface struct {
	ifaceName  string
	ifaceIndex int

	link link.Link
	objs *xdp.Objects
	xsks *ebpf.Map
}

// MakeInterface resolves the interface and, if requested, attaches the
// redirect program to it.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	nl, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface %q: %w", iface, err)
	}
	i := &Interface{
		ifaceName:  iface,
		ifaceIndex: nl.Attrs().Index,
	}
	if !conf.Program {
		return i, nil
	}

	if attrs := nl.Attrs(); attrs.Xdp != nil && attrs.Xdp.Attached {
		if !conf.Force {
			return nil, fmt.Errorf("%w (prog id %d)", ErrProgramAttached, attrs.Xdp.ProgId)
		}
		if err := netlink.LinkSetXdpFd(nl, -1); err != nil {
			return nil, fmt.Errorf("removing attached XDP program: %w", err)
		}
	}

	queues, err := i.RXQueueIDs()
	if err != nil {
		return nil, err
	}
	objs, err := xdp.Load(XSKMapSize(queues), conf.Fallback)
	if err != nil {
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}
	opts := link.XDPOptions{
		Program:   objs.XdpSockProg,
		Interface: i.ifaceIndex,
		Flags:     link.XDPDriverMode,
	}
	if conf.Mode == XDPSkb {
		opts.Flags = link.XDPGenericMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attaching XDP in %s mode: %w", conf.Mode, err)
	}
	i.link, i.objs, i.xsks = l, objs, objs.XsksMap
	return i, nil
}

// Info returns the interface name and index.
func (i *Interface) Info() (name string, index int) { return i.ifaceName, i.ifaceIndex }

// HasProgram reports whether this process attached the redirect program.
func (i *Interface) HasProgram() bool { return i.link != nil }

// ProgramID returns the kernel id of the attached program.
func (i *Interface) ProgramID() (ebpf.ProgramID, error) {
	if i.objs == nil {
		return 0, errors.New("no program attached")
	}
	info, err := i.objs.XdpSockProg.Info()
	if err != nil {
		return 0, err
	}
	id, _ := info.ID()
	return id, nil
}

// RXQueueIDs returns the RX queue ids of the interface in ascending order.
func (i *Interface) RXQueueIDs() ([]uint32, error) { return QueueIDs(SysFS, i.ifaceName) }

// CheckQueues verifies that queues first through first+n-1 exist.
func (i *Interface) CheckQueues(first, n uint32) error {
	ids, err := i.RXQueueIDs()
	if err != nil {
		return err
	}
	return CheckQueues(ids, first, n)
}

// QueueIDs lists the rx-N entries under sys/class/net/<iface>/queues.
func QueueIDs(fsys fs.FS, iface string) ([]uint32, error) {
	dir := path.Join("sys/class/net", iface, "queues")
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing queues of %q: %w", iface, err)
	}
	var ids []uint32
	for _, e := range entries {
		n, ok := strings.CutPrefix(e.Name(), "rx-")
		if !ok {
			continue
		}
		id, err := strconv.ParseUint(n, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing queue %q: %w", e.Name(), err)
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// CheckQueues reports the first queue in [first, first+n) missing from
// the sorted ids.
func CheckQueues(ids []uint32, first, n uint32) error {
	for q := first; q < first+n; q++ {
		if _, ok := slices.BinarySearch(ids, q); !ok {
			return fmt.Errorf("%w: %d (available: %v)", ErrQueueNotFound, q, ids)
		}
	}
	return nil
}

// XSKMapSize returns the number of xsks_map entries needed to key every
// queue in the sorted ids, never fewer than MaxChannels.
func XSKMapSize(ids []uint32) uint32 {
	if len(ids) == 0 {
		return MaxChannels
	}
	return max(MaxChannels, ids[len(ids)-1]+1)
}

// UseMap makes Register insert sockets into an externally provided
// xsks_map, such as one received over the control socket.
func (i *Interface) UseMap(m *ebpf.Map) { i.xsks = m }

// Open creates channel index on top of pool, bound to the queue the
// pool's topology assigns to it.
func (i *Interface) Open(
	pool *FramePool, baseQueue, index uint32, conf SocketConfig,
) (*Channel, error) {
	ch, err := openChannel(pool, i.ifaceIndex, baseQueue, index, conf)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", index, err)
	}
	return ch, nil
}

// Register inserts the channel's socket into xsks_map keyed by its
// queue, which makes the redirect program deliver packets to it.
func (i *Interface) Register(ch *Channel) error {
	if i.xsks == nil {
		return ErrNoXSKSMap
	}
	fd := ch.Endpoint().FD()
	if err := i.xsks.Update(ch.QueueID(), uint32(fd), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("registering channel %d in xsks_map: %w", ch.Index(), err)
	}
	return nil
}

// ActionStats returns the per-verdict totals counted by the program.
func (i *Interface) ActionStats() ([xdp.ActionMax]xdp.Record, error) {
	if i.objs == nil {
		return [xdp.ActionMax]xdp.Record{}, errors.New("no program attached")
	}
	return i.objs.ReadStats()
}

// Close detaches the XDP program from the interface and frees the underlying
// eBPF resources owned by this Interface. It does not close any Channel;
// those must be closed separately before closing the Interface.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}

	if i.objs != nil {
		if err := i.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP objs: %w", err))
		}
		i.objs = nil
	}
	i.xsks = nil
	return errors.Join(errs...)
}
