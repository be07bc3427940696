// Package afxdptest provides an in-memory stand-in for the kernel side
// of AF_XDP. Rings live in process memory and a Driver moves frames
// between them the way a NIC driver would.
package afxdptest

import (
	"errors"
	"fmt"

	"github.com/romshark/xskbench/afxdp"
)

// Options configures an Env. Zero values select small defaults.
type Options struct {
	Topology  afxdp.Topology
	Channels  uint32
	NumFrames uint32
	FrameSize uint32
	RingSize  uint32
	FillSize  uint32
	Unaligned bool
	Zerocopy  bool
	// Populate hands every channel's region to its fill ring.
	Populate bool
	// AutoComplete makes Kick transmit everything queued on TX.
	AutoComplete bool
	// Ledger enables frame ownership tracking.
	Ledger bool
}

// Env is a frame pool with channels wired to simulated drivers.
type Env struct {
	Pool     *afxdp.FramePool
	Channels []*afxdp.Channel
	Drivers  []*Driver
}

// New builds an Env.
func New(o Options) (*Env, error) {
	if o.Topology == nil {
		o.Topology = afxdp.SingleShared{}
	}
	if o.Channels == 0 {
		o.Channels = 1
	}
	if o.NumFrames == 0 {
		o.NumFrames = 256
	}
	if o.FrameSize == 0 {
		o.FrameSize = 2048
	}
	if o.RingSize == 0 {
		o.RingSize = 128
	}
	if o.FillSize == 0 {
		o.FillSize = o.NumFrames
	}
	regions := o.Topology.Regions(o.Channels)
	mem := make([]byte, uint64(regions)*uint64(o.NumFrames)*uint64(o.FrameSize))
	pool, err := afxdp.NewFramePool(mem, o.Topology, o.Channels, afxdp.PoolConfig{
		NumFrames: o.NumFrames,
		FrameSize: o.FrameSize,
		Unaligned: o.Unaligned,
	})
	if err != nil {
		return nil, err
	}
	if o.Ledger {
		pool.EnableLedger()
	}

	env := &Env{Pool: pool}
	fillPeers := map[*afxdp.Ring[uint64]]*afxdp.Ring[uint64]{}
	compPeers := map[*afxdp.Ring[uint64]]*afxdp.Ring[uint64]{}

	for i := range o.Channels {
		var rings afxdp.Rings
		if rings.RX, err = afxdp.NewLocalRing[afxdp.Desc](o.RingSize, afxdp.Consumer); err != nil {
			return nil, err
		}
		if rings.TX, err = afxdp.NewLocalRing[afxdp.Desc](o.RingSize, afxdp.Producer); err != nil {
			return nil, err
		}
		if o.Topology.PrivateRings() || i == 0 {
			if rings.Fill, err = afxdp.NewLocalRing[uint64](o.FillSize, afxdp.Producer); err != nil {
				return nil, err
			}
			if rings.Comp, err = afxdp.NewLocalRing[uint64](o.RingSize, afxdp.Consumer); err != nil {
				return nil, err
			}
		}

		d := &Driver{pool: pool, autoComplete: o.AutoComplete}
		d.Endpoint = &Endpoint{fd: int(i) + 3, driver: d}
		ch, err := afxdp.NewChannel(
			pool, i, o.Topology.QueueID(0, i), rings, d.Endpoint, o.Zerocopy)
		if err != nil {
			return nil, err
		}
		d.ch = ch
		d.rx = ch.RX().Peer()
		d.tx = ch.TX().Peer()
		if d.fill = fillPeers[ch.Fill()]; d.fill == nil {
			d.fill = ch.Fill().Peer()
			fillPeers[ch.Fill()] = d.fill
		}
		if d.comp = compPeers[ch.Comp()]; d.comp == nil {
			d.comp = ch.Comp().Peer()
			compPeers[ch.Comp()] = d.comp
		}
		if o.Populate && ch.OwnsFill() {
			if err := ch.Populate(o.FillSize); err != nil {
				return nil, fmt.Errorf("populating channel %d: %w", i, err)
			}
		}
		env.Channels = append(env.Channels, ch)
		env.Drivers = append(env.Drivers, d)
	}
	return env, nil
}

// Packet is a frame seen on the wire.
type Packet struct {
	Addr uint64
	Data []byte
}

// Driver plays the kernel side of one channel.
type Driver struct {
	pool         *afxdp.FramePool
	ch           *afxdp.Channel
	autoComplete bool

	fill *afxdp.Ring[uint64]
	rx   *afxdp.Ring[afxdp.Desc]
	tx   *afxdp.Ring[afxdp.Desc]
	comp *afxdp.Ring[uint64]

	// Offset is added to the data offset of received frames in
	// unaligned mode.
	Offset uint64

	Endpoint *Endpoint
	Sent     []Packet
	// Received counts frames delivered to RX.
	Received uint64
	// Filled counts frames taken from the fill ring.
	Filled uint64
}

// SetNeedsWakeup sets the wakeup flags of the fill and TX rings.
func (d *Driver) SetNeedsWakeup(fill, tx bool) {
	d.fill.SetNeedsWakeup(fill)
	d.tx.SetNeedsWakeup(tx)
}

// Receive delivers frames to the RX ring using buffers from the fill
// ring. It returns how many were delivered.
func (d *Driver) Receive(frames ...[]byte) int {
	idxFill, n := d.fill.Peek(uint32(len(frames)))
	if n == 0 {
		return 0
	}
	idxRx, got, err := d.rx.Reserve(n)
	if err != nil || got == 0 {
		d.fill.Cancel(n)
		return 0
	}
	for i := range n {
		a := d.pool.Decode(*d.fill.At(idxFill + i))
		if d.pool.Unaligned() {
			a.Offset += d.Offset
		}
		copy(d.pool.Data(a, uint32(len(frames[i]))), frames[i])
		*d.rx.At(idxRx + i) = afxdp.Desc{Addr: a.Raw(), Len: uint32(len(frames[i]))}
		d.pool.Transfer(a, afxdp.OwnerFill, afxdp.OwnerRx)
	}
	d.fill.Release(n)
	d.rx.Submit(n)
	d.Filled += uint64(n)
	d.Received += uint64(n)
	return int(n)
}

// Transmit sends up to max queued TX descriptors and posts their
// addresses to the completion ring. It returns how many were sent.
func (d *Driver) Transmit(max uint32) int {
	idxTx, n := d.tx.Peek(max)
	if n == 0 {
		return 0
	}
	idxComp, got, err := d.comp.Reserve(n)
	if err != nil || got == 0 {
		d.tx.Cancel(n)
		return 0
	}
	for i := range n {
		desc := *d.tx.At(idxTx + i)
		a := d.pool.Decode(desc.Addr)
		d.Sent = append(d.Sent, Packet{
			Addr: desc.Addr,
			Data: append([]byte(nil), d.pool.Data(a, desc.Len)...),
		})
		*d.comp.At(idxComp + i) = desc.Addr
		d.pool.Transfer(a, afxdp.OwnerTx, afxdp.OwnerCompletion)
	}
	d.tx.Release(n)
	d.comp.Submit(n)
	return int(n)
}

// ErrKick is returned by Kick when FailKick is set.
var ErrKick = errors.New("simulated kick failure")

// Endpoint is the fake socket of a Driver.
type Endpoint struct {
	fd     int
	driver *Driver

	Kicks    int
	Wakeups  int
	FailKick bool
	Stats    afxdp.Statistics
	StatsErr error
	Closed   bool
}

var _ afxdp.Endpoint = (*Endpoint)(nil)

func (e *Endpoint) FD() int { return e.fd }

func (e *Endpoint) Kick() error {
	e.Kicks++
	if e.FailKick {
		return ErrKick
	}
	if e.driver.autoComplete {
		for e.driver.Transmit(e.driver.tx.Size()) > 0 {
		}
	}
	return nil
}

func (e *Endpoint) WakeRx() { e.Wakeups++ }

func (e *Endpoint) Statistics() (afxdp.Statistics, error) {
	return e.Stats, e.StatsErr
}

func (e *Endpoint) Close() error {
	e.Closed = true
	return nil
}
