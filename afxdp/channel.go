package afxdp

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrFillRingFull = errors.New("fill ring has no room for the initial frames")
	ErrNoFillRing   = errors.New("channel has no fill ring")
)

// Statistics are the extended ring fault counters of XDP_STATISTICS.
type Statistics struct {
	RxDropped            uint64
	RxInvalidDescs       uint64
	TxInvalidDescs       uint64
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64
}

// Endpoint is the kernel object a Channel's rings are bound to.
type Endpoint interface {
	// FD returns the socket descriptor used for readiness polling.
	FD() int
	// Kick notifies the driver about new TX descriptors.
	// Transient conditions are swallowed; a returned error is fatal.
	Kick() error
	// WakeRx prompts the driver to resume consuming the fill ring.
	WakeRx()
	// Statistics reads the extended ring fault counters.
	Statistics() (Statistics, error)
	Close() error
}

// Counters are written by the dispatch thread only and read by the
// statistics sampler.
type Counters struct {
	RxPackets atomic.Uint64
	TxPackets atomic.Uint64
	Refilled  atomic.Uint64

	RxEmptyPolls    atomic.Uint64
	FillFailPolls   atomic.Uint64
	CopyTxSendtos   atomic.Uint64
	TxWakeupSendtos atomic.Uint64
	OptPolls        atomic.Uint64
}

// Rings is the ring set a channel operates on. Fill and Comp are nil
// when the topology shares the pool's pair.
type Rings struct {
	RX   *Ring[Desc]
	TX   *Ring[Desc]
	Fill *Ring[uint64]
	Comp *Ring[uint64]
}

// Channel binds one NIC queue to one socket and its rings.
//
// WARNING: Channel is not safe for concurrent use, except for Counters.
type Channel struct {
	index    uint32
	queueID  uint32
	pool     *FramePool
	rx       *Ring[Desc]
	tx       *Ring[Desc]
	fill     *Ring[uint64]
	comp     *Ring[uint64]
	private  bool
	ep       Endpoint
	zerocopy bool

	// OutstandingTx counts frames submitted to TX and not yet reclaimed
	// from the completion ring.
	OutstandingTx uint32

	Counters Counters
}

// NewChannel assembles a channel from rings that were already created.
// Fill/completion rings are resolved from the pool when the topology
// shares them.
func NewChannel(
	pool *FramePool, index uint32, queueID uint32,
	rings Rings, ep Endpoint, zerocopy bool,
) (*Channel, error) {
	c := &Channel{
		index:    index,
		queueID:  queueID,
		pool:     pool,
		rx:       rings.RX,
		tx:       rings.TX,
		ep:       ep,
		zerocopy: zerocopy,
		private:  pool.topo.PrivateRings(),
	}
	if c.private {
		c.fill, c.comp = rings.Fill, rings.Comp
	} else {
		if pool.fill == nil && rings.Fill != nil {
			pool.SetSharedRings(rings.Fill, rings.Comp)
		}
		c.fill, c.comp = pool.SharedRings()
	}
	if c.fill == nil || c.comp == nil {
		return nil, fmt.Errorf("channel %d: missing fill/completion ring", index)
	}
	return c, nil
}

func (c *Channel) Index() uint32 { return c.index }
func (c *Channel) QueueID() uint32 { return c.queueID }
func (c *Channel) Pool() *FramePool { return c.pool }
func (c *Channel) RX() *Ring[Desc] { return c.rx }
func (c *Channel) TX() *Ring[Desc] { return c.tx }
func (c *Channel) Fill() *Ring[uint64] { return c.fill }
func (c *Channel) Comp() *Ring[uint64] { return c.comp }
func (c *Channel) Endpoint() Endpoint { return c.ep }
func (c *Channel) IsZerocopy() bool { return c.zerocopy }
func (c *Channel) HasPrivateRings() bool { return c.private }

// OwnsFill reports whether this channel is responsible for populating
// its fill ring: always in PerChannel, only channel 0 otherwise.
func (c *Channel) OwnsFill() bool { return c.private || c.index == 0 }

// Populate hands n frames of the channel's region to the fill ring.
func (c *Channel) Populate(n uint32) error {
	if c.fill == nil {
		return ErrNoFillRing
	}
	n = min(n, c.pool.FramesPerRegion(), c.fill.Size())
	idx, got, err := c.fill.Reserve(n)
	if err != nil {
		return fmt.Errorf("reserving fill ring: %w", err)
	}
	if got != n {
		return ErrFillRingFull
	}
	for i := range n {
		a := c.pool.Translate(c.index, i)
		*c.fill.At(idx + i) = a.Raw()
		c.pool.Transfer(a, OwnerApp, OwnerFill)
	}
	c.fill.Submit(n)
	return nil
}

// Kick issues a TX doorbell.
func (c *Channel) Kick() error { return c.ep.Kick() }

// WakeRx prompts the driver to refill RX from the fill ring.
func (c *Channel) WakeRx() { c.ep.WakeRx() }

// Close closes the endpoint. Ring memory is owned by the endpoint.
func (c *Channel) Close() error {
	if c.ep == nil {
		return nil
	}
	err := c.ep.Close()
	c.ep = nil
	return err
}
