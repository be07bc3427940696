package bench

import (
	"errors"

	"github.com/romshark/xskbench/afxdp"
	"golang.org/x/sys/unix"
)

var ErrNoTemplate = errors.New("txonly needs a packet template")

// TxOnlyEngine transmits copies of a prebuilt frame as fast as the TX
// ring accepts them.
type TxOnlyEngine struct {
	rt  *Runtime
	tpl *Template
	// next is the region-relative frame cursor per channel.
	next []uint32
	sent uint64
	// Inspect, if set, sees every stamped packet before it is queued.
	Inspect func(ch *afxdp.Channel, pkt []byte)
}

var _ Engine = (*TxOnlyEngine)(nil)

// NewTxOnly copies tpl into every frame of the pool.
func NewTxOnly(rt *Runtime, tpl *Template) (*TxOnlyEngine, error) {
	if tpl == nil {
		return nil, ErrNoTemplate
	}
	pool := rt.Pool
	if tpl.Len() > pool.FrameSize() {
		return nil, ErrPacketTooLarge
	}
	for i := range pool.Frames() {
		copy(pool.Frame(pool.FrameAt(i)), tpl.Bytes())
	}
	return &TxOnlyEngine{
		rt:   rt,
		tpl:  tpl,
		next: make([]uint32, len(rt.Channels)),
	}, nil
}

func (*TxOnlyEngine) Kind() Kind { return TxOnly }
func (*TxOnlyEngine) Events() int16 { return unix.POLLOUT }

// Sent returns the number of packets submitted to TX rings.
func (e *TxOnlyEngine) Sent() uint64 { return e.sent }

func (e *TxOnlyEngine) More() bool {
	c := e.rt.Options.PacketCount
	return c == 0 || e.sent < c
}

// batchSize returns the configured batch, capped so the total never
// overshoots the packet count.
func (e *TxOnlyEngine) batchSize() uint32 {
	b := e.rt.Options.Batch
	c := e.rt.Options.PacketCount
	if c == 0 || e.sent+uint64(b) <= c {
		return b
	}
	if e.sent >= c {
		return 0
	}
	return uint32(c - e.sent)
}

func (e *TxOnlyEngine) Step(ch *afxdp.Channel, now int64) {
	batch := e.batchSize()
	if batch == 0 {
		return
	}
	rt, pool, tx := e.rt, ch.Pool(), ch.TX()

	var idx uint32
	for {
		i, got, err := tx.Reserve(batch)
		if err != nil {
			rt.Fail(err)
			return
		}
		if got == batch {
			idx = i
			break
		}
		e.complete(ch)
		if rt.Done() {
			return
		}
	}

	frames := pool.FramesPerRegion()
	cur := &e.next[ch.Index()]
	for i := range batch {
		a := pool.Translate(ch.Index(), *cur)
		*cur = (*cur + 1) % frames
		*tx.At(idx + i) = afxdp.Desc{Addr: a.Raw(), Len: e.tpl.Len()}
		if e.tpl.Stamped() {
			pkt := pool.Data(a, e.tpl.Len())
			e.tpl.Stamp(pkt, rt.nextSeq(), now)
			if e.Inspect != nil {
				e.Inspect(ch, pkt)
			}
		}
		pool.Transfer(a, afxdp.OwnerApp, afxdp.OwnerTx)
	}

	tx.Submit(batch)
	ch.Counters.TxPackets.Add(uint64(batch))
	ch.OutstandingTx += batch
	e.sent += uint64(batch)
	e.complete(ch)
}

// complete kicks the driver if needed and reclaims finished transmits.
func (e *TxOnlyEngine) complete(ch *afxdp.Channel) {
	if ch.OutstandingTx == 0 {
		return
	}
	rt := e.rt
	if !rt.Options.NeedWakeup || ch.TX().NeedsWakeup() {
		ch.Counters.TxWakeupSendtos.Add(1)
		rt.kick(ch)
	}
	comp, pool := ch.Comp(), ch.Pool()
	idx, n := comp.Peek(rt.Options.Batch)
	if n == 0 {
		return
	}
	for i := range n {
		pool.Transfer(pool.Decode(*comp.At(idx + i)), afxdp.OwnerCompletion, afxdp.OwnerApp)
	}
	comp.Release(n)
	ch.OutstandingTx -= min(n, ch.OutstandingTx)
}

// Drain reclaims every outstanding transmit.
func (e *TxOnlyEngine) Drain() { e.rt.drain(e.complete) }
