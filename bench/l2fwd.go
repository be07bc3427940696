package bench

import (
	"github.com/romshark/xskbench/afxdp"
	"golang.org/x/sys/unix"
)

// L2FwdEngine swaps the MAC addresses of every received packet and
// sends it back out on the same channel.
type L2FwdEngine struct {
	rt *Runtime
	// Inspect, if set, sees every packet after its MACs are swapped.
	Inspect func(ch *afxdp.Channel, pkt []byte)
}

var _ Engine = (*L2FwdEngine)(nil)

func NewL2Fwd(rt *Runtime) *L2FwdEngine { return &L2FwdEngine{rt: rt} }

func (*L2FwdEngine) Kind() Kind { return L2Fwd }
func (*L2FwdEngine) Events() int16 { return unix.POLLIN | unix.POLLOUT }
func (*L2FwdEngine) More() bool { return true }

func (e *L2FwdEngine) Step(ch *afxdp.Channel, _ int64) {
	rt, pool := e.rt, ch.Pool()
	rx, tx := ch.RX(), ch.TX()

	e.complete(ch)

	idxRx, n := rx.Peek(rt.Options.Batch)
	if n == 0 {
		rt.wakeRx(ch, &ch.Counters.RxEmptyPolls)
		return
	}

	var idxTx uint32
	for {
		idx, got, err := tx.Reserve(n)
		if err != nil {
			rx.Cancel(n)
			rt.Fail(err)
			return
		}
		if got == n {
			idxTx = idx
			break
		}
		e.complete(ch)
		if rt.Options.BusyPoll || tx.NeedsWakeup() {
			ch.Counters.TxWakeupSendtos.Add(1)
			rt.kick(ch)
		}
		if rt.Done() {
			rx.Cancel(n)
			return
		}
	}

	for i := range n {
		in := rx.At(idxRx + i)
		a := pool.Decode(in.Addr)
		pkt := pool.Data(a, in.Len)
		SwapMACs(pkt)
		if e.Inspect != nil {
			e.Inspect(ch, pkt)
		}
		*tx.At(idxTx + i) = afxdp.Desc{Addr: in.Addr, Len: in.Len}
		pool.Transfer(a, afxdp.OwnerRx, afxdp.OwnerTx)
	}

	tx.Submit(n)
	rx.Release(n)
	ch.Counters.RxPackets.Add(uint64(n))
	ch.Counters.TxPackets.Add(uint64(n))
	ch.OutstandingTx += n
}

// complete kicks the driver in copy mode and recycles finished
// transmits into the fill ring.
func (e *L2FwdEngine) complete(ch *afxdp.Channel) {
	if ch.OutstandingTx == 0 {
		return
	}
	rt, pool := e.rt, ch.Pool()
	if !ch.IsZerocopy() {
		ch.Counters.CopyTxSendtos.Add(1)
		rt.kick(ch)
	}

	comp, fill := ch.Comp(), ch.Fill()
	idxComp, n := comp.Peek(min(ch.OutstandingTx, rt.Options.Batch))
	if n == 0 {
		return
	}

	var idxFill uint32
	for {
		idx, got, err := fill.Reserve(n)
		if err != nil {
			comp.Cancel(n)
			rt.Fail(err)
			return
		}
		if got == n {
			idxFill = idx
			break
		}
		rt.wakeRx(ch, &ch.Counters.FillFailPolls)
		if rt.Done() {
			comp.Cancel(n)
			return
		}
	}

	for i := range n {
		// Strip the data offset so the chunk is refilled from its start.
		a := pool.Decode(*comp.At(idxComp + i))
		*fill.At(idxFill + i) = a.Base
		pool.Transfer(a, afxdp.OwnerCompletion, afxdp.OwnerFill)
	}

	fill.Submit(n)
	comp.Release(n)
	ch.OutstandingTx -= min(n, ch.OutstandingTx)
	ch.Counters.Refilled.Add(uint64(n))
}

// Drain recycles every outstanding transmit.
func (e *L2FwdEngine) Drain() { e.rt.drain(e.complete) }
