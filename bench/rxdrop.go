package bench

import (
	"github.com/romshark/xskbench/afxdp"
	"golang.org/x/sys/unix"
)

// RxDropEngine receives packets and hands their frames straight back
// to the fill ring.
type RxDropEngine struct {
	rt *Runtime
	// Inspect, if set, sees every received packet before it is dropped.
	Inspect func(ch *afxdp.Channel, pkt []byte)
}

var _ Engine = (*RxDropEngine)(nil)

func NewRxDrop(rt *Runtime) *RxDropEngine { return &RxDropEngine{rt: rt} }

func (*RxDropEngine) Kind() Kind { return RxDrop }
func (*RxDropEngine) Events() int16 { return unix.POLLIN }
func (*RxDropEngine) More() bool { return true }
func (*RxDropEngine) Drain() {}

func (e *RxDropEngine) Step(ch *afxdp.Channel, _ int64) {
	rt, pool := e.rt, ch.Pool()
	rx, fill := ch.RX(), ch.Fill()

	idxRx, n := rx.Peek(rt.Options.Batch)
	if n == 0 {
		rt.wakeRx(ch, &ch.Counters.RxEmptyPolls)
		return
	}

	var idxFill uint32
	for {
		idx, got, err := fill.Reserve(n)
		if err != nil {
			rx.Cancel(n)
			rt.Fail(err)
			return
		}
		if got == n {
			idxFill = idx
			break
		}
		rt.wakeRx(ch, &ch.Counters.FillFailPolls)
		if rt.Done() {
			rx.Cancel(n)
			return
		}
	}

	for i := range n {
		desc := rx.At(idxRx + i)
		a := pool.Decode(desc.Addr)
		if e.Inspect != nil {
			e.Inspect(ch, pool.Data(a, desc.Len))
		}
		*fill.At(idxFill + i) = a.Base
		pool.Transfer(a, afxdp.OwnerRx, afxdp.OwnerFill)
	}

	fill.Submit(n)
	rx.Release(n)
	ch.Counters.RxPackets.Add(uint64(n))
	ch.Counters.Refilled.Add(uint64(n))
}
