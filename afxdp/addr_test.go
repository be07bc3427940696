package afxdp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
)

func TestAddrRoundTrip(t *testing.T) {
	for _, a := range []afxdp.Addr{
		{},
		{Base: 4096},
		{Base: 3000, Offset: 256},
		{Base: 1<<48 - 1, Offset: 1<<16 - 1},
	} {
		raw := a.Raw()
		require.Equal(t, a, afxdp.ExtractAddr(raw))
		require.Equal(t, raw, afxdp.ExtractAddr(raw).Raw())
	}
}

func TestAddrData(t *testing.T) {
	a := afxdp.ExtractAddr(256<<48 | 8192)
	require.Equal(t, uint64(8192), a.Base)
	require.Equal(t, uint64(256), a.Offset)
	require.Equal(t, uint64(8448), a.Data())
}

func TestUnalignedPoolAddressesRoundTrip(t *testing.T) {
	const frames, size = 64, 3000 // not a power of two
	mem := make([]byte, frames*size)
	p, err := afxdp.NewFramePool(mem, afxdp.SingleShared{}, 1, afxdp.PoolConfig{
		NumFrames: frames, FrameSize: size, Unaligned: true,
	})
	require.NoError(t, err)

	for i := range uint32(frames) {
		a := p.Translate(0, i)
		for _, off := range []uint64{0, 1, 256} {
			b := afxdp.Addr{Base: a.Base, Offset: off}
			require.Equal(t, b, p.Decode(b.Raw()))
		}
	}
}
