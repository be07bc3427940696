package afxdp_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/afxdptest"
)

func TestPoolConfigFrameSize(t *testing.T) {
	c := afxdp.PoolConfig{FrameSize: 3000}
	require.ErrorIs(t, c.ValidateAndSetDefaults(), afxdp.ErrFrameSize)

	c = afxdp.PoolConfig{FrameSize: 3000, Unaligned: true}
	require.NoError(t, c.ValidateAndSetDefaults())
	require.Equal(t, uint32(afxdp.DefaultNumFrames), c.NumFrames)
}

func TestNewFramePoolTooSmall(t *testing.T) {
	_, err := afxdp.NewFramePool(make([]byte, 1024), afxdp.PerChannel{}, 2,
		afxdp.PoolConfig{NumFrames: 4, FrameSize: 256})
	require.ErrorIs(t, err, afxdp.ErrPoolTooSmall)
}

func TestSharedTopologyRejectsChannels(t *testing.T) {
	_, err := afxdp.NewFramePool(make([]byte, 1<<20), afxdp.SingleShared{}, 2,
		afxdp.PoolConfig{NumFrames: 4, FrameSize: 256})
	require.ErrorIs(t, err, afxdp.ErrSharedMultiChannel)
}

func TestTranslate(t *testing.T) {
	const f, s = 8, 512
	shared, err := afxdp.NewFramePool(make([]byte, f*s), afxdp.SingleShared{}, 1,
		afxdp.PoolConfig{NumFrames: f, FrameSize: s})
	require.NoError(t, err)
	require.Equal(t, afxdp.Addr{Base: 3 * s}, shared.Translate(0, 3))

	per, err := afxdp.NewFramePool(make([]byte, 4*f*s), afxdp.PerChannel{}, 4,
		afxdp.PoolConfig{NumFrames: f, FrameSize: s})
	require.NoError(t, err)
	require.Equal(t, uint32(4*f), per.Frames())
	require.Equal(t, afxdp.Addr{Base: (2*f + 3) * s}, per.Translate(2, 3))
	// Relative slots wrap within the region.
	require.Equal(t, per.Translate(2, 0), per.Translate(2, f))
	require.Equal(t, uint32(2), per.RegionOf(per.Translate(2, f-1)))
}

func TestPerChannelFillRegions(t *testing.T) {
	const channels, f, s = 4, 64, 1024
	env, err := afxdptest.New(afxdptest.Options{
		Topology:  afxdp.PerChannel{},
		Channels:  channels,
		NumFrames: f,
		FrameSize: s,
		RingSize:  32,
		Populate:  true,
	})
	require.NoError(t, err)

	for i, ch := range env.Channels {
		require.True(t, ch.HasPrivateRings())
		require.Equal(t, uint32(i), ch.QueueID())
		fill := ch.Fill().Peer()
		for round := 0; round < 3; round++ {
			idx, n := fill.Peek(f)
			require.Equal(t, uint32(f), n)
			for j := range n {
				addr := *fill.At(idx + j)
				require.GreaterOrEqual(t, addr, uint64(i*f*s))
				require.Less(t, addr, uint64((i+1)*f*s))
			}
			fill.Release(n)

			// Hand the frames back and wrap the ring around.
			require.NoError(t, ch.Populate(f))
		}
	}
}

func TestSharedChannelUsesPoolRings(t *testing.T) {
	env, err := afxdptest.New(afxdptest.Options{})
	require.NoError(t, err)
	fill, comp := env.Pool.SharedRings()
	ch := env.Channels[0]
	require.False(t, ch.HasPrivateRings())
	require.Same(t, fill, ch.Fill())
	require.Same(t, comp, ch.Comp())
	require.True(t, ch.OwnsFill())
}

func TestLedger(t *testing.T) {
	env, err := afxdptest.New(afxdptest.Options{
		NumFrames: 16, RingSize: 16, Populate: true, Ledger: true,
	})
	require.NoError(t, err)
	l := env.Pool.Ledger()
	require.Equal(t, 16, l.Count(afxdp.OwnerFill))

	require.Equal(t, 4, env.Drivers[0].Receive(
		make([]byte, 60), make([]byte, 60), make([]byte, 60), make([]byte, 60)))
	require.Equal(t, 4, l.Count(afxdp.OwnerRx))
	require.NoError(t, l.Err())

	env.Pool.Transfer(afxdp.Addr{}, afxdp.OwnerTx, afxdp.OwnerApp)
	require.Error(t, l.Err())
}
