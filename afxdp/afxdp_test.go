//go:build linux

package afxdp_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/xdp"
)

func queuesFS(names ...string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for _, n := range names {
		fsys["sys/class/net/eth0/queues/"+n+"/rps_cpus"] = &fstest.MapFile{Data: []byte("0\n")}
	}
	return fsys
}

func TestQueueIDs(t *testing.T) {
	fsys := queuesFS("rx-10", "tx-0", "rx-2", "rx-0", "tx-1", "rx-1")
	ids, err := afxdp.QueueIDs(fsys, "eth0")
	require.NoError(t, err)
	require.Equal(t, []uint32{0, 1, 2, 10}, ids)

	_, err = afxdp.QueueIDs(fsys, "eth1")
	require.Error(t, err)

	_, err = afxdp.QueueIDs(queuesFS("rx-x"), "eth0")
	require.Error(t, err)
}

func TestCheckQueues(t *testing.T) {
	ids := []uint32{0, 1, 2, 10}
	require.NoError(t, afxdp.CheckQueues(ids, 0, 3))
	require.NoError(t, afxdp.CheckQueues(ids, 10, 1))
	require.ErrorIs(t, afxdp.CheckQueues(ids, 1, 3), afxdp.ErrQueueNotFound)
	require.ErrorIs(t, afxdp.CheckQueues(ids, 11, 1), afxdp.ErrQueueNotFound)
}

func TestXSKMapSizeCoversHighQueues(t *testing.T) {
	require.Equal(t, uint32(afxdp.MaxChannels), afxdp.XSKMapSize(nil))
	require.Equal(t, uint32(afxdp.MaxChannels), afxdp.XSKMapSize([]uint32{0, 1, 2, 3}))

	// Sockets are keyed by queue id, so queue 20 needs 21 entries.
	ids, err := afxdp.QueueIDs(queuesFS("rx-0", "rx-19", "rx-20"), "eth0")
	require.NoError(t, err)
	size := afxdp.XSKMapSize(ids)
	require.Equal(t, uint32(21), size)

	spec := xdp.Spec(size, xdp.Pass)
	require.Equal(t, size, spec.Maps[xdp.XsksMapName].MaxEntries)
}
