//go:build linux

package config_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/bench"
	"github.com/romshark/xskbench/config"
)

func load(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	return config.Load("xdpsock", args, io.Discard)
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "xdpsock.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestDefaults(t *testing.T) {
	c, err := load(t, "-i", "eth0")
	require.NoError(t, err)
	require.Equal(t, bench.RxDrop, c.Kind())
	require.Equal(t, afxdp.SingleShared{}, c.TopologyKind())
	require.Equal(t, afxdp.XDPNative, c.Mode())
	require.Equal(t, afxdp.BindAuto, c.Bind())
	require.True(t, c.NeedWakeup)
	require.Equal(t, uint32(afxdp.DefaultBatchSize), c.BatchSize)
	require.Equal(t, time.Second, c.Interval)

	spec := c.PacketSpec()
	require.Equal(t, uint32(bench.MinPacketSize), spec.Size)
	require.Equal(t, uint32(0x12345678), spec.Pattern)
	require.Equal(t, "3c:fd:fe:9e:7f:71", spec.DstMAC.String())
	require.Equal(t, "ec:b1:d7:98:3a:c0", spec.SrcMAC.String())
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeYAML(t, `
bench: txonly
interface: eth1
channels: 4
topology: per-channel
batch-size: 32
interval: 2s
packet:
  size: 128
  pattern: "0xdeadbeef"
  count: 1000
`)
	c, err := load(t, "-config", path, "-batch-size", "16", "-n", "5")
	require.NoError(t, err)
	require.Equal(t, bench.TxOnly, c.Kind())
	require.Equal(t, "eth1", c.Interface)
	require.Equal(t, uint32(4), c.Channels)
	require.Equal(t, afxdp.PerChannel{}, c.TopologyKind())
	require.Equal(t, 2*time.Second, c.Interval)
	require.Equal(t, uint32(16), c.BatchSize)
	require.Equal(t, uint64(5), c.Packet.Count)
	require.Equal(t, uint32(128), c.PacketSpec().Size)
	require.Equal(t, uint32(0xdeadbeef), c.PacketSpec().Pattern)
}

func TestFlagDefaultsDoNotOverrideFile(t *testing.T) {
	path := writeYAML(t, "interface: eth0\nneed-wakeup: false\n")
	c, err := load(t, "-config", path)
	require.NoError(t, err)
	require.False(t, c.NeedWakeup)
}

func TestFileZeroFrameSizeTakesDefault(t *testing.T) {
	path := writeYAML(t, "interface: eth0\nbench: txonly\nframe-size: 0\n")
	c, err := load(t, "-config", path)
	require.NoError(t, err)
	require.Equal(t, uint32(afxdp.DefaultFrameSize), c.FrameSize)
}

func TestTimestampGrowsPacket(t *testing.T) {
	c, err := load(t, "-i", "eth0", "-bench", "txonly", "-timestamp", "-vlan")
	require.NoError(t, err)
	spec := c.PacketSpec()
	require.Equal(t, spec.MinSize(), spec.Size)
	require.Greater(t, spec.Size, uint32(bench.MinPacketSize))
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		name string
		args []string
		err  error
	}{
		{"no interface", nil, config.ErrNoInterface},
		{"shared multi channel", []string{"-channels", "2"}, afxdp.ErrSharedMultiChannel},
		{"reduced cap multi channel",
			[]string{"-channels", "2", "-topology", "per-channel", "-reduced-cap"},
			config.ErrReducedCapMulti},
		{"tx-cycle without txonly", []string{"-tx-cycle", "1ms"}, config.ErrTxCycleBench},
		{"tx-cycle with poll",
			[]string{"-bench", "txonly", "-tx-cycle", "1ms", "-poll"}, config.ErrTxCyclePoll},
		{"batch too large", []string{"-batch-size", "4096"}, config.ErrBatchSize},
		{"fifo without priority", []string{"-sched-policy", "fifo"}, config.ErrSchedPriority},
		{"vlan id", []string{"-vlan-id", "4096"}, config.ErrVLANID},
		{"vlan priority", []string{"-vlan-priority", "8"}, config.ErrVLANPriority},
		{"frame size", []string{"-frame-size", "3000"}, afxdp.ErrFrameSize},
		{"packet too small", []string{"-s", "32"}, bench.ErrPacketTooSmall},
		{"packet too large", []string{"-frame-size", "2048", "-s", "3000"}, bench.ErrPacketTooLarge},
	} {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.args
			if tt.err != config.ErrNoInterface {
				args = append([]string{"-i", "eth0"}, args...)
			}
			_, err := load(t, args...)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestValidateUnknownNames(t *testing.T) {
	for _, args := range [][]string{
		{"-bench", "fwd"},
		{"-topology", "ring"},
		{"-xdp-mode", "offload"},
		{"-bind-mode", "fast"},
		{"-clock", "PROCESS"},
		{"-sched-policy", "RR"},
		{"-dmac", "zz"},
	} {
		_, err := load(t, append([]string{"-i", "eth0"}, args...)...)
		require.Error(t, err, args)
	}
}

func TestUnaligned(t *testing.T) {
	c, err := load(t, "-i", "eth0", "-unaligned", "-frame-size", "3000")
	require.NoError(t, err)
	require.True(t, c.Unaligned)
}

func TestDump(t *testing.T) {
	c, err := load(t, "-i", "eth0")
	require.NoError(t, err)
	out := c.Dump()
	require.Contains(t, out, "interface: eth0")
	require.Contains(t, out, "0x12345678")
}
