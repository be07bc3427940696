package bench_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/bench"
)

func decode(t *testing.T, frame []byte) (*layers.Ethernet, *layers.IPv4, *layers.UDP) {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	return eth, ip, udp
}

// requireValidUDPChecksum recomputes the checksum of the decoded UDP
// datagram and compares it to the one on the wire.
func requireValidUDPChecksum(t *testing.T, frame []byte) {
	t.Helper()
	_, ip, udp := decode(t, frame)
	onWire := udp.Checksum
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{ComputeChecksums: true},
		udp, gopacket.Payload(udp.Payload))
	require.NoError(t, err)
	require.Equal(t, binary.BigEndian.Uint16(buf.Bytes()[6:8]), onWire)
}

func TestBuildTemplateDefault(t *testing.T) {
	s := bench.DefaultPacketSpec()
	tpl, err := bench.BuildTemplate(s)
	require.NoError(t, err)
	require.Equal(t, uint32(60), tpl.Len())
	require.False(t, tpl.Stamped())

	eth, ip, udp := decode(t, tpl.Bytes())
	require.Equal(t, s.DstMAC, eth.DstMAC)
	require.Equal(t, s.SrcMAC, eth.SrcMAC)
	require.Equal(t, uint8(64), ip.TTL)
	require.True(t, ip.SrcIP.Equal(net.IPv4(10, 10, 10, 16)))
	require.True(t, ip.DstIP.Equal(net.IPv4(10, 10, 10, 32)))
	require.Equal(t, uint16(46), ip.Length)
	require.Equal(t, layers.UDPPort(0x1000), udp.SrcPort)
	require.Equal(t, layers.UDPPort(0x1000), udp.DstPort)
	require.Equal(t, uint16(26), udp.Length)
	require.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, udp.Payload[:4])
	requireValidUDPChecksum(t, tpl.Bytes())
}

func TestBuildTemplateVLAN(t *testing.T) {
	s := bench.DefaultPacketSpec()
	s.VLAN, s.VLANID, s.VLANPri = true, 42, 5
	s.Size = 128
	tpl, err := bench.BuildTemplate(s)
	require.NoError(t, err)
	require.Equal(t, uint32(124), tpl.Len())

	pkt := gopacket.NewPacket(tpl.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	vlan, ok := pkt.Layer(layers.LayerTypeDot1Q).(*layers.Dot1Q)
	require.True(t, ok)
	require.Equal(t, uint16(42), vlan.VLANIdentifier)
	require.Equal(t, uint8(5), vlan.Priority)
	requireValidUDPChecksum(t, tpl.Bytes())
}

func TestPacketSpecValidate(t *testing.T) {
	s := bench.DefaultPacketSpec()
	require.NoError(t, s.Validate(2048))

	s.Size = 63
	require.ErrorIs(t, s.Validate(2048), bench.ErrPacketTooSmall)

	s.Size = 4096
	require.ErrorIs(t, s.Validate(2048), bench.ErrPacketTooLarge)
	require.NoError(t, s.Validate(4096))

	s.Size = 4097
	require.ErrorIs(t, s.Validate(8192), bench.ErrPacketTooLarge)

	s = bench.DefaultPacketSpec()
	s.Timestamp, s.VLAN = true, true
	require.Equal(t, uint32(66), s.MinSize())
	s.Size = 64
	require.ErrorIs(t, s.Validate(2048), bench.ErrPacketTooSmall)
}

func TestTemplateStamp(t *testing.T) {
	s := bench.DefaultPacketSpec()
	s.Timestamp = true
	tpl, err := bench.BuildTemplate(s)
	require.NoError(t, err)
	requireValidUDPChecksum(t, tpl.Bytes())

	frame := append([]byte(nil), tpl.Bytes()...)
	for seq, ns := range []int64{0, 1, 1_700_000_000_123_456_789, 42_999_999_999} {
		tpl.Stamp(frame, uint32(seq), ns)
		requireValidUDPChecksum(t, frame)

		_, _, udp := decode(t, frame)
		hdr := udp.Payload[:16]
		require.Equal(t, uint32(0xbe9be955), binary.BigEndian.Uint32(hdr[0:]))
		require.Equal(t, uint32(seq), binary.BigEndian.Uint32(hdr[4:]))
		require.Equal(t, uint32(ns/1e9), binary.BigEndian.Uint32(hdr[8:]))
		require.Equal(t, uint32(ns%1e9/1000), binary.BigEndian.Uint32(hdr[12:]))
	}
}

func TestSwapMACs(t *testing.T) {
	frame := []byte{
		1, 1, 1, 1, 1, 1,
		2, 2, 2, 2, 2, 2,
		0x08, 0x00, 0xff,
	}
	bench.SwapMACs(frame)
	require.Equal(t, []byte{
		2, 2, 2, 2, 2, 2,
		1, 1, 1, 1, 1, 1,
		0x08, 0x00, 0xff,
	}, frame)

	short := []byte{1, 2, 3}
	bench.SwapMACs(short)
	require.Equal(t, []byte{1, 2, 3}, short)
}
