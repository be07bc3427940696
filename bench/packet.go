package bench

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	EthFCSSize = 4
	// MinPacketSize is the smallest on-wire Ethernet frame including FCS.
	MinPacketSize     = 64
	MaxPacketSize     = 4096
	DefaultPacketSize = MinPacketSize

	pktgenMagic   = 0xbe9be955
	pktgenHdrSize = 16

	ethHdrSize  = 14
	vlanHdrSize = 4
	ipv4HdrSize = 20
	udpHdrSize  = 8

	// DefaultFillPattern is written into the UDP payload.
	DefaultFillPattern = 0x12345678
)

var (
	ErrPacketTooSmall = errors.New("packet size too small")
	ErrPacketTooLarge = errors.New("packet size exceeds frame size")
)

// PacketSpec describes the UDP frame generated by the tx-only benchmark.
type PacketSpec struct {
	// Size is the on-wire size including the 4 byte FCS.
	Size    uint32
	Pattern uint32

	VLAN    bool
	VLANID  uint16
	VLANPri uint8

	SrcMAC, DstMAC   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16

	// Timestamp prefixes the payload with a pktgen header carrying a
	// sequence number and the transmit time.
	Timestamp bool
}

// DefaultPacketSpec returns the frame used when nothing is configured.
func DefaultPacketSpec() PacketSpec {
	return PacketSpec{
		Size:    DefaultPacketSize,
		Pattern: DefaultFillPattern,
		VLANID:  1,
		DstMAC:  net.HardwareAddr{0x3c, 0xfd, 0xfe, 0x9e, 0x7f, 0x71},
		SrcMAC:  net.HardwareAddr{0xec, 0xb1, 0xd7, 0x98, 0x3a, 0xc0},
		SrcIP:   net.IPv4(10, 10, 10, 16).To4(),
		DstIP:   net.IPv4(10, 10, 10, 32).To4(),
		SrcPort: 0x1000,
		DstPort: 0x1000,
	}
}

func (s PacketSpec) ethHdrLen() int {
	if s.VLAN {
		return ethHdrSize + vlanHdrSize
	}
	return ethHdrSize
}

// pktgenOffset is where the pktgen header starts within the frame.
func (s PacketSpec) pktgenOffset() int { return s.ethHdrLen() + ipv4HdrSize + udpHdrSize }

// MinSize returns the smallest Size this spec can be generated with.
func (s PacketSpec) MinSize() uint32 {
	if !s.Timestamp {
		return MinPacketSize
	}
	return max(MinPacketSize, uint32(s.pktgenOffset()+pktgenHdrSize+EthFCSSize))
}

// Validate checks Size against the header layout and frameSize.
func (s PacketSpec) Validate(frameSize uint32) error {
	if s.Size < s.MinSize() {
		return fmt.Errorf("%w: %d < %d", ErrPacketTooSmall, s.Size, s.MinSize())
	}
	if s.Size > MaxPacketSize || s.Size-EthFCSSize > frameSize {
		return fmt.Errorf("%w: %d (frame size %d)", ErrPacketTooLarge, s.Size, frameSize)
	}
	return nil
}

// Template is a serialized frame copied into every UMEM frame before
// transmitting starts.
type Template struct {
	data      []byte
	stamp     bool
	pktgenOff int
	csumOff   int
}

// BuildTemplate serializes the frame described by s.
func BuildTemplate(s PacketSpec) (*Template, error) {
	if s.Size < s.MinSize() {
		return nil, fmt.Errorf("%w: %d < %d", ErrPacketTooSmall, s.Size, s.MinSize())
	}
	frameLen := int(s.Size - EthFCSSize)

	eth := &layers.Ethernet{
		SrcMAC:       s.SrcMAC,
		DstMAC:       s.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ls := []gopacket.SerializableLayer{eth}
	if s.VLAN {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{
			Priority:       s.VLANPri & 0x7,
			VLANIdentifier: s.VLANID & 0xfff,
			Type:           layers.EthernetTypeIPv4,
		})
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    s.SrcIP.To4(),
		DstIP:    s.DstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(s.SrcPort),
		DstPort: layers.UDPPort(s.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	payload := make([]byte, frameLen-s.pktgenOffset())
	var pattern [4]byte
	binary.BigEndian.PutUint32(pattern[:], s.Pattern)
	data := payload
	if s.Timestamp {
		binary.BigEndian.PutUint32(payload, pktgenMagic)
		data = payload[pktgenHdrSize:]
	}
	for i := range data {
		data[i] = pattern[i%4]
	}
	ls = append(ls, ip, udp, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serializing packet: %w", err)
	}
	if n := len(buf.Bytes()); n != frameLen {
		return nil, fmt.Errorf("serialized packet is %d bytes, want %d", n, frameLen)
	}
	return &Template{
		data:      buf.Bytes(),
		stamp:     s.Timestamp,
		pktgenOff: s.pktgenOffset(),
		csumOff:   s.ethHdrLen() + ipv4HdrSize + 6,
	}, nil
}

// Len returns the frame length without FCS.
func (t *Template) Len() uint32 { return uint32(len(t.data)) }

// Bytes returns the serialized frame.
func (t *Template) Bytes() []byte { return t.data }

// Stamped reports whether frames carry a pktgen header.
func (t *Template) Stamped() bool { return t.stamp }

// Stamp writes the sequence number and transmit time into the pktgen
// header of frame and patches the UDP checksum accordingly.
// frame must hold a copy of the template.
func (t *Template) Stamp(frame []byte, seq uint32, ns int64) {
	h := frame[t.pktgenOff+4 : t.pktgenOff+pktgenHdrSize]
	sum := binary.BigEndian.Uint16(frame[t.csumOff:])
	var next [12]byte
	binary.BigEndian.PutUint32(next[0:], seq)
	binary.BigEndian.PutUint32(next[4:], uint32(ns/1e9))
	binary.BigEndian.PutUint32(next[8:], uint32(ns%1e9/1000))
	for i := 0; i < len(next); i += 2 {
		sum = csumReplace(sum, binary.BigEndian.Uint16(h[i:]), binary.BigEndian.Uint16(next[i:]))
	}
	copy(h, next[:])
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(frame[t.csumOff:], sum)
}

// csumReplace updates a one's complement checksum after a 16-bit word
// changed (RFC 1624, eqn. 3).
func csumReplace(sum, from, to uint16) uint16 {
	s := uint32(^sum) + uint32(^from) + uint32(to)
	s = (s & 0xffff) + (s >> 16)
	s = (s & 0xffff) + (s >> 16)
	return ^uint16(s)
}

// SwapMACs exchanges the destination and source MAC addresses of an
// Ethernet frame in place.
func SwapMACs(frame []byte) {
	if len(frame) < 12 {
		return
	}
	var tmp [6]byte
	copy(tmp[:], frame[:6])
	copy(frame[:6], frame[6:12])
	copy(frame[6:12], tmp[:])
}
