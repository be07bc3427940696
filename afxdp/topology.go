package afxdp

import (
	"errors"
	"fmt"
)

var ErrSharedMultiChannel = errors.New("shared topology supports exactly one channel")

// MaxChannels bounds the number of channels and xsks_map entries.
const MaxChannels = 16

// Topology decides how fill/completion rings and frame regions are
// distributed across channels.
type Topology interface {
	fmt.Stringer

	// Validate checks whether the topology supports n channels.
	Validate(channels uint32) error

	// Regions returns the number of frame regions the pool must hold.
	Regions(channels uint32) uint32

	// Region returns the region index used by channel.
	Region(channel uint32) uint32

	// QueueID returns the NIC queue channel binds to.
	QueueID(baseQueue, channel uint32) uint32

	// PrivateRings reports whether each channel owns its fill/completion pair.
	PrivateRings() bool
}

// SingleShared uses one fill/completion ring pair owned by the pool and
// one frame region addressed identically by every channel.
type SingleShared struct{}

// PerChannel gives every channel its own fill/completion ring pair, its
// own NIC queue and a private frame region.
type PerChannel struct{}

var (
	_ Topology = SingleShared{}
	_ Topology = PerChannel{}
)

func (SingleShared) String() string { return "shared" }

func (SingleShared) Validate(channels uint32) error {
	if channels != 1 {
		return ErrSharedMultiChannel
	}
	return nil
}

func (SingleShared) Regions(uint32) uint32 { return 1 }
func (SingleShared) Region(uint32) uint32 { return 0 }
func (SingleShared) QueueID(baseQueue, _ uint32) uint32 { return baseQueue }
func (SingleShared) PrivateRings() bool { return false }

func (PerChannel) String() string { return "per-channel" }
func (PerChannel) Regions(channels uint32) uint32 { return channels }
func (PerChannel) Region(channel uint32) uint32 { return channel }
func (PerChannel) QueueID(baseQueue, channel uint32) uint32 { return baseQueue + channel }
func (PerChannel) PrivateRings() bool { return true }

func (PerChannel) Validate(channels uint32) error {
	if channels == 0 || channels > MaxChannels {
		return fmt.Errorf("channels must be in [1, %d], got %d", MaxChannels, channels)
	}
	return nil
}

// ParseTopology resolves a topology by name.
func ParseTopology(name string) (Topology, error) {
	switch name {
	case "shared", "":
		return SingleShared{}, nil
	case "per-channel":
		return PerChannel{}, nil
	}
	return nil, fmt.Errorf("unknown topology %q", name)
}
