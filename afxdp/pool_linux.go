//go:build linux

package afxdp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapFramePool reserves page-aligned anonymous memory for the UMEM of
// the given number of channels.
func MapFramePool(topo Topology, channels uint32, conf PoolConfig) (*FramePool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if err := topo.Validate(channels); err != nil {
		return nil, err
	}
	length := int(topo.Regions(channels)) * int(conf.NumFrames) * int(conf.FrameSize)
	mem, err := mmapUmem(length, conf.Hugepages)
	if err != nil {
		return nil, fmt.Errorf("mmap UMEM (%d bytes): %w", length, err)
	}
	p, err := NewFramePool(mem, topo, channels, conf)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	p.unmap = unix.Munmap
	return p, nil
}
