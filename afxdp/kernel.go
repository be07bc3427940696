package afxdp

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L33
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L41
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L48
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L66
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
	Flags     uint32
	_         uint32
}

// xdp_statistics is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L74
type xdp_statistics struct {
	RxDropped            uint64
	RxInvalidDescs       uint64
	TxInvalidDescs       uint64
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64
}

// xdp_options is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v6.1/source/include/uapi/linux/if_xdp.h#L83
type xdp_options struct {
	Flags uint32
}

const (
	xdpUmemUnalignedChunkFlag = 1 << 0 // XDP_UMEM_UNALIGNED_CHUNK_FLAG
	xdpOptionsOpt             = 8      // XDP_OPTIONS
	xdpOptionsZerocopy        = 1 << 0 // XDP_OPTIONS_ZEROCOPY
)
