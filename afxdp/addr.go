package afxdp

// addrOffsetShift mirrors XSK_UNALIGNED_BUF_OFFSET_SHIFT. In unaligned
// chunk mode the kernel packs the data offset into the upper 16 bits
// of a descriptor address.
const (
	addrOffsetShift = 48
	addrBaseMask    = 1<<addrOffsetShift - 1
)

// Addr is a frame address split into the chunk base and the data
// offset within the chunk. In aligned mode Offset is always zero.
type Addr struct {
	Base   uint64
	Offset uint64
}

// ExtractAddr splits a raw ring address into base and offset.
func ExtractAddr(raw uint64) Addr {
	return Addr{Base: raw & addrBaseMask, Offset: raw >> addrOffsetShift}
}

// Raw packs the address back into ring representation.
func (a Addr) Raw() uint64 { return a.Offset<<addrOffsetShift | a.Base }

// Data is the pool offset of the first data byte.
func (a Addr) Data() uint64 { return a.Base + a.Offset }
