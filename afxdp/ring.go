package afxdp

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	ErrRingSize       = errors.New("ring size must be a non-zero power of two")
	ErrRingRole       = errors.New("operation not permitted for ring role")
	ErrReserveTooMany = errors.New("reservation exceeds ring capacity")
	ErrRegionTooSmall = errors.New("ring region is too small")
)

// ringNeedWakeup mirrors XDP_RING_NEED_WAKEUP from linux/if_xdp.h.
const ringNeedWakeup = 1

// Desc is an RX/TX ring entry. Layout matches struct xdp_desc.
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// Entry is the set of ring entry types: descriptors for RX/TX and bare
// frame addresses for the fill and completion rings.
type Entry interface {
	Desc | uint64
}

// Role determines which cursor of the ring the holder owns.
type Role uint8

const (
	// Producer owns the producer cursor (fill and TX rings on the user side).
	Producer Role = iota
	// Consumer owns the consumer cursor (RX and completion rings on the user side).
	Consumer
)

func (r Role) String() string {
	switch r {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	}
	return ""
}

// Ring is one side of a single-producer/single-consumer ring shared with
// the kernel. Cursors increase monotonically and are masked on access.
//
// WARNING: Ring is not safe for concurrent use.
type Ring[T Entry] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	role       Role

	prod  *uint32
	cons  *uint32
	flags *uint32

	entries []T
}

// ringHeader backs rings allocated in process memory.
type ringHeader struct {
	prod  uint32
	cons  uint32
	flags uint32
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

// NewLocalRing allocates a ring in process memory. It behaves exactly
// like a kernel mapped ring and is used for loopback drivers and tests.
func NewLocalRing[T Entry](size uint32, role Role) (*Ring[T], error) {
	if !isPow2(size) {
		return nil, ErrRingSize
	}
	h := new(ringHeader)
	return newRing(&h.prod, &h.cons, &h.flags, make([]T, size), role), nil
}

// mapRing builds a ring over a kernel mmap region using the offsets
// reported by XDP_MMAP_OFFSETS.
func mapRing[T Entry](
	region []byte, off xdp_ring_offset, size uint32, role Role,
) (*Ring[T], error) {
	if !isPow2(size) {
		return nil, ErrRingSize
	}
	var zero T
	need := off.Desc + uint64(size)*uint64(unsafe.Sizeof(zero))
	if uint64(len(region)) < need {
		return nil, ErrRegionTooSmall
	}
	base := unsafe.Pointer(&region[0])
	return newRing(
		(*uint32)(unsafe.Add(base, off.Producer)),
		(*uint32)(unsafe.Add(base, off.Consumer)),
		(*uint32)(unsafe.Add(base, off.Flags)),
		unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
		role,
	), nil
}

func newRing[T Entry](prod, cons, flags *uint32, entries []T, role Role) *Ring[T] {
	r := &Ring[T]{
		size:    uint32(len(entries)),
		mask:    uint32(len(entries)) - 1,
		role:    role,
		prod:    prod,
		cons:    cons,
		flags:   flags,
		entries: entries,
	}
	r.resync()
	return r
}

func (r *Ring[T]) resync() {
	if r.role == Producer {
		r.cachedProd = atomic.LoadUint32(r.prod)
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		return
	}
	r.cachedCons = atomic.LoadUint32(r.cons)
	r.cachedProd = atomic.LoadUint32(r.prod)
}

// Peer returns a view of the same ring memory with the opposite role,
// as seen by the other party.
func (r *Ring[T]) Peer() *Ring[T] {
	role := Consumer
	if r.role == Consumer {
		role = Producer
	}
	return newRing(r.prod, r.cons, r.flags, r.entries, role)
}

func (r *Ring[T]) Size() uint32 { return r.size }
func (r *Ring[T]) Role() Role { return r.role }

// Producer returns the shared producer cursor.
func (r *Ring[T]) Producer() uint32 { return atomic.LoadUint32(r.prod) }

// Consumer returns the shared consumer cursor.
func (r *Ring[T]) Consumer() uint32 { return atomic.LoadUint32(r.cons) }

// At returns the entry at cursor position idx.
func (r *Ring[T]) At(idx uint32) *T { return &r.entries[idx&r.mask] }

// Free returns the number of slots available to the producer,
// refreshing the cached consumer cursor only when fewer than n are known.
func (r *Ring[T]) Free(n uint32) uint32 {
	free := r.cachedCons - r.cachedProd
	if free >= n {
		return free
	}
	r.cachedCons = atomic.LoadUint32(r.cons) + r.size
	return r.cachedCons - r.cachedProd
}

// Reserve claims n contiguous slots starting at the returned cursor.
// It reserves all n or nothing; reserved is 0 when the ring is full.
// The shared producer cursor is not touched until Submit.
func (r *Ring[T]) Reserve(n uint32) (idx, reserved uint32, err error) {
	if r.role != Producer {
		return 0, 0, ErrRingRole
	}
	if n > r.size {
		return 0, 0, ErrReserveTooMany
	}
	if r.Free(n) < n {
		return 0, 0, nil
	}
	idx = r.cachedProd
	r.cachedProd += n
	return idx, n, nil
}

// Submit publishes up to n previously reserved slots and returns the
// number published. Submitting more than was reserved is clamped.
func (r *Ring[T]) Submit(n uint32) uint32 {
	if r.role != Producer {
		return 0
	}
	prod := atomic.LoadUint32(r.prod)
	n = min(n, r.cachedProd-prod)
	if n > 0 {
		atomic.StoreUint32(r.prod, prod+n)
	}
	return n
}

// Peek claims up to n available entries starting at the returned cursor
// without advancing the shared consumer cursor.
func (r *Ring[T]) Peek(n uint32) (idx, count uint32) {
	if r.role != Consumer {
		return 0, 0
	}
	entries := r.cachedProd - r.cachedCons
	if entries == 0 {
		r.cachedProd = atomic.LoadUint32(r.prod)
		entries = r.cachedProd - r.cachedCons
	}
	count = min(entries, n)
	idx = r.cachedCons
	r.cachedCons += count
	return idx, count
}

// Release returns up to n peeked entries to the producer and returns
// the number released. Releasing more than was peeked is clamped.
func (r *Ring[T]) Release(n uint32) uint32 {
	if r.role != Consumer {
		return 0
	}
	cons := atomic.LoadUint32(r.cons)
	n = min(n, r.cachedCons-cons)
	if n > 0 {
		atomic.StoreUint32(r.cons, cons+n)
	}
	return n
}

// Cancel un-peeks up to n entries that have not been released yet.
func (r *Ring[T]) Cancel(n uint32) {
	if r.role != Consumer {
		return
	}
	n = min(n, r.cachedCons-atomic.LoadUint32(r.cons))
	r.cachedCons -= n
}

// NeedsWakeup reports whether the other party asked to be woken up.
func (r *Ring[T]) NeedsWakeup() bool {
	return atomic.LoadUint32(r.flags)&ringNeedWakeup != 0
}

// SetNeedsWakeup sets or clears the wakeup flag. Only the kernel side
// writes it for mapped rings.
func (r *Ring[T]) SetNeedsWakeup(v bool) {
	if v {
		atomic.StoreUint32(r.flags, ringNeedWakeup)
		return
	}
	atomic.StoreUint32(r.flags, 0)
}
