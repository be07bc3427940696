package afxdp

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrFrameSize     = errors.New("frame size must be a power of two unless unaligned chunks are enabled")
	ErrPoolTooSmall  = errors.New("pool memory is smaller than the configured frames")
	ErrNoFrames      = errors.New("number of frames must be > 0")
	ErrAddrOutOfPool = errors.New("frame address outside of pool")
)

const (
	DefaultNumFrames          = 4096
	DefaultFrameSize          = 4096
	DefaultFillRingSize       = 2 * DefaultRingSize
	DefaultCompletionRingSize = DefaultRingSize
	DefaultRingSize           = 2048
	DefaultBatchSize          = 64
)

// PoolConfig describes the frame layout of a FramePool.
type PoolConfig struct {
	// NumFrames is the number of frames per region.
	NumFrames uint32
	// FrameSize is the chunk size registered with the kernel.
	FrameSize uint32
	// Headroom is reserved by the kernel in front of every packet.
	Headroom uint32
	// Unaligned enables unaligned chunk placement.
	Unaligned bool
	// Hugepages requests 2MB pages for the pool memory.
	Hugepages bool
}

func (c *PoolConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if !c.Unaligned && !isPow2(c.FrameSize) {
		return ErrFrameSize
	}
	return nil
}

// FramePool owns the UMEM: one contiguous block of memory divided into
// fixed-size frames, split into one region per channel in PerChannel
// topology. It also owns the shared fill/completion pair in SingleShared
// topology once the first channel registered it with the kernel.
type FramePool struct {
	conf    PoolConfig
	topo    Topology
	regions uint32
	mem     []byte
	unmap   func([]byte) error

	fill *Ring[uint64]
	comp *Ring[uint64]

	// ownerFD is the socket the UMEM was registered on, -1 before.
	ownerFD int

	ledger *Ledger
}

// NewFramePool builds a pool over mem for the given number of channels.
func NewFramePool(
	mem []byte, topo Topology, channels uint32, conf PoolConfig,
) (*FramePool, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	if err := topo.Validate(channels); err != nil {
		return nil, err
	}
	regions := topo.Regions(channels)
	need := uint64(regions) * uint64(conf.NumFrames) * uint64(conf.FrameSize)
	if uint64(len(mem)) < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrPoolTooSmall, len(mem), need)
	}
	return &FramePool{
		conf:    conf,
		topo:    topo,
		regions: regions,
		mem:     mem[:need],
		ownerFD: -1,
	}, nil
}

func (p *FramePool) Config() PoolConfig { return p.conf }
func (p *FramePool) Topology() Topology { return p.topo }
func (p *FramePool) FrameSize() uint32 { return p.conf.FrameSize }
func (p *FramePool) Unaligned() bool { return p.conf.Unaligned }

// Frames returns the total number of frames across all regions.
func (p *FramePool) Frames() uint32 { return p.regions * p.conf.NumFrames }

// FramesPerRegion returns the number of frames available to one channel.
func (p *FramePool) FramesPerRegion() uint32 { return p.conf.NumFrames }

// Mem exposes the raw pool memory.
func (p *FramePool) Mem() []byte { return p.mem }

// Translate maps the relative frame slot of a channel to its absolute address.
func (p *FramePool) Translate(channel, rel uint32) Addr {
	region := uint64(p.topo.Region(channel))
	slot := region*uint64(p.conf.NumFrames) + uint64(rel%p.conf.NumFrames)
	return Addr{Base: slot * uint64(p.conf.FrameSize)}
}

// FrameAt returns the address of the absolute frame index i, wrapping
// at the total frame count.
func (p *FramePool) FrameAt(i uint32) Addr {
	return Addr{Base: uint64(i%p.Frames()) * uint64(p.conf.FrameSize)}
}

// RegionOf returns the region index containing address a.
func (p *FramePool) RegionOf(a Addr) uint32 {
	return uint32(a.Base / (uint64(p.conf.NumFrames) * uint64(p.conf.FrameSize)))
}

// Decode converts a raw ring address into an Addr.
func (p *FramePool) Decode(raw uint64) Addr {
	if p.conf.Unaligned {
		return ExtractAddr(raw)
	}
	return Addr{Base: raw}
}

// Data returns n bytes of packet data starting at a.
func (p *FramePool) Data(a Addr, n uint32) []byte {
	start := a.Data()
	return p.mem[start : start+uint64(n) : start+uint64(n)]
}

// Frame returns the whole chunk a belongs to.
func (p *FramePool) Frame(a Addr) []byte {
	base := a.Base
	if !p.conf.Unaligned {
		base -= base % uint64(p.conf.FrameSize)
	}
	return p.mem[base : base+uint64(p.conf.FrameSize)]
}

// SharedRings returns the pool-owned fill/completion pair,
// nil in PerChannel topology or before the UMEM was registered.
func (p *FramePool) SharedRings() (fill, comp *Ring[uint64]) {
	return p.fill, p.comp
}

// SetSharedRings installs the pool-owned fill/completion pair.
func (p *FramePool) SetSharedRings(fill, comp *Ring[uint64]) {
	p.fill, p.comp = fill, comp
}

// Close releases the pool memory. All channels must be closed before.
func (p *FramePool) Close() error {
	if p.mem == nil {
		return nil
	}
	var err error
	if p.unmap != nil {
		err = p.unmap(p.mem)
	}
	p.mem = nil
	p.fill, p.comp = nil, nil
	return err
}

// EnableLedger starts tracking frame ownership. All frames begin owned
// by the application.
func (p *FramePool) EnableLedger() *Ledger {
	p.ledger = &Ledger{
		frameSize: uint64(p.conf.FrameSize),
		owners:    make([]Owner, p.Frames()),
	}
	return p.ledger
}

// Ledger returns the ownership ledger, nil when disabled.
func (p *FramePool) Ledger() *Ledger { return p.ledger }

// Transfer records that frame a moved from one owner to another.
// It is a no-op when the ledger is disabled.
func (p *FramePool) Transfer(a Addr, from, to Owner) {
	if p.ledger != nil {
		p.ledger.Transfer(a, from, to)
	}
}

// Owner tags which party currently holds a frame.
type Owner uint8

const (
	OwnerApp Owner = iota
	OwnerFill
	OwnerRx
	OwnerTx
	OwnerCompletion
)

func (o Owner) String() string {
	switch o {
	case OwnerApp:
		return "app"
	case OwnerFill:
		return "fill"
	case OwnerRx:
		return "rx"
	case OwnerTx:
		return "tx"
	case OwnerCompletion:
		return "completion"
	}
	return ""
}

// Ledger tracks the owner of every frame by index and records
// transitions that do not start from the expected owner.
type Ledger struct {
	lock       sync.Mutex
	frameSize  uint64
	owners     []Owner
	violations []error
}

// Transfer moves frame a from one owner to another.
func (l *Ledger) Transfer(a Addr, from, to Owner) {
	l.lock.Lock()
	defer l.lock.Unlock()
	i := a.Base / l.frameSize
	if i >= uint64(len(l.owners)) {
		l.violations = append(l.violations,
			fmt.Errorf("%w: %#x", ErrAddrOutOfPool, a.Base))
		return
	}
	if l.owners[i] != from {
		l.violations = append(l.violations, fmt.Errorf(
			"frame %d: moving %s->%s but owned by %s", i, from, to, l.owners[i]))
	}
	l.owners[i] = to
}

// Owner returns the current owner of frame a.
func (l *Ledger) Owner(a Addr) Owner {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.owners[a.Base/l.frameSize]
}

// Count returns how many frames are held by o.
func (l *Ledger) Count(o Owner) (n int) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, v := range l.owners {
		if v == o {
			n++
		}
	}
	return n
}

// Err joins all recorded violations.
func (l *Ledger) Err() error {
	l.lock.Lock()
	defer l.lock.Unlock()
	return errors.Join(l.violations...)
}
