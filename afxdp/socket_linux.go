//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BindMode selects how the socket is bound to the driver.
type BindMode uint8

const (
	// BindAuto lets the kernel choose, preferring zero-copy.
	BindAuto BindMode = iota
	BindCopy
	BindZerocopy
)

func (m BindMode) String() string {
	switch m {
	case BindAuto:
		return "auto"
	case BindCopy:
		return "copy"
	case BindZerocopy:
		return "zerocopy"
	}
	return ""
}

// ParseBindMode resolves a bind mode by name.
func ParseBindMode(s string) (BindMode, error) {
	switch s {
	case "auto", "":
		return BindAuto, nil
	case "copy":
		return BindCopy, nil
	case "zerocopy":
		return BindZerocopy, nil
	}
	return 0, fmt.Errorf("unknown bind mode %q", s)
}

const (
	soPreferBusyPoll     = 69 // SO_PREFER_BUSY_POLL
	soBusyPollBudget     = 70 // SO_BUSY_POLL_BUDGET
	defaultBusyPollUsecs = 20
)

type SocketConfig struct {
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// TxSize sets the number of descriptors in the TX ring.
	TxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// CompSize sets the number of entries in the completion ring.
	CompSize uint32
	// Bind selects copy or zero-copy binding.
	Bind BindMode
	// NeedWakeup makes the driver sleep until kicked.
	NeedWakeup bool
	// BusyPoll enables preferred busy polling with BusyPollBudget.
	BusyPoll       bool
	BusyPollBudget uint32
	// FillFrames is the number of frames handed to the fill ring before
	// binding. Zero leaves the fill ring empty.
	FillFrames uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultFillRingSize
	}
	if c.CompSize == 0 {
		c.CompSize = DefaultCompletionRingSize
	}
	if c.BusyPollBudget == 0 {
		c.BusyPollBudget = DefaultBatchSize
	}
	for _, s := range [...]uint32{c.RxSize, c.TxSize, c.FillSize, c.CompSize} {
		if !isPow2(s) {
			return ErrRingSize
		}
	}
	return nil
}

// xskEndpoint is a bound AF_XDP socket and the ring regions mapped from it.
type xskEndpoint struct {
	fd      int
	regions [][]byte
}

var _ Endpoint = (*xskEndpoint)(nil)

var zeroBuf []byte

func (e *xskEndpoint) FD() int { return e.fd }

// Kick issues a zero-length sendto which AF_XDP treats as a TX doorbell.
func (e *xskEndpoint) Kick() error {
	return kickError(unix.Sendto(e.fd, zeroBuf, unix.MSG_DONTWAIT, nil))
}

// WakeRx issues a zero-length recvfrom which makes the driver consume
// the fill ring.
func (e *xskEndpoint) WakeRx() {
	_, _, _ = unix.Recvfrom(e.fd, zeroBuf, unix.MSG_DONTWAIT)
}

func (e *xskEndpoint) Statistics() (Statistics, error) {
	var s xdp_statistics
	n, err := getsockopt(e.fd, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&s), unsafe.Sizeof(s))
	if err != nil {
		return Statistics{}, fmt.Errorf("getsockopt XDP_STATISTICS: %w", err)
	}
	if n != unsafe.Sizeof(s) {
		return Statistics{}, fmt.Errorf(
			"getsockopt XDP_STATISTICS: kernel returned %d bytes: %w", n, unix.EINVAL)
	}
	return Statistics(s), nil
}

func (e *xskEndpoint) Close() error {
	var errs []error
	for _, r := range e.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	e.regions = nil
	if e.fd >= 0 {
		if err := unix.Close(e.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		e.fd = -1
	}
	return errors.Join(errs...)
}

func (e *xskEndpoint) mapRing(length uintptr, pgoff int64) ([]byte, error) {
	r, err := mmapRegion(e.fd, length, pgoff)
	if err != nil {
		return nil, err
	}
	e.regions = append(e.regions, r)
	return r, nil
}

// isZerocopy queries XDP_OPTIONS for the mode the kernel actually chose.
func (e *xskEndpoint) isZerocopy() (bool, error) {
	var o xdp_options
	if _, err := getsockopt(e.fd, unix.SOL_XDP, xdpOptionsOpt,
		unsafe.Pointer(&o), unsafe.Sizeof(o)); err != nil {
		return false, err
	}
	return o.Flags&xdpOptionsZerocopy != 0, nil
}

// openChannel creates an AF_XDP socket for channel index of pool, maps
// its rings, pre-populates the fill ring it is responsible for and binds
// it to ifindex:queue. The first socket registers the UMEM; the others
// share it.
func openChannel(
	pool *FramePool, ifindex int, baseQueue, index uint32, conf SocketConfig,
) (ch *Channel, err error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	ep := &xskEndpoint{fd: fd}
	defer func() {
		if err != nil {
			_ = ep.Close()
		}
	}()

	registerUmem := pool.ownerFD < 0
	ownRings := registerUmem || pool.topo.PrivateRings()

	if registerUmem {
		reg := xdp_umem_reg{
			Addr:      uint64(uintptr(unsafe.Pointer(&pool.mem[0]))),
			Len:       uint64(len(pool.mem)),
			ChunkSize: pool.conf.FrameSize,
			Headroom:  pool.conf.Headroom,
		}
		if pool.conf.Unaligned {
			reg.Flags = xdpUmemUnalignedChunkFlag
		}
		if err := setsockopt(
			fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
			unsafe.Pointer(&reg), unsafe.Sizeof(reg),
		); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
		}
	}

	if ownRings {
		if err := setRingSize(fd, unix.XDP_UMEM_FILL_RING, conf.FillSize); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
		}
		if err := setRingSize(fd, unix.XDP_UMEM_COMPLETION_RING, conf.CompSize); err != nil {
			return nil, fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
		}
	}
	if err := setRingSize(fd, unix.XDP_RX_RING, conf.RxSize); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
	}
	if err := setRingSize(fd, unix.XDP_TX_RING, conf.TxSize); err != nil {
		return nil, fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
	}

	var offs xdp_mmap_offsets
	if _, err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	var rings Rings
	descSize := unsafe.Sizeof(Desc{})
	addrSize := unsafe.Sizeof(uint64(0))

	if ownRings {
		fqRegion, err := ep.mapRing(
			uintptr(offs.Fr.Desc)+uintptr(conf.FillSize)*addrSize,
			unix.XDP_UMEM_PGOFF_FILL_RING)
		if err != nil {
			return nil, fmt.Errorf("mmap FQ ring: %w", err)
		}
		if rings.Fill, err = mapRing[uint64](fqRegion, offs.Fr, conf.FillSize, Producer); err != nil {
			return nil, fmt.Errorf("making FQ ring: %w", err)
		}
		cqRegion, err := ep.mapRing(
			uintptr(offs.Cr.Desc)+uintptr(conf.CompSize)*addrSize,
			unix.XDP_UMEM_PGOFF_COMPLETION_RING)
		if err != nil {
			return nil, fmt.Errorf("mmap CQ ring: %w", err)
		}
		if rings.Comp, err = mapRing[uint64](cqRegion, offs.Cr, conf.CompSize, Consumer); err != nil {
			return nil, fmt.Errorf("making CQ ring: %w", err)
		}
	}

	rxRegion, err := ep.mapRing(
		uintptr(offs.Rx.Desc)+uintptr(conf.RxSize)*descSize, unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return nil, fmt.Errorf("mmap RX ring: %w", err)
	}
	if rings.RX, err = mapRing[Desc](rxRegion, offs.Rx, conf.RxSize, Consumer); err != nil {
		return nil, fmt.Errorf("making RX ring: %w", err)
	}
	txRegion, err := ep.mapRing(
		uintptr(offs.Tx.Desc)+uintptr(conf.TxSize)*descSize, unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return nil, fmt.Errorf("mmap TX ring: %w", err)
	}
	if rings.TX, err = mapRing[Desc](txRegion, offs.Tx, conf.TxSize, Producer); err != nil {
		return nil, fmt.Errorf("making TX ring: %w", err)
	}

	queue := pool.topo.QueueID(baseQueue, index)
	ch, err = NewChannel(pool, index, queue, rings, ep, false)
	if err != nil {
		return nil, err
	}

	if conf.FillFrames > 0 && ch.OwnsFill() {
		if err := ch.Populate(conf.FillFrames); err != nil {
			return nil, fmt.Errorf("populating fill ring: %w", err)
		}
	}

	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(ifindex),
		QueueID: queue,
	}
	if !registerUmem {
		sa.Flags |= unix.XDP_SHARED_UMEM
		sa.SharedUmemFD = uint32(pool.ownerFD)
	}
	if conf.NeedWakeup {
		sa.Flags |= unix.XDP_USE_NEED_WAKEUP
	}
	switch conf.Bind {
	case BindCopy:
		sa.Flags |= unix.XDP_COPY
	case BindZerocopy:
		sa.Flags |= unix.XDP_ZEROCOPY
	}

	err = rawBind(fd, sa)
	if err != nil && conf.Bind == BindAuto &&
		(errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP)) {
		// Zero-copy not supported for this queue, fall back to copy mode.
		sa.Flags |= unix.XDP_COPY
		err = rawBind(fd, sa)
	}
	if err != nil {
		return nil, fmt.Errorf("binding socket to queue %d: %w", queue, err)
	}

	if ch.zerocopy, err = ep.isZerocopy(); err != nil {
		ch.zerocopy = conf.Bind == BindZerocopy
	}

	if conf.BusyPoll {
		if err := setBusyPoll(fd, conf.BusyPollBudget); err != nil {
			return nil, err
		}
	}

	if registerUmem {
		pool.ownerFD = fd
	}
	return ch, nil
}

// setBusyPoll enables preferred busy polling on the socket.
func setBusyPoll(fd int, budget uint32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, soPreferBusyPoll, 1); err != nil {
		return fmt.Errorf("setsockopt SO_PREFER_BUSY_POLL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BUSY_POLL, defaultBusyPollUsecs); err != nil {
		return fmt.Errorf("setsockopt SO_BUSY_POLL: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, soBusyPollBudget, int(budget)); err != nil {
		return fmt.Errorf("setsockopt SO_BUSY_POLL_BUDGET: %w", err)
	}
	return nil
}
