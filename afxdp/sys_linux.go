//go:build linux

package afxdp

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/unix"
)

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

// getsockopt returns the option length reported by the kernel.
func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) (uintptr, error) {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return 0, e
	}
	return uintptr(l), nil
}

func setRingSize(fd, opt int, size uint32) error {
	return setsockopt(fd, unix.SOL_XDP, opt, unsafe.Pointer(&size), unsafe.Sizeof(size))
}

// mmapRegion maps one of the RX/TX/FQ/CQ rings of an AF_XDP socket.
func mmapRegion(fd int, length uintptr, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE,
	)
}

// mmapUmem maps an anonymous region for the UMEM. Hugepages are
// requested first when asked for, falling back to regular pages.
func mmapUmem(length int, hugepages bool) ([]byte, error) {
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	const prot = unix.PROT_READ | unix.PROT_WRITE
	if hugepages {
		b, err := unix.Mmap(-1, 0, length, prot, flags|unix.MAP_HUGETLB|unix.MAP_HUGE_2MB)
		if err == nil {
			return b, nil
		}
	}
	return unix.Mmap(-1, 0, length, prot, flags)
}

// kickError filters out errors that only indicate a busy or
// temporarily unavailable driver.
func kickError(err error) error {
	switch {
	case err == nil,
		errors.Is(err, unix.ENOBUFS),
		errors.Is(err, unix.EAGAIN),
		errors.Is(err, unix.EBUSY),
		errors.Is(err, unix.ENETDOWN):
		return nil
	}
	return err
}
