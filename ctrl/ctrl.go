//go:build linux

// Package ctrl implements the control channel used in reduced capability
// mode: a privileged peer owns the redirect program and hands the
// xsks_map descriptor to the benchmark over a unix stream socket.
package ctrl

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"unsafe"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

const (
	// DefaultSocketPath is where the privileged peer listens.
	DefaultSocketPath = "sock_cal_bpf_fd"

	// CloseConn tells the peer the benchmark is done with the map.
	CloseConn int32 = 1
)

var (
	ErrNoData = errors.New("control message carried no data")
	ErrNoFD   = errors.New("control message carried no file descriptor")
)

// Client is the benchmark side of the control channel.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the peer listening on path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to control socket %q: %w", path, err)
	}
	return &Client{conn: c.(*net.UnixConn)}, nil
}

// RecvMapFD receives the xsks_map descriptor passed with SCM_RIGHTS.
func (c *Client) RecvMapFD() (int, error) {
	buf := make([]byte, 4)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("receiving map fd: %w", err)
	}
	if n == 0 {
		return -1, ErrNoData
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parsing control message: %w", err)
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			for _, extra := range fds[1:] {
				unix.Close(extra)
			}
			return fds[0], nil
		}
	}
	return -1, ErrNoFD
}

// RecvMap receives the xsks_map and wraps it.
func (c *Client) RecvMap() (*ebpf.Map, error) {
	fd, err := c.RecvMapFD()
	if err != nil {
		return nil, err
	}
	m, err := ebpf.NewMapFromFD(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("opening received map: %w", err)
	}
	return m, nil
}

// Close sends CloseConn and closes the connection.
func (c *Client) Close() error {
	var cmd [4]byte
	binary.NativeEndian.PutUint32(cmd[:], uint32(CloseConn))
	_, werr := c.conn.Write(cmd[:])
	if werr != nil {
		werr = fmt.Errorf("sending close: %w", werr)
	}
	return errors.Join(werr, c.conn.Close())
}

// Listen creates the peer's listening socket, replacing a stale one.
func Listen(path string) (*net.UnixListener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
}

// Serve hands fd to every client that connects to ln and waits for
// its CloseConn. It returns when ctx is canceled or ln fails.
func Serve(ctx context.Context, ln *net.UnixListener, fd int, log *slog.Logger) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		go func() {
			if err := serveConn(conn, fd); err != nil {
				log.Warn("control connection", slog.Any("err", err))
			}
		}()
	}
}

func serveConn(conn *net.UnixConn, fd int) error {
	defer conn.Close()
	var val [4]byte
	binary.NativeEndian.PutUint32(val[:], uint32(fd))
	if _, _, err := conn.WriteMsgUnix(val[:], unix.UnixRights(fd), nil); err != nil {
		return fmt.Errorf("sending fd: %w", err)
	}
	var cmd [4]byte
	for {
		if _, err := io.ReadFull(conn, cmd[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		if int32(binary.NativeEndian.Uint32(cmd[:])) == CloseConn {
			return nil
		}
	}
}

// ReduceToNetRaw drops every capability except CAP_NET_RAW from the
// effective and permitted sets of every thread of the process. It fails
// with ENOTSUP in binaries built with cgo.
func ReduceToNetRaw() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}
	data = netRawOnly(data)
	_, _, errno := syscall.AllThreadsSyscall(unix.SYS_CAPSET,
		uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return fmt.Errorf("capset: %w", errno)
	}
	return nil
}

func netRawOnly(data [2]unix.CapUserData) [2]unix.CapUserData {
	const keep = uint64(1) << unix.CAP_NET_RAW
	for i := range data {
		mask := uint32(keep >> (32 * i))
		data[i].Effective &= mask
		data[i].Permitted &= mask
	}
	return data
}
