//go:build linux

package ctrl_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/xskbench/ctrl"
)

func TestPassDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), ctrl.DefaultSocketPath)
	ln, err := ctrl.Listen(path)
	require.NoError(t, err)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- ctrl.Serve(ctx, ln, int(w.Fd()),
			slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	c, err := ctrl.Dial(ctx, path)
	require.NoError(t, err)
	fd, err := c.RecvMapFD()
	require.NoError(t, err)
	require.NotEqual(t, int(w.Fd()), fd)

	// The received descriptor refers to the same pipe.
	dup := os.NewFile(uintptr(fd), "pipe")
	_, err = dup.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, dup.Close())
	buf := make([]byte, 2)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf))

	require.NoError(t, c.Close())
	cancel()
	require.NoError(t, <-served)
}

func TestDialMissingSocket(t *testing.T) {
	_, err := ctrl.Dial(context.Background(), filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
}

func TestListenReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	ln, err := ctrl.Listen(path)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
}

func TestNetRawOnly(t *testing.T) {
	in := [2]unix.CapUserData{
		{Effective: 0xffffffff, Permitted: 0xffffffff, Inheritable: 0x5},
		{Effective: 0x1ff, Permitted: 0x1ff},
	}
	out := ctrl.NetRawOnly(in)
	require.Equal(t, uint32(1)<<unix.CAP_NET_RAW, out[0].Effective)
	require.Equal(t, uint32(1)<<unix.CAP_NET_RAW, out[0].Permitted)
	require.Equal(t, uint32(0x5), out[0].Inheritable)
	require.Zero(t, out[1].Effective)
	require.Zero(t, out[1].Permitted)

	none := ctrl.NetRawOnly([2]unix.CapUserData{})
	require.Zero(t, none[0].Effective)
}

// Keep last: it drops the capabilities of the whole test binary.
func TestReduceToNetRawAllThreads(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("needs root")
	}

	// Park goroutines on their own threads so the process has several.
	release := make(chan struct{})
	defer close(release)
	for range 4 {
		started := make(chan struct{})
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			close(started)
			<-release
		}()
		<-started
	}

	err := ctrl.ReduceToNetRaw()
	if errors.Is(err, unix.ENOTSUP) {
		t.Skip("built with cgo")
	}
	require.NoError(t, err)

	tasks, err := os.ReadDir("/proc/self/task")
	require.NoError(t, err)
	require.Greater(t, len(tasks), 1)
	for _, task := range tasks {
		eff := capEff(t, filepath.Join("/proc/self/task", task.Name(), "status"))
		require.Equal(t, uint64(1)<<unix.CAP_NET_RAW, eff, "thread %s", task.Name())
	}
}

func capEff(t *testing.T, path string) uint64 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		if v, ok := strings.CutPrefix(s.Text(), "CapEff:"); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(v), 16, 64)
			require.NoError(t, err)
			return n
		}
	}
	t.Fatalf("no CapEff in %s", path)
	return 0
}
