//go:build linux

package main

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/xskbench/afxdp"
	"github.com/romshark/xskbench/afxdp/afxdptest"
	"github.com/romshark/xskbench/bench"
	"github.com/romshark/xskbench/config"
)

func TestTeardownRunsInReverse(t *testing.T) {
	var logs bytes.Buffer
	td := &teardown{log: slog.New(slog.NewTextHandler(&logs, nil))}
	var order []int
	for i := range 3 {
		td.push(func() error {
			order = append(order, i)
			if i == 1 {
				return errors.New("busy")
			}
			return nil
		})
	}
	td.run()
	require.Equal(t, []int{2, 1, 0}, order)
	require.Contains(t, logs.String(), "busy")

	td.run()
	require.Len(t, order, 3)
}

func TestModeLabel(t *testing.T) {
	env, err := afxdptest.New(afxdptest.Options{Topology: afxdp.SingleShared{}, Channels: 1})
	require.NoError(t, err)

	conf, err := config.Load("xdpsock", []string{"-i", "eth0", "-xdp-mode", "skb"}, nil)
	require.NoError(t, err)
	require.Equal(t, "xdp-skb copy", modeLabel(conf, env.Channels))

	zc, err := afxdptest.New(afxdptest.Options{
		Topology: afxdp.SingleShared{},
		Channels: 1,
		Zerocopy: true,
	})
	require.NoError(t, err)
	conf, err = config.Load("xdpsock", []string{"-i", "eth0"}, nil)
	require.NoError(t, err)
	require.Equal(t, "xdp-drv zero-copy", modeLabel(conf, zc.Channels))
}

func TestSetInspectCoversEveryEngine(t *testing.T) {
	env, err := afxdptest.New(afxdptest.Options{})
	require.NoError(t, err)
	rt := bench.NewRuntime(env.Pool, env.Channels, bench.Options{Batch: 8}, slog.New(slog.DiscardHandler))
	tpl, err := bench.BuildTemplate(bench.DefaultPacketSpec())
	require.NoError(t, err)
	fn := func(*afxdp.Channel, []byte) {}

	rx := bench.NewRxDrop(rt)
	setInspect(rx, fn)
	require.NotNil(t, rx.Inspect)

	fwd := bench.NewL2Fwd(rt)
	setInspect(fwd, fn)
	require.NotNil(t, fwd.Inspect)

	tx, err := bench.NewTxOnly(rt, tpl)
	require.NoError(t, err)
	setInspect(tx, fn)
	require.NotNil(t, tx.Inspect)
}
