//go:build linux

// Package xdp assembles and loads the XDP program redirecting packets
// into AF_XDP sockets. The program is built at runtime so no clang
// toolchain is needed:
//
//	key = ctx->rx_queue_index
//	action = xsks_map[key] ? bpf_redirect_map(&xsks_map, key, fallback) : fallback
//	xdp_stats_map[action] += {1, data_end - data}
//	return action
package xdp

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
)

// Action is an XDP program verdict.
type Action uint32

const (
	Aborted Action = iota
	Drop
	Pass
	TX
	Redirect

	// ActionMax is the number of verdicts tracked in xdp_stats_map.
	ActionMax
)

func (a Action) String() string {
	switch a {
	case Aborted:
		return "XDP_ABORTED"
	case Drop:
		return "XDP_DROP"
	case Pass:
		return "XDP_PASS"
	case TX:
		return "XDP_TX"
	case Redirect:
		return "XDP_REDIRECT"
	}
	return fmt.Sprintf("XDP_%d", uint32(a))
}

const (
	XsksMapName  = "xsks_map"
	StatsMapName = "xdp_stats_map"
	ProgName     = "xdp_sock_prog"
)

var (
	ErrXSKSMapNotFound     = errors.New("xsks_map not found")
	ErrXDPSockProgNotFound = errors.New("xdp_sock_prog not found")
)

// Record is one per-CPU entry of xdp_stats_map.
type Record struct {
	RxPackets uint64
	RxBytes   uint64
}

// Objects holds the loaded program and its maps.
type Objects struct {
	XdpSockProg *ebpf.Program
	XsksMap     *ebpf.Map
	StatsMap    *ebpf.Map
}

// Spec returns the collection spec for the redirect program. Packets on
// queues without a registered socket get the fallback verdict.
func Spec(maxSockets uint32, fallback Action) *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			XsksMapName: {
				Name:       XsksMapName,
				Type:       ebpf.XSKMap,
				KeySize:    4,
				ValueSize:  4,
				MaxEntries: maxSockets,
			},
			StatsMapName: {
				Name:       StatsMapName,
				Type:       ebpf.PerCPUArray,
				KeySize:    4,
				ValueSize:  16,
				MaxEntries: uint32(ActionMax),
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgName: {
				Name:         ProgName,
				Type:         ebpf.XDP,
				License:      "Dual BSD/GPL",
				Instructions: instructions(int32(fallback)),
			},
		},
	}
}

func instructions(fallback int32) asm.Instructions {
	return asm.Instructions{
		// r6 = ctx, r7 = rx_queue_index
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R7, asm.R6, 16, asm.Word),
		asm.StoreMem(asm.RFP, -4, asm.R7, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(XsksMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "fallback"),
		asm.LoadMapPtr(asm.R1, 0).WithReference(XsksMapName),
		asm.Mov.Reg(asm.R2, asm.R7),
		asm.Mov.Imm(asm.R3, fallback),
		asm.FnRedirectMap.Call(),
		asm.Mov.Reg(asm.R8, asm.R0),
		asm.Ja.Label("count"),
		asm.Mov.Imm(asm.R8, fallback).WithSymbol("fallback"),

		// r9 = data_end - data
		asm.LoadMem(asm.R2, asm.R6, 4, asm.Word).WithSymbol("count"),
		asm.LoadMem(asm.R1, asm.R6, 0, asm.Word),
		asm.Sub.Reg(asm.R2, asm.R1),
		asm.Mov.Reg(asm.R9, asm.R2),
		asm.StoreMem(asm.RFP, -8, asm.R8, asm.Word),
		asm.LoadMapPtr(asm.R1, 0).WithReference(StatsMapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "out"),
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.Add.Imm(asm.R1, 1),
		asm.StoreMem(asm.R0, 0, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R0, 8, asm.DWord),
		asm.Add.Reg(asm.R1, asm.R9),
		asm.StoreMem(asm.R0, 8, asm.R1, asm.DWord),

		asm.Mov.Reg(asm.R0, asm.R8).WithSymbol("out"),
		asm.Return(),
	}
}

// Load loads the redirect program and its maps into the kernel.
func Load(maxSockets uint32, fallback Action) (*Objects, error) {
	coll, err := ebpf.NewCollection(Spec(maxSockets, fallback))
	if err != nil {
		return nil, fmt.Errorf("loading collection: %w", err)
	}
	objs := &Objects{
		XdpSockProg: coll.Programs[ProgName],
		XsksMap:     coll.Maps[XsksMapName],
		StatsMap:    coll.Maps[StatsMapName],
	}
	if objs.XdpSockProg == nil {
		coll.Close()
		return nil, ErrXDPSockProgNotFound
	}
	if objs.XsksMap == nil {
		coll.Close()
		return nil, ErrXSKSMapNotFound
	}
	return objs, nil
}

// Close releases the program and maps.
func (o *Objects) Close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{o.XdpSockProg, o.XsksMap, o.StatsMap} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadStats sums xdp_stats_map across all possible CPUs for every verdict.
func (o *Objects) ReadStats() ([ActionMax]Record, error) {
	return ReadStats(o.StatsMap)
}

// ReadStats sums a per-CPU statistics map across all possible CPUs.
func ReadStats(m *ebpf.Map) (totals [ActionMax]Record, err error) {
	if m == nil {
		return totals, errors.New("stats map not loaded")
	}
	var perCPU []Record
	for a := range ActionMax {
		if err := m.Lookup(uint32(a), &perCPU); err != nil {
			return totals, fmt.Errorf("reading %s: %w", a, err)
		}
		for _, r := range perCPU {
			totals[a].RxPackets += r.RxPackets
			totals[a].RxBytes += r.RxBytes
		}
	}
	return totals, nil
}
