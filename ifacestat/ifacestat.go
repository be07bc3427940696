// Package ifacestat reads NIC driver counters: hardware interrupt counts
// from procfs/sysfs and PHY counters reported by ethtool.
package ifacestat

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

var ErrIRQNotFound = errors.New("no interrupt matches")

// RootFS is the file system IRQ lookups read from.
var RootFS fs.FS = os.DirFS("/")

// IRQ is a hardware interrupt line whose per-CPU counts are summed.
type IRQ struct {
	Number int
	Name   string
	fsys   fs.FS
}

// FindIRQ returns the first interrupt in /proc/interrupts whose line
// contains match, for example the interface or driver queue name.
func FindIRQ(fsys fs.FS, match string) (*IRQ, error) {
	f, err := fsys.Open("proc/interrupts")
	if err != nil {
		return nil, fmt.Errorf("opening interrupts: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.Contains(line, match) {
			continue
		}
		num, _, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			// Named lines like NMI or LOC.
			continue
		}
		return &IRQ{Number: n, Name: match, fsys: fsys}, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading interrupts: %w", err)
	}
	return nil, fmt.Errorf("%w %q", ErrIRQNotFound, match)
}

// Count returns the number of interrupts summed over all CPUs.
func (q *IRQ) Count() (uint64, error) {
	p := path.Join("sys/kernel/irq", strconv.Itoa(q.Number), "per_cpu_count")
	b, err := fs.ReadFile(q.fsys, p)
	if err != nil {
		return 0, fmt.Errorf("reading irq %d counts: %w", q.Number, err)
	}
	var total uint64
	for f := range strings.SplitSeq(strings.TrimSpace(string(b)), ",") {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing irq %d counts: %w", q.Number, err)
		}
		total += v
	}
	return total, nil
}

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
)

func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets_phy"
	case TxBytes:
		return "tx_bytes_phy"
	case RxPackets:
		return "rx_packets_phy"
	case RxBytes:
		return "rx_bytes_phy"
	}
	return ""
}

// PHY counter values of one interface.
type IfaceStats map[Counter]uint64

// Multi-interface PHY counters.
type Stats map[string]IfaceStats

// Snapshot runs ethtool -S on every interface.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	s := make(Stats)
	for _, iface := range ifaces {
		out, err := exec.Command("ethtool", "-S", iface).Output()
		if err != nil {
			return nil, fmt.Errorf("ethtool -S %s: %w", iface, err)
		}
		vals, err := ParseEthtool(bytes.NewReader(out), counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

// ParseEthtool extracts counters from ethtool -S output. Counters the
// driver does not report are zero.
func ParseEthtool(r io.Reader, counters []Counter) (IfaceStats, error) {
	want := make(map[string]Counter, len(counters))
	for _, c := range counters {
		want[c.String()] = c
	}

	found := make(IfaceStats, len(counters))
	for _, c := range counters {
		found[c] = 0
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		ctr, ok := want[key]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", key, err)
		}
		found[ctr] = v
	}
	return found, sc.Err()
}

// Print writes one block per interface in name order.
func Print(w io.Writer, s Stats) {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]
		fmt.Fprintf(w, "%s PHY:\n", iface)
		fmt.Fprintf(w, "  TX   %-12d  ≈ %-8s (%s)\n",
			stats[TxPackets], humanize.Bytes(stats[TxBytes]), humanize.Comma(int64(stats[TxBytes])),
		)
		fmt.Fprintf(w, "  RX   %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets], humanize.Bytes(stats[RxBytes]), humanize.Comma(int64(stats[RxBytes])),
		)
	}
}
