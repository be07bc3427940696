package stats

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/xskbench/afxdp/xdp"
	"github.com/romshark/xskbench/cyclic"
)

const rowFmt = "%-18s %-14.0f %-14d\n"

// rate returns events per second between two cumulative values.
func rate(cur, prev uint64, dt time.Duration) float64 {
	if dt <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) / dt.Seconds()
}

// Print writes the report for the interval between prev and cur.
func (c *Collector) Print(w io.Writer, cur, prev Sample) {
	p := message.NewPrinter(language.English)
	dt := cur.At.Sub(prev.At)

	fmt.Fprintln(w, "----------------------------------------------------------------------")
	if cur.HasActions && prev.HasActions {
		printActions(p, w, cur, prev, dt)
	}

	for i, ch := range cur.Channels {
		var pch ChannelSample
		if i < len(prev.Channels) {
			pch = prev.Channels[i]
		}
		p.Fprintf(w, "\n sock%d@%s\n", ch.Index, c.label(ch))
		p.Fprintf(w, "%-18s %-14s %-14s %-14.2f\n", "", "pps", "pkts", dt.Seconds())
		p.Fprintf(w, rowFmt, "rx", rate(ch.RxPackets, pch.RxPackets, dt), ch.RxPackets)
		p.Fprintf(w, rowFmt, "tx", rate(ch.TxPackets, pch.TxPackets, dt), ch.TxPackets)

		if c.conf.Extra && ch.HasRing {
			r, pr := ch.Ring, pch.Ring
			p.Fprintf(w, rowFmt, "rx dropped", rate(r.RxDropped, pr.RxDropped, dt), r.RxDropped)
			p.Fprintf(w, rowFmt, "rx invalid", rate(r.RxInvalidDescs, pr.RxInvalidDescs, dt), r.RxInvalidDescs)
			p.Fprintf(w, rowFmt, "tx invalid", rate(r.TxInvalidDescs, pr.TxInvalidDescs, dt), r.TxInvalidDescs)
			p.Fprintf(w, rowFmt, "rx queue full", rate(r.RxRingFull, pr.RxRingFull, dt), r.RxRingFull)
			p.Fprintf(w, rowFmt, "fill ring empty",
				rate(r.RxFillRingEmptyDescs, pr.RxFillRingEmptyDescs, dt), r.RxFillRingEmptyDescs)
			p.Fprintf(w, rowFmt, "tx ring empty",
				rate(r.TxRingEmptyDescs, pr.TxRingEmptyDescs, dt), r.TxRingEmptyDescs)
		}
	}

	if c.conf.App {
		for i, ch := range cur.Channels {
			var pa AppCounters
			if i < len(prev.Channels) {
				pa = prev.Channels[i].App
			}
			a := ch.App
			p.Fprintf(w, "\n%-18s %-14s %-14s\n", "", "calls/s", "count")
			p.Fprintf(w, rowFmt, "rx empty polls", rate(a.RxEmptyPolls, pa.RxEmptyPolls, dt), a.RxEmptyPolls)
			p.Fprintf(w, rowFmt, "fill fail polls", rate(a.FillFailPolls, pa.FillFailPolls, dt), a.FillFailPolls)
			p.Fprintf(w, rowFmt, "copy tx sendtos", rate(a.CopyTxSendtos, pa.CopyTxSendtos, dt), a.CopyTxSendtos)
			p.Fprintf(w, rowFmt, "tx wakeup sendtos",
				rate(a.TxWakeupSendtos, pa.TxWakeupSendtos, dt), a.TxWakeupSendtos)
			p.Fprintf(w, rowFmt, "opt polls", rate(a.OptPolls, pa.OptPolls, dt), a.OptPolls)
		}
	}

	if cur.HasIRQs {
		p.Fprintf(w, "\n%-18s %-14s %-14s\n", "", "intrs/s", "count")
		p.Fprintf(w, rowFmt, "irqs", rate(cur.IRQs, prev.IRQs, dt), cur.IRQs)
	}
}

func (c *Collector) label(ch ChannelSample) string {
	s := fmt.Sprintf("%s:%d %s %s", c.conf.Iface, ch.Queue, c.conf.Bench, c.conf.Mode)
	if c.conf.Poll {
		s += " poll()"
	}
	return s
}

func printActions(p *message.Printer, w io.Writer, cur, prev Sample, dt time.Duration) {
	p.Fprintf(w, "%-12s\n", "XDP-action")
	for a := range xdp.ActionMax {
		rec, pr := cur.Actions[a], prev.Actions[a]
		bits := float64(rec.RxBytes-min(pr.RxBytes, rec.RxBytes)) * 8
		p.Fprintf(w, "%-12s %11d pkts (%10.0f pps) %11d Kbytes (%6.0f Mbits/s)\n",
			a, rec.RxPackets, rate(rec.RxPackets, pr.RxPackets, dt),
			rec.RxBytes/1000, bits/1e6/max(dt.Seconds(), 1e-9))
	}
}

// Summary writes the totals between the first sample and last.
func (c *Collector) Summary(w io.Writer, last Sample) {
	first := c.Start()
	p := message.NewPrinter(language.English)
	elapsed := last.At.Sub(first.At)

	var rx, tx, rx0, tx0 uint64
	for _, ch := range last.Channels {
		rx += ch.RxPackets
		tx += ch.TxPackets
	}
	for _, ch := range first.Channels {
		rx0 += ch.RxPackets
		tx0 += ch.TxPackets
	}

	p.Fprintf(w, "\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed.Seconds())
	p.Fprintf(w, " RX:                %d packets\n", rx)
	p.Fprintf(w, " TX:                %d packets\n", tx)
	p.Fprintf(w, " RX Avg PPS:        %.0f\n", rate(rx, rx0, elapsed))
	p.Fprintf(w, " TX Avg PPS:        %.0f\n", rate(tx, tx0, elapsed))
	if last.HasActions {
		var bytes uint64
		for _, r := range last.Actions {
			bytes += r.RxBytes
		}
		p.Fprintf(w, " XDP bytes seen:    %s\n", humanize.Bytes(bytes))
	}
}

// PrintJitter writes the cyclic transmit lateness summary.
func PrintJitter(w io.Writer, j cyclic.Jitter) {
	fmt.Fprintf(w, "\n%-18s %-10s %-10s %-10s %-10s %-10s\n",
		"", "period", "min", "ave", "max", "cycle")
	fmt.Fprintf(w, "%-18s %-10d %-10d %-10d %-10d %-10d\n",
		"Cyclic TX", j.Period.Nanoseconds(), j.Min.Nanoseconds(),
		j.Avg.Nanoseconds(), j.Max.Nanoseconds(), j.Cycles)
}
