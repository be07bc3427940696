//go:build linux

package cyclic

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Scheduling policies of sched_setattr(2).
const (
	PolicyOther uint32 = 0
	PolicyFIFO  uint32 = 1
)

// PolicyByName resolves "OTHER" or "FIFO", ignoring case.
func PolicyByName(name string) (uint32, error) {
	switch strings.ToUpper(name) {
	case "OTHER", "":
		return PolicyOther, nil
	case "FIFO":
		return PolicyFIFO, nil
	}
	return 0, fmt.Errorf("unknown scheduling policy %q", name)
}

// SetScheduler applies policy and priority to the calling thread.
// The caller must have locked its goroutine to the OS thread.
func SetScheduler(policy, priority uint32) error {
	attr := unix.SchedAttr{Policy: policy}
	if policy == PolicyFIFO {
		attr.Priority = priority
	}
	if err := unix.SchedSetAttr(0, &attr, 0); err != nil {
		return fmt.Errorf("sched_setattr(policy=%d, priority=%d): %w", policy, priority, err)
	}
	return nil
}
