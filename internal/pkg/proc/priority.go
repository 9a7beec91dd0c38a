// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package proc

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/sylog"
)

const (
	lowPriorityNice    = 10
	mediumPriorityNice = 0
	highPriorityNice   = -10

	minRTPriority = 1
	maxRTPriority = 32
)

// SetProcPriority maps a priority string ("idle", "low", "medium",
// "high", or "rtN") to a scheduling policy and nice level and applies it
// to pid, from the parent, while the child is still blocked on its sync
// pipe (spec §4.2, adapted from SetProcPriority/SetSchedulingPriority in
// proc.c). An unrecognized string falls back to "medium" with a logged
// warning rather than failing the start.
func SetProcPriority(priority string, pid int) error {
	policy := unix.SCHED_OTHER
	nice := mediumPriorityNice
	var rtPriority int

	switch {
	case priority == "" || priority == "medium":
		// defaults already set
	case priority == "idle":
		policy = unix.SCHED_IDLE
	case priority == "low":
		nice = lowPriorityNice
	case priority == "high":
		nice = highPriorityNice
	case strings.HasPrefix(priority, "rt"):
		level, err := strconv.Atoi(strings.TrimPrefix(priority, "rt"))
		if err != nil || level < minRTPriority || level > maxRTPriority {
			sylog.Warningf("unrecognized priority level %q for pid %d, using default priority", priority, pid)
			break
		}
		policy = unix.SCHED_RR
		rtPriority = level
		// Lift the nice-limit rlimit to infinity so a later niceness
		// change is not blocked by the default RLIMIT_NICE ceiling.
		if err := unix.Prlimit(pid, unix.RLIMIT_NICE, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}, nil); err != nil {
			sylog.Errorf("could not lift nice-limit rlimit for pid %d: %v", pid, err)
		}
	default:
		sylog.Warningf("unrecognized priority level %q for pid %d, using default priority", priority, pid)
	}

	if err := unix.SchedSetscheduler(pid, policy, &unix.SchedParam{Priority: int32(rtPriority)}); err != nil {
		return fmt.Errorf("while setting scheduling policy for pid %d: %w", pid, err)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, pid, nice); err != nil {
		return fmt.Errorf("while setting nice level for pid %d: %w", pid, err)
	}
	return nil
}
