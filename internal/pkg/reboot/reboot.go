// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package reboot provides the supervisor's only production Rebooter: a
// thin wrapper over the reboot(2) syscall, used when a fault action
// escalates to FaultReboot (internal/pkg/app) or a stuck module install
// has no other recourse (internal/pkg/kernelmodule).
package reboot

import (
	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/sylog"
)

// Syscall reboots the host via unix.Reboot(LINUX_REBOOT_CMD_RESTART).
type Syscall struct{}

// Reboot logs reason at Critical, syncs, and reboots the system. It does
// not return on success.
func (Syscall) Reboot(reason string) {
	sylog.Criticalf("rebooting system: %s", reason)
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		sylog.Fatalf("reboot(2) failed: %v", err)
	}
}
