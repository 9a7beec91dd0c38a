// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package proc

import (
	"encoding/gob"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/policy"
)

// ExecHelperArg is the hidden subcommand cmd/supervisord dispatches to
// RunExecHelper before any normal CLI parsing, so the re-exec in
// Process.Start lands back here instead of in the daemon's main loop.
const ExecHelperArg = "__proc_exec_helper"

const execHelperArg = ExecHelperArg

// helperSpec is sent to the helper process over the spec pipe (fd 4); it
// carries everything that must be applied in the child after fork but
// before the final exec.
type helperSpec struct {
	Target   []string
	MACLabel string
	Rlimits  Rlimits
	Debug    bool
	// HasUserBlock reports whether a second, "user-block" pipe was passed
	// as fd 5: a block-callback installed on the Process gates when the
	// controller closes it, so the child blocks there a second time after
	// its scheduling priority and cgroup membership are set (spec §4.3).
	HasUserBlock bool
}

// RunExecHelper is the entry point cmd/supervisord calls when os.Args[1]
// == execHelperArg. It decodes the launch spec from fd 4, blocks on fd 3
// (the sync pipe) exactly like BlockOnPipe in proc.c, optionally blocks a
// second time on fd 5 (the user-block pipe) until the controller releases
// it, then applies the MAC exec label, the umask and the resource limits
// and execs the target — replacing this process image, so nothing here
// returns on success.
func RunExecHelper(labeler policy.Labeler) error {
	syncFile := os.NewFile(3, "sync-pipe")
	specFile := os.NewFile(4, "spec-pipe")
	if syncFile == nil || specFile == nil {
		return fmt.Errorf("exec helper invoked without the expected sync/spec file descriptors")
	}

	var spec helperSpec
	if err := gob.NewDecoder(specFile).Decode(&spec); err != nil {
		return fmt.Errorf("while decoding launch spec: %w", err)
	}
	specFile.Close()

	// Block until the parent closes its end of the sync pipe, meaning it
	// has finished setting our scheduling priority and cgroup membership
	// while we are quiescent (proc.c's BlockOnPipe).
	blockOnPipe(syncFile)

	if spec.HasUserBlock {
		userFile := os.NewFile(5, "user-block-pipe")
		if userFile != nil {
			blockOnPipe(userFile)
		}
	}

	if spec.MACLabel != "" {
		if err := labeler.SetExecLabel(spec.MACLabel); err != nil {
			return fmt.Errorf("while setting exec label %q: %w", spec.MACLabel, err)
		}
	}

	unix.Umask(0o077)

	for resource, lim := range spec.Rlimits {
		if err := unix.Setrlimit(resource, &lim); err != nil {
			return fmt.Errorf("while setting rlimit %d: %w", resource, err)
		}
	}

	if spec.Debug {
		if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
			return fmt.Errorf("while raising SIGSTOP for debugger attach: %w", err)
		}
	}

	if len(spec.Target) == 0 {
		return fmt.Errorf("launch spec has no target command")
	}
	// syscall.Exec, unlike execvp, requires a resolved path.
	argv0, err := exec.LookPath(spec.Target[0])
	if err != nil {
		return fmt.Errorf("while resolving %s: %w", spec.Target[0], err)
	}

	return syscall.Exec(argv0, spec.Target, os.Environ())
}

// blockOnPipe reads f until EOF (or error), i.e. until the writing end is
// closed by the parent, then closes f.
func blockOnPipe(f *os.File) {
	var buf [1]byte
	for {
		n, err := f.Read(buf[:])
		if n == 0 || err != nil {
			break
		}
	}
	f.Close()
}
