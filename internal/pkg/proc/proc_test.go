// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package proc

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/legatoproject/supervisor/pkg/appconf"
)

// exitStatus builds a syscall.WaitStatus for a normal exit, via the
// standard trick of encoding it the way the kernel would and decoding
// with the platform's WaitStatus accessors.
func exitStatus(t *testing.T, code int) syscall.WaitStatus {
	t.Helper()
	return syscall.WaitStatus(code << 8)
}

func TestSigChildHandlerIgnoresCleanExit(t *testing.T) {
	p := Create(Spec{Name: "proc1", FaultAction: appconf.FaultRestartProc})
	action := p.SigChildHandler(exitStatus(t, 0))
	if action != appconf.FaultIgnore {
		t.Fatalf("expected FaultIgnore for a clean exit, got %v", action)
	}
	if p.State() != StateStopped {
		t.Fatalf("expected process to be marked stopped")
	}
}

func TestSigChildHandlerAppliesConfiguredFaultAction(t *testing.T) {
	p := Create(Spec{Name: "proc1", FaultAction: appconf.FaultRestartProc})
	action := p.SigChildHandler(exitStatus(t, 1))
	if action != appconf.FaultRestartProc {
		t.Fatalf("expected FaultRestartProc, got %v", action)
	}
}

func TestSigChildHandlerEscalatesOnRepeatedFaultWithinWindow(t *testing.T) {
	p := Create(Spec{Name: "proc1", FaultAction: appconf.FaultRestartProc})

	first := p.SigChildHandler(exitStatus(t, 1))
	if first != appconf.FaultRestartProc {
		t.Fatalf("expected first fault to apply FaultRestartProc, got %v", first)
	}

	// A second fault arriving immediately (well within the 10s window)
	// must escalate restart-proc to restart-app.
	second := p.SigChildHandler(exitStatus(t, 1))
	if second != appconf.FaultRestartApp {
		t.Fatalf("expected escalation to FaultRestartApp on repeated fault, got %v", second)
	}
}

func TestSigChildHandlerIgnoresCmdKillExit(t *testing.T) {
	p := Create(Spec{Name: "proc1", FaultAction: appconf.FaultStopApp})
	p.Stopping()
	action := p.SigChildHandler(exitStatus(t, 1))
	if action != appconf.FaultIgnore {
		t.Fatalf("expected a supervisor-initiated stop to be ignored as a fault, got %v", action)
	}
	if p.cmdKill {
		t.Fatalf("expected cmdKill to be reset after being consumed")
	}
}

func TestSigChildHandlerStopAppNeverEscalates(t *testing.T) {
	p := Create(Spec{Name: "proc1", FaultAction: appconf.FaultStopApp})

	first := p.SigChildHandler(exitStatus(t, 1))
	second := p.SigChildHandler(exitStatus(t, 1))
	if first != appconf.FaultStopApp || second != appconf.FaultStopApp {
		t.Fatalf("expected FaultStopApp to pass through unescalated on repeat faults, got %v then %v", first, second)
	}
}

func TestIsRealtime(t *testing.T) {
	p := Create(Spec{Name: "proc1", Priority: "rt10"})
	if !p.IsRealtime() {
		t.Fatalf("expected priority %q to be realtime", p.spec.Priority)
	}
	p.SetPriority("medium")
	if p.IsRealtime() {
		t.Fatalf("expected priority %q not to be realtime", p.spec.Priority)
	}
}

func TestStartRejectsDisabledRunFlag(t *testing.T) {
	p := Create(Spec{Name: "proc1", Args: []string{"/bin/true"}})
	p.SetRunFlag(false)
	if err := p.Start(context.Background(), noopLabeler{}); err == nil {
		t.Fatalf("expected Start to reject a process with its run flag disabled")
	}
}

func TestStartRejectsDeletedProcess(t *testing.T) {
	p := Create(Spec{Name: "proc1", Args: []string{"/bin/true"}})
	if err := p.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := p.Start(context.Background(), noopLabeler{}); err == nil {
		t.Fatalf("expected Start to reject a deleted process")
	}
}

func TestDeleteRejectsRunningProcess(t *testing.T) {
	p := Create(Spec{Name: "proc1"})
	p.state = StateRunning
	if err := p.Delete(); err == nil {
		t.Fatalf("expected Delete to reject a still-running process")
	}
}

func TestReleaseRunsBlockCallbackBeforeClosingPipe(t *testing.T) {
	p := Create(Spec{Name: "proc1"})
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("while creating pipe: %v", err)
	}
	defer r.Close()
	p.userBlockWrite = w

	called := false
	p.SetBlockCallback(func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !called {
		t.Fatalf("expected block callback to run before the pipe was closed")
	}
	if p.userBlockWrite != nil {
		t.Fatalf("expected userBlockWrite to be cleared after Release")
	}
}

func TestReleaseIsNoOpWithoutUserBlockPipe(t *testing.T) {
	p := Create(Spec{Name: "proc1"})
	called := false
	p.SetBlockCallback(func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := p.Release(context.Background()); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if called {
		t.Fatalf("expected block callback not to run when the process was never started with a user-block pipe")
	}
}

type noopLabeler struct{}

func (noopLabeler) Enabled() bool                     { return false }
func (noopLabeler) SetExecLabel(string) error         { return nil }
func (noopLabeler) SetFileLabel(string, string) error { return nil }
func (noopLabeler) FileLabel(string) (string, error)  { return "", nil }
