// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package app

import (
	"context"
	"fmt"
	"syscall"
	"testing"

	"github.com/legatoproject/supervisor/internal/pkg/proc"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// newTestApp builds an App without touching the real freezer cgroup
// hierarchy, for tests that only exercise the SIGCHLD/watchdog routing
// logic (which doesn't require a live cgroup or launched process).
func newTestApp(t *testing.T) *App {
	t.Helper()
	return &App{
		Name:      "testapp",
		byPid:     make(map[int]*procEntry),
		auxByName: make(map[string]*procEntry),
		state:     StateRunning,
	}
}

func exitStatusAsWaitStatus(code int) syscall.WaitStatus {
	return syscall.WaitStatus(code << 8)
}

func TestSigChildHandlerIgnoresUnknownPid(t *testing.T) {
	a := newTestApp(t)
	action := a.SigChildHandler(12345, exitStatusAsWaitStatus(0))
	if action != appconf.FaultIgnore {
		t.Fatalf("expected FaultIgnore for an unregistered pid, got %v", action)
	}
}

func TestSigChildHandlerPropagatesAppLevelFaultAction(t *testing.T) {
	a := newTestApp(t)
	p := proc.Create(proc.Spec{Name: "proc1", FaultAction: appconf.FaultStopApp})
	pe := &procEntry{process: p, faultAction: appconf.FaultStopApp}
	a.procs = []*procEntry{pe}
	a.byPid[999] = pe

	action := a.SigChildHandler(999, exitStatusAsWaitStatus(1))
	if action != appconf.FaultStopApp {
		t.Fatalf("expected FaultStopApp to propagate unchanged, got %v", action)
	}
	if _, stillTracked := a.byPid[999]; stillTracked {
		t.Fatalf("expected pid to be removed from byPid once handled")
	}
}

func TestSigChildHandlerRestartProcEscalatesToStopAppWhenRestartFails(t *testing.T) {
	a := newTestApp(t)
	// proc.Process.Start fails immediately when no Args are configured,
	// which stands in here for "the restart itself failed" without
	// actually forking a child process.
	p := proc.Create(proc.Spec{Name: "proc1", FaultAction: appconf.FaultRestartProc})
	pe := &procEntry{process: p, faultAction: appconf.FaultRestartProc}
	a.procs = []*procEntry{pe}
	a.byPid[999] = pe

	action := a.SigChildHandler(999, exitStatusAsWaitStatus(1))
	if action != appconf.FaultStopApp {
		t.Fatalf("expected FaultStopApp when the in-place restart fails, got %v", action)
	}
	if _, stillTracked := a.byPid[999]; stillTracked {
		t.Fatalf("expected pid to be removed from byPid once handled")
	}
}

func TestSigChildHandlerRunsStopHandlerOnCleanExit(t *testing.T) {
	a := newTestApp(t)
	p := proc.Create(proc.Spec{Name: "proc1", FaultAction: appconf.FaultIgnore})
	called := false
	pe := &procEntry{
		process: p,
		stopHandler: func(ctx context.Context) error {
			called = true
			return nil
		},
	}
	a.procs = []*procEntry{pe}
	a.byPid[1] = pe

	// cmdKill was never set, so a zero exit status classifies as
	// FaultIgnore, which is when the stop handler (the watchdog-restart
	// path) should run.
	action := a.SigChildHandler(1, exitStatusAsWaitStatus(0))
	if action != appconf.FaultIgnore {
		t.Fatalf("expected FaultIgnore, got %v", action)
	}
	if !called {
		t.Fatalf("expected stop handler to run on clean exit")
	}
	if pe.stopHandler != nil {
		t.Fatalf("expected stop handler to be cleared after running once")
	}
}

func TestSigChildHandlerStopHandlerFailureStopsApp(t *testing.T) {
	a := newTestApp(t)
	p := proc.Create(proc.Spec{Name: "proc1", FaultAction: appconf.FaultIgnore})
	pe := &procEntry{
		process: p,
		stopHandler: func(ctx context.Context) error {
			return errStopHandlerFailed
		},
	}
	a.procs = []*procEntry{pe}
	a.byPid[1] = pe

	action := a.SigChildHandler(1, exitStatusAsWaitStatus(0))
	if action != appconf.FaultStopApp {
		t.Fatalf("expected FaultStopApp when the watchdog restart fails, got %v", action)
	}
}

func TestWatchdogTimeoutHandlerEscalatesAppLevelActions(t *testing.T) {
	a := newTestApp(t)
	p := proc.Create(proc.Spec{Name: "proc1"})
	pe := &procEntry{process: p, watchdog: appconf.WatchdogRestartApp}
	a.procs = []*procEntry{pe}
	a.byPid[1] = pe

	action := a.WatchdogTimeoutHandler(context.Background(), 1)
	if action != appconf.WatchdogRestartApp {
		t.Fatalf("expected the app-level action to pass through unhandled, got %v", action)
	}
}

func TestWatchdogTimeoutHandlerUnknownPid(t *testing.T) {
	a := newTestApp(t)
	if action := a.WatchdogTimeoutHandler(context.Background(), 42); action != appconf.WatchdogError {
		t.Fatalf("expected WatchdogError for an unregistered pid, got %v", action)
	}
}

var errStopHandlerFailed = errStr("stop handler failed")

type errStr string

func (e errStr) Error() string { return string(e) }

func TestNextAuxiliaryNameStartsAtZero(t *testing.T) {
	a := newTestApp(t)
	name, err := a.nextAuxiliaryName("helper")
	if err != nil {
		t.Fatalf("nextAuxiliaryName: %v", err)
	}
	if name != "helper@00" {
		t.Fatalf("expected helper@00, got %s", name)
	}
}

func TestNextAuxiliaryNameSkipsTaken(t *testing.T) {
	a := newTestApp(t)
	a.auxByName["helper@00"] = &procEntry{}
	a.auxByName["helper@01"] = &procEntry{}

	name, err := a.nextAuxiliaryName("helper")
	if err != nil {
		t.Fatalf("nextAuxiliaryName: %v", err)
	}
	if name != "helper@02" {
		t.Fatalf("expected helper@02, got %s", name)
	}
}

func TestNextAuxiliaryNameOverflows(t *testing.T) {
	a := newTestApp(t)
	for n := 0; n < maxAuxiliaryProcs; n++ {
		name := fmt.Sprintf("helper@%02d", n)
		a.auxByName[name] = &procEntry{}
	}
	if _, err := a.nextAuxiliaryName("helper"); err == nil {
		t.Fatalf("expected nextAuxiliaryName to overflow once %d names are taken", maxAuxiliaryProcs)
	}
}

func TestCreateAuxProcessThenDelete(t *testing.T) {
	a := newTestApp(t)
	name, err := a.CreateAuxProcess("helper", []string{"/bin/helper"})
	if err != nil {
		t.Fatalf("CreateAuxProcess: %v", err)
	}
	if name != "helper@00" {
		t.Fatalf("expected helper@00, got %s", name)
	}
	if _, ok := a.auxByName[name]; !ok {
		t.Fatalf("expected %s to be registered", name)
	}

	if err := a.DeleteAuxProcess(name); err != nil {
		t.Fatalf("DeleteAuxProcess: %v", err)
	}
	if _, ok := a.auxByName[name]; ok {
		t.Fatalf("expected %s to be removed after DeleteAuxProcess", name)
	}
}

func TestDeleteAuxProcessUnknownName(t *testing.T) {
	a := newTestApp(t)
	if err := a.DeleteAuxProcess("nope@00"); err == nil {
		t.Fatalf("expected DeleteAuxProcess to fail for an unknown name")
	}
}

func TestConfigureAuxProcessAppliesOverrides(t *testing.T) {
	a := newTestApp(t)
	name, err := a.CreateAuxProcess("helper", []string{"/bin/helper"})
	if err != nil {
		t.Fatalf("CreateAuxProcess: %v", err)
	}

	err = a.ConfigureAuxProcess(name, AuxProcessConfig{
		Argv:        []string{"/bin/helper", "--flag"},
		FaultAction: appconf.FaultStopApp,
		RunFlag:     true,
	})
	if err != nil {
		t.Fatalf("ConfigureAuxProcess: %v", err)
	}

	pe := a.auxByName[name]
	if pe.faultAction != appconf.FaultStopApp {
		t.Fatalf("expected faultAction to be mirrored onto the procEntry")
	}
}

func TestAllProcsIncludesAuxiliary(t *testing.T) {
	a := newTestApp(t)
	a.procs = []*procEntry{{process: proc.Create(proc.Spec{Name: "main"})}}
	name, err := a.CreateAuxProcess("helper", []string{"/bin/helper"})
	if err != nil {
		t.Fatalf("CreateAuxProcess: %v", err)
	}

	all := a.allProcs()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries from allProcs, got %d", len(all))
	}
	found := false
	for _, pe := range all {
		if pe.process.Name() == name {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected auxiliary process %s to be included in allProcs", name)
	}
}
