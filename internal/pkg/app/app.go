// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package app is the App Lifecycle Manager: it owns App objects, starts and
// stops them by driving the Sandbox Builder, Module Resolver, Policy & MAC
// Engine and Process Launcher in order, and classifies SIGCHLD/watchdog
// events for its processes into fault actions.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/legatoproject/supervisor/internal/pkg/cgroup"
	"github.com/legatoproject/supervisor/internal/pkg/kernelmodule"
	"github.com/legatoproject/supervisor/internal/pkg/policy"
	"github.com/legatoproject/supervisor/internal/pkg/proc"
	"github.com/legatoproject/supervisor/internal/pkg/sandbox"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// State is an app's lifecycle state: its sandbox (if any) exists and at
// least one of its processes is running, or neither is true
// (app_State_t, which the original reduces to exactly these two values).
type State int

const (
	StateStopped State = iota
	StateRunning
)

// killTimeout bounds how long a soft kill (SIGTERM) is given to succeed
// before HardKill (SIGKILL) is applied (app.c's KillTimeout, 1 second).
const killTimeout = 1 * time.Second

// maxAuxiliaryProcs bounds how many auxiliary processes sharing the same
// executable base name can coexist under one app (spec §3/§8: "<exe>@NN
// two-digit suffix ... capped at 32").
const maxAuxiliaryProcs = 32

// Identity is the uid/gid/supplementary-groups triple an app runs as.
// Resolving and creating the underlying OS user/groups is the
// installer's job (out of this component's scope, same as resolving
// Requires entries); the App Lifecycle Manager only consumes the
// result (CreateUserAndGroups's side effect on appPtr->uid/gid, minus
// the user-creation side effect itself).
type Identity struct {
	Uid    uint32
	Gid    uint32
	Groups []uint32
}

// Rebooter restarts the system, used when a process or watchdog fault
// action escalates to FaultReboot.
type Rebooter interface {
	Reboot(reason string)
}

// Scheduler posts a callback back onto the supervisor's single event
// loop goroutine instead of running it on the timer's own goroutine
// (spec §5 "timer-expiry channel"). When nil, the hard-kill timer calls
// its callback directly on the time.AfterFunc goroutine, which is safe
// since hardKill only touches state behind a.mu; tests that construct an
// App without a supervisor.Context rely on this fallback.
type Scheduler interface {
	PostTimer(fn func())
}

// procEntry pairs a launched process with the state app_SigChildHandler
// and app_WatchdogTimeoutHandler need beyond what *proc.Process tracks
// itself: an optional one-shot handler run in place of the normal fault
// action when the process next stops (ProcContainer_t's stopHandler,
// used by the watchdog-restart path to resume a process the watchdog
// asked to be stopped, then restarted).
type procEntry struct {
	process     *proc.Process
	stopHandler func(ctx context.Context) error
	faultAction appconf.FaultAction
	watchdog    appconf.WatchdogAction
	// auxiliary is true for a process created via the external-control
	// create/app-proc API rather than from the app's own config subtree
	// (spec §3 "owned auxiliary Processes").
	auxiliary bool
}

// AuxProcessConfig carries the Process Launcher's override setters (spec
// §4.3) exposed through the app-proc configure RPC. Zero-valued fields
// that aren't meaningful to clear (ExecPath, Argv, Priority) are left
// untouched rather than applied.
type AuxProcessConfig struct {
	ExecPath    string
	Argv        []string
	Priority    string
	FaultAction appconf.FaultAction
	Debug       bool
	RunFlag     bool
}

// App is one configured application: its identity, its sandbox
// location, and its configured processes.
type App struct {
	Name       string
	Sandboxed  bool
	Identity   Identity
	InstallDir string
	WorkingDir string

	cfg     appconf.AppConfig
	modules []string

	mu        sync.Mutex
	state     State
	procs     []*procEntry
	auxByName map[string]*procEntry
	byPid     map[int]*procEntry
	cgrp      *cgroup.Group
	killTmr   *time.Timer

	sandbox     *sandbox.Builder
	policy      *policy.Engine
	modGraph    *kernelmodule.Graph
	labeler     policy.Labeler
	rebooter    Rebooter
	scheduler   Scheduler
	helperAllow policy.HelperAllowList
}

// Deps bundles the collaborators an App needs from its supervisor.Context;
// threading them through explicitly (rather than a package-global)
// follows the "no singletons, pass a context" idiom used throughout
// this repository (see internal/pkg/supervisor.Context).
type Deps struct {
	Sandbox     *sandbox.Builder
	Policy      *policy.Engine
	Modules     *kernelmodule.Graph
	Labeler     policy.Labeler
	Rebooter    Rebooter
	Scheduler   Scheduler
	HelperAllow policy.HelperAllowList
}

// New builds an App from its configuration subtree and resolved
// identity, creating its freezer cgroup and Process objects but not yet
// starting anything (app_Create).
func New(name string, cfg appconf.AppConfig, id Identity, installDir, workingDir string, deps Deps) (*App, error) {
	grp, err := cgroup.New(name)
	if err != nil {
		return nil, fmt.Errorf("while creating cgroup for app %s: %w", name, err)
	}

	a := &App{
		Name:        name,
		Sandboxed:   cfg.Sandboxed,
		Identity:    id,
		InstallDir:  installDir,
		WorkingDir:  workingDir,
		cfg:         cfg,
		state:       StateStopped,
		auxByName:   make(map[string]*procEntry),
		byPid:       make(map[int]*procEntry),
		cgrp:        grp,
		sandbox:     deps.Sandbox,
		policy:      deps.Policy,
		modGraph:    deps.Modules,
		labeler:     deps.Labeler,
		rebooter:    deps.Rebooter,
		scheduler:   deps.Scheduler,
		helperAllow: deps.HelperAllow,
	}

	for _, rm := range cfg.Requires.KernelModules {
		a.modules = append(a.modules, rm.Name)
	}

	for procName, pc := range cfg.Procs {
		faultAction, err := appconf.ParseFaultAction(pc.FaultActionStr)
		if err != nil {
			sylog.Warningf("app %s proc %s: %v, defaulting to ignore", name, procName, err)
		}
		watchdog, err := appconf.ParseWatchdogAction(pc.WatchdogStr)
		if err != nil {
			sylog.Warningf("app %s proc %s: %v, a watchdog timeout will restart the process", name, procName, err)
		}

		p := proc.Create(proc.Spec{
			Name:        procName,
			AppName:     name,
			Args:        pc.Args,
			Env:         pc.EnvVars,
			Priority:    pc.Priority,
			FaultAction: faultAction,
			Watchdog:    watchdog,
			Sandboxed:   cfg.Sandboxed,
			WorkingDir:  workingDir,
			Uid:         id.Uid,
			Gid:         id.Gid,
			Groups:      id.Groups,
			MACLabel:    policy.SubjectLabel(name),
		})

		a.procs = append(a.procs, &procEntry{process: p, faultAction: faultAction, watchdog: watchdog})
	}

	return a, nil
}

// State reports the app's current lifecycle state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// HasTopLevelPid reports whether pid belongs to one of this app's
// directly-launched processes (app_HasTopLevelProc) — a process started
// by one of this app's processes, rather than by the Supervisor, is not
// found here.
func (a *App) HasTopLevelPid(pid int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byPid[pid]
	return ok
}

// bindingServerApps returns the named server apps this app is configured
// to bind to, for policy.InstallBindingRules.
func (a *App) bindingServerApps() []string {
	servers := make([]string, 0, len(a.cfg.Bindings))
	for _, b := range a.cfg.Bindings {
		servers = append(servers, b.App)
	}
	return servers
}

// Start materializes the app's sandbox and policy rules, loads its
// required kernel modules, and launches every configured process
// (app_Start). A kernel module load failure does not abort the start;
// like the original, it is deferred to each process's own configured
// fault action once that process would otherwise have been started.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == StateRunning {
		return fmt.Errorf("%w: app %s is already running", svcerr.Duplicate, a.Name)
	}

	sylog.Infof("starting app %s", a.Name)

	moduleLoadFailed := false
	if len(a.modules) > 0 {
		if err := a.modGraph.LoadRequired(a.modules); err != nil {
			sylog.Errorf("error installing dependent kernel modules for app %s: %v", a.Name, err)
			moduleLoadFailed = true
		}
	}

	a.state = StateRunning

	if err := a.policy.InstallDefaultRules(a.Name); err != nil {
		return fmt.Errorf("while installing policy rules for app %s: %w", a.Name, err)
	}
	if servers := a.bindingServerApps(); len(servers) > 0 {
		if err := a.policy.InstallBindingRules(a.Name, servers); err != nil {
			return fmt.Errorf("while installing binding rules for app %s: %w", a.Name, err)
		}
	}
	if err := a.policy.InstallBridgeRule(a.Name, a.helperAllow); err != nil {
		return fmt.Errorf("while installing bridge rule for app %s: %w", a.Name, err)
	}
	for _, req := range a.cfg.Requires.Dirs {
		if _, err := a.policy.AcquireSharedResource(a.Name, req.Src, req.Permission(), true); err != nil {
			return fmt.Errorf("while acquiring shared directory %s for app %s: %w", req.Src, a.Name, err)
		}
	}
	for _, req := range a.cfg.Requires.Files {
		if _, err := a.policy.AcquireSharedResource(a.Name, req.Src, req.Permission(), false); err != nil {
			return fmt.Errorf("while acquiring shared file %s for app %s: %w", req.Src, a.Name, err)
		}
	}

	var links []sandbox.Link
	if a.Sandboxed {
		if err := a.sandbox.SetupArea(a.Name); err != nil {
			return fmt.Errorf("while setting up sandbox for app %s: %w", a.Name, err)
		}
	}

	planned, err := sandbox.PlanLinks(sandbox.LinksFromConfig(a.cfg), a.InstallDir)
	if err != nil {
		return fmt.Errorf("while planning sandbox links for app %s: %w", a.Name, err)
	}
	links = planned
	for _, l := range links {
		if err := a.sandbox.ApplyLink(a.Name, l, a.Sandboxed); err != nil {
			return fmt.Errorf("while applying sandbox link %s for app %s: %w", l.Destination, a.Name, err)
		}
		if l.Kind == sandbox.KindDevice {
			full := a.sandboxPath(l.Destination)
			if err := a.policy.LabelDevice(full, l.Rdev, int(a.Identity.Uid), int(a.Identity.Gid)); err != nil {
				return fmt.Errorf("while labelling device %s for app %s: %w", full, a.Name, err)
			}
		}
	}

	for _, pe := range a.procs {
		if moduleLoadFailed {
			switch pe.faultAction {
			case appconf.FaultRestartApp:
				sylog.Criticalf("fault action is to restart app %s", a.Name)
				return fmt.Errorf("%w: kernel module dependency failed for app %s", svcerr.Terminated, a.Name)
			case appconf.FaultStopApp:
				sylog.Criticalf("fault action is to stop app %s", a.Name)
				return fmt.Errorf("%w: kernel module dependency failed for app %s", svcerr.WouldBlock, a.Name)
			case appconf.FaultReboot:
				sylog.Emergencyf("fault action is to reboot the system")
				if a.rebooter != nil {
					a.rebooter.Reboot(fmt.Sprintf("kernel module dependency failed for app %s", a.Name))
				}
				return fmt.Errorf("%w: kernel module dependency failed for app %s", svcerr.Fault, a.Name)
			default:
				sylog.Infof("proceeding with starting processes for app %s", a.Name)
			}
		}

		if err := pe.process.Start(ctx, a.labeler); err != nil {
			sylog.Errorf("could not start all processes for app %s, stopping it: %v", a.Name, err)
			a.stopLocked()
			return fmt.Errorf("%w: could not start process %s for app %s: %v", svcerr.Fault, pe.process.Name(), a.Name, err)
		}
		if err := a.cgrp.AddProc(pe.process.Pid()); err != nil {
			sylog.Errorf("could not add process %s (pid %d) to cgroup for app %s: %v", pe.process.Name(), pe.process.Pid(), a.Name, err)
		}
		a.byPid[pe.process.Pid()] = pe
	}

	return nil
}

// sandboxPath resolves destination to its absolute path under the app's
// sandbox root when sandboxed, or as-is otherwise.
func (a *App) sandboxPath(destination string) string {
	if a.Sandboxed {
		return a.sandbox.Root(a.Name) + destination
	}
	return destination
}

// Stop asynchronously stops the app: it soft-kills every process
// (freeze, SIGTERM, thaw) and arms a hard-kill timer, returning
// immediately. Callers observe the app actually reaching StateStopped
// through SigChildHandler as each process exits (app_Stop).
func (a *App) Stop(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *App) stopLocked() {
	sylog.Infof("stopping app %s", a.Name)

	if err := a.policy.RevokeApp(a.Name); err != nil {
		sylog.Errorf("while revoking policy rules for app %s: %v", a.Name, err)
	}
	if err := a.policy.ReleaseApp(a.Name); err != nil {
		sylog.Errorf("while releasing shared resources for app %s: %v", a.Name, err)
	}
	if err := a.sandbox.RemoveAllLinks(a.Name); err != nil {
		sylog.Errorf("while removing additional links for app %s: %v", a.Name, err)
	}

	if a.state == StateStopped {
		sylog.Errorf("app %s is already stopped", a.Name)
		return
	}

	if len(a.modules) > 0 {
		if err := a.modGraph.UnloadRequired(a.modules); err != nil {
			sylog.Errorf("error removing kernel modules for app %s: %v", a.Name, err)
		}
	}

	for _, pe := range a.allProcs() {
		pe.process.Stopping()
	}

	killed, err := a.killProcs(unix.SIGTERM)
	if err != nil {
		sylog.Errorf("could not signal processes for app %s: %v", a.Name, err)
	}

	if killed {
		if a.killTmr == nil {
			a.killTmr = time.AfterFunc(killTimeout, a.onKillTimerExpired)
		} else {
			a.killTmr.Reset(killTimeout)
		}
	} else if !a.hasRunningProc() {
		sylog.Debugf("app %s has stopped", a.Name)
		a.state = StateStopped
	}
}

// onKillTimerExpired is the hard-kill timer callback. It posts back onto
// the supervisor's event loop goroutine when one is available (spec §5
// "timer-expiry channel"), rather than running hardKill's cgroup/signal
// work on the timer's own goroutine.
func (a *App) onKillTimerExpired() {
	if a.scheduler != nil {
		a.scheduler.PostTimer(a.hardKill)
		return
	}
	a.hardKill()
}

func (a *App) hardKill() {
	a.mu.Lock()
	defer a.mu.Unlock()
	sylog.Warningf("hard killing app %s", a.Name)
	if _, err := a.killProcs(unix.SIGKILL); err != nil {
		sylog.Errorf("could not hard-kill app %s: %v", a.Name, err)
	}
}

// killProcs freezes the app's cgroup, signals every member process, and
// thaws it so the signal is actually delivered (KillAppProcs): freezing
// first stops a fork-bombing or rapidly-forking app's processes from
// dodging the signal sweep.
func (a *App) killProcs(sig syscall.Signal) (bool, error) {
	froze := a.cgrp.Freeze(500*time.Millisecond) == nil
	if !froze {
		sylog.Errorf("could not freeze processes for app %s", a.Name)
	}

	pids, err := a.cgrp.Pids()
	if err != nil {
		return false, fmt.Errorf("while listing processes for app %s: %w", a.Name, err)
	}

	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			sylog.Errorf("could not signal pid %d in app %s: %v", pid, a.Name, err)
		}
	}

	if froze {
		if err := a.cgrp.Thaw(); err != nil {
			sylog.Errorf("could not thaw processes for app %s: %v", a.Name, err)
		}
	}

	return len(pids) > 0, nil
}

// allProcs returns every configured and auxiliary process entry.
func (a *App) allProcs() []*procEntry {
	all := make([]*procEntry, 0, len(a.procs)+len(a.auxByName))
	all = append(all, a.procs...)
	for _, pe := range a.auxByName {
		all = append(all, pe)
	}
	return all
}

func (a *App) hasRunningProc() bool {
	for _, pe := range a.allProcs() {
		if pe.process.State() == proc.StateRunning {
			return true
		}
	}
	return false
}

// SigChildHandler must be called when a SIGCHLD is received for a pid
// that HasTopLevelPid reports as belonging to this app. It returns the
// fault action the caller (the supervisor event loop) should apply at
// the app level; appconf.FaultIgnore means no further action is needed
// (app_SigChildHandler / proc_SigChildHandler).
func (a *App) SigChildHandler(pid int, status syscall.WaitStatus) appconf.FaultAction {
	a.mu.Lock()
	defer a.mu.Unlock()

	pe, ok := a.byPid[pid]
	if !ok {
		return appconf.FaultIgnore
	}
	delete(a.byPid, pid)

	action := pe.process.SigChildHandler(status)

	switch action {
	case appconf.FaultIgnore:
		if pe.stopHandler != nil {
			handler := pe.stopHandler
			pe.stopHandler = nil
			if err := handler(context.Background()); err != nil {
				sylog.Errorf("watchdog could not restart process %s in app %s: %v", pe.process.Name(), a.Name, err)
				action = appconf.FaultStopApp
			}
		}

	case appconf.FaultRestartProc:
		// Unlike RestartApp/StopApp/Reboot, a process-level restart is
		// handled here rather than propagated to the caller (app_SigChildHandler).
		sylog.Criticalf("process %s in app %s faulted: restarting process", pe.process.Name(), a.Name)
		if err := pe.process.Start(context.Background(), a.labeler); err != nil {
			sylog.Errorf("could not restart process %s in app %s: %v", pe.process.Name(), a.Name, err)
			action = appconf.FaultStopApp
		} else {
			a.byPid[pe.process.Pid()] = pe
			action = appconf.FaultIgnore
		}
	}

	if !a.hasRunningProc() && a.allStopped() {
		if a.killTmr != nil {
			a.killTmr.Stop()
		}
		a.state = StateStopped
	}

	return action
}

func (a *App) allStopped() bool {
	for _, pe := range a.allProcs() {
		if pe.process.State() == proc.StateRunning {
			return false
		}
	}
	return true
}

// WatchdogTimeoutHandler must be called when pid's watchdog kick
// deadline has been missed. It returns the action the caller should
// apply at the app level (app_WatchdogTimeoutHandler); WatchdogHandled
// means this function already took care of it (stopping/restarting the
// single process).
func (a *App) WatchdogTimeoutHandler(ctx context.Context, pid int) appconf.WatchdogAction {
	a.mu.Lock()
	defer a.mu.Unlock()

	pe, ok := a.byPid[pid]
	if !ok {
		return appconf.WatchdogError
	}

	switch pe.watchdog {
	case appconf.WatchdogNotFound, appconf.WatchdogError:
		sylog.Criticalf("watchdog for process %s in app %s timed out with no usable policy, restarting by default", pe.process.Name(), a.Name)
		pe.stopHandler = func(ctx context.Context) error { return pe.process.Start(ctx, a.labeler) }
		pe.process.Stopping()
		_ = unix.Kill(pid, unix.SIGTERM)
		return appconf.WatchdogHandled

	case appconf.WatchdogIgnore:
		sylog.Criticalf("watchdog for process %s in app %s timed out and will be ignored", pe.process.Name(), a.Name)
		return appconf.WatchdogHandled

	case appconf.WatchdogStop:
		sylog.Criticalf("watchdog for process %s in app %s timed out and will be stopped", pe.process.Name(), a.Name)
		pe.process.Stopping()
		_ = unix.Kill(pid, unix.SIGTERM)
		return appconf.WatchdogHandled

	case appconf.WatchdogRestart:
		sylog.Criticalf("watchdog for process %s in app %s timed out and will be restarted", pe.process.Name(), a.Name)
		pe.stopHandler = func(ctx context.Context) error { return pe.process.Start(ctx, a.labeler) }
		pe.process.Stopping()
		_ = unix.Kill(pid, unix.SIGTERM)
		return appconf.WatchdogHandled

	case appconf.WatchdogRestartApp, appconf.WatchdogStopApp, appconf.WatchdogReboot:
		sylog.Criticalf("watchdog for process %s in app %s timed out, escalating to %v", pe.process.Name(), a.Name, pe.watchdog)
		return pe.watchdog

	default:
		sylog.Criticalf("watchdog for process %s in app %s timed out with action %v, no further action taken", pe.process.Name(), a.Name, pe.watchdog)
		return appconf.WatchdogHandled
	}
}

// nextAuxiliaryName picks the first unused "<exeBaseName>@NN" name, NN
// being a two-digit suffix starting at 00 (spec §3/§8: "capped at 32").
func (a *App) nextAuxiliaryName(exeBaseName string) (string, error) {
	for n := 0; n < maxAuxiliaryProcs; n++ {
		name := fmt.Sprintf("%s@%02d", exeBaseName, n)
		if _, exists := a.auxByName[name]; !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: app %s already has %d auxiliary processes named %s@NN", svcerr.Overflow, a.Name, maxAuxiliaryProcs, exeBaseName)
}

// CreateAuxProcess creates (but does not start) an auxiliary process
// owned by this app, named <exeBaseName>@NN (spec §3, §4.1, §6 app-proc
// create). Its run flag starts disabled; a caller must configure and
// then explicitly start it.
func (a *App) CreateAuxProcess(exeBaseName string, argv []string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name, err := a.nextAuxiliaryName(exeBaseName)
	if err != nil {
		return "", err
	}

	p := proc.Create(proc.Spec{
		Name:       name,
		AppName:    a.Name,
		Args:       argv,
		Sandboxed:  a.Sandboxed,
		WorkingDir: a.WorkingDir,
		Uid:        a.Identity.Uid,
		Gid:        a.Identity.Gid,
		Groups:     a.Identity.Groups,
		MACLabel:   policy.SubjectLabel(a.Name),
	})
	p.SetRunFlag(false)

	pe := &procEntry{process: p, auxiliary: true}
	a.auxByName[name] = pe
	return name, nil
}

// ConfigureAuxProcess applies the Process Launcher's override setters to
// an existing auxiliary process (spec §4.3, §6 app-proc configure).
func (a *App) ConfigureAuxProcess(name string, cfg AuxProcessConfig) error {
	a.mu.Lock()
	pe, ok := a.auxByName[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: auxiliary process %s in app %s", svcerr.NotFound, name, a.Name)
	}

	if cfg.ExecPath != "" {
		pe.process.SetExecPath(cfg.ExecPath)
	}
	if len(cfg.Argv) > 0 {
		pe.process.SetArgv(cfg.Argv)
	}
	if cfg.Priority != "" {
		pe.process.SetPriority(cfg.Priority)
	}
	pe.process.SetFaultAction(cfg.FaultAction)
	pe.faultAction = cfg.FaultAction
	pe.process.SetDebug(cfg.Debug)
	pe.process.SetRunFlag(cfg.RunFlag)
	return nil
}

// StartAuxProcess starts a previously created and configured auxiliary
// process (spec §6 app-proc start).
func (a *App) StartAuxProcess(ctx context.Context, name string) error {
	a.mu.Lock()
	pe, ok := a.auxByName[name]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: auxiliary process %s in app %s", svcerr.NotFound, name, a.Name)
	}

	if err := pe.process.Start(ctx, a.labeler); err != nil {
		return fmt.Errorf("%w: could not start auxiliary process %s for app %s: %v", svcerr.Fault, name, a.Name, err)
	}

	a.mu.Lock()
	a.byPid[pe.process.Pid()] = pe
	a.mu.Unlock()

	if err := a.cgrp.AddProc(pe.process.Pid()); err != nil {
		sylog.Errorf("could not add auxiliary process %s (pid %d) to cgroup for app %s: %v", name, pe.process.Pid(), a.Name, err)
	}
	return nil
}

// StopAuxProcess stops a running auxiliary process (spec §6 app-proc
// stop); its exit is observed through the normal SigChildHandler path.
func (a *App) StopAuxProcess(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pe, ok := a.auxByName[name]
	if !ok {
		return fmt.Errorf("%w: auxiliary process %s in app %s", svcerr.NotFound, name, a.Name)
	}
	pe.process.Stopping()
	if pid := pe.process.Pid(); pid > 0 {
		_ = unix.Kill(pid, unix.SIGTERM)
	}
	return nil
}

// DeleteAuxProcess removes a stopped auxiliary process (spec §4.3
// delete(Process)).
func (a *App) DeleteAuxProcess(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pe, ok := a.auxByName[name]
	if !ok {
		return fmt.Errorf("%w: auxiliary process %s in app %s", svcerr.NotFound, name, a.Name)
	}
	if err := pe.process.Delete(); err != nil {
		return err
	}
	delete(a.auxByName, name)
	return nil
}

// AddLink materializes absPath inside this app's sandbox via the
// external-control addLink operation (spec §4.2, §3 "additional link
// records").
func (a *App) AddLink(absPath string) error {
	return a.sandbox.AddLink(a.Name, absPath, a.Sandboxed)
}

// RemoveAllLinks removes every link AddLink created for this app (spec
// §4.2 removeAllLinks).
func (a *App) RemoveAllLinks() error {
	return a.sandbox.RemoveAllLinks(a.Name)
}

// SetDevPermission chmods a device node already materialized in this
// app's sandbox (spec §4.2 setDevPermission).
func (a *App) SetDevPermission(devPath string, perm os.FileMode) error {
	return a.sandbox.SetDevPermission(a.Name, devPath, perm)
}
