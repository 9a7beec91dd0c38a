// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package supervisor is the daemon's long-lived handle: it owns the
// registry of live apps, the collaborators every App needs (sandbox
// builder, policy engine, module graph, MAC labeler), and the single
// cooperative event loop that serializes every request, SIGCHLD exit,
// and timer expiry (spec §5). It replaces the static process-global
// tables the original keeps for the process pool, path pool, and module
// table with one explicit, test-constructible Context.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/legatoproject/supervisor/internal/pkg/app"
	"github.com/legatoproject/supervisor/internal/pkg/kernelmodule"
	"github.com/legatoproject/supervisor/internal/pkg/policy"
	"github.com/legatoproject/supervisor/internal/pkg/sandbox"
	"github.com/legatoproject/supervisor/internal/pkg/store"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// SystemStatusOracle reports whether the system is still on probation
// following an unvalidated update, or has been marked "good" (spec §9
// OQ3). While on probation, a StopApp fault escalates to a full system
// Reboot rather than just stopping the offending app.
type SystemStatusOracle interface {
	IsProbation() bool
}

// AlwaysGood is the default SystemStatusOracle: the system is always
// considered validated. Used when no external validator is wired in.
type AlwaysGood struct{}

// IsProbation implements SystemStatusOracle.
func (AlwaysGood) IsProbation() bool { return false }

// Deps bundles the collaborators every App this Context creates shares.
type Deps struct {
	Store       store.Store
	Sandbox     *sandbox.Builder
	Policy      *policy.Engine
	Modules     *kernelmodule.Graph
	Labeler     policy.Labeler
	Rebooter    app.Rebooter
	Oracle      SystemStatusOracle
	HelperAllow policy.HelperAllowList
}

// appEntry is one registered app plus the configuration it was created
// from, so DeleteApp and a future reconfigure RPC can find it again.
type appEntry struct {
	app        *app.App
	cfg        appconf.AppConfig
	identity   app.Identity
	installDir string
	workingDir string
}

// request is one unit of work an RPC handler asks the event loop to run
// on its own goroutine, so every read and write of the app registry is
// serialized through one place (spec §5).
type request struct {
	run  func() (interface{}, error)
	done chan result
}

type result struct {
	value interface{}
	err   error
}

type sigchldEvent struct {
	pid    int
	status syscall.WaitStatus
}

// Context is the supervisor's long-lived handle. Construct one with New,
// then call Run in its own goroutine before submitting any requests.
type Context struct {
	deps Deps

	apps map[string]*appEntry // touched only by the Run goroutine

	requests chan request
	sigchld  chan sigchldEvent
	timers   chan func()
	closed   chan struct{}
	closeMu  sync.Once
}

// New builds a Context. It does not start the event loop; call Run in
// its own goroutine to do that.
func New(deps Deps) *Context {
	if deps.Oracle == nil {
		deps.Oracle = AlwaysGood{}
	}
	return &Context{
		deps:     deps,
		apps:     make(map[string]*appEntry),
		requests: make(chan request),
		sigchld:  make(chan sigchldEvent, 64),
		timers:   make(chan func(), 16),
		closed:   make(chan struct{}),
	}
}

// PostTimer implements app.Scheduler: it hands a fired timer's callback
// to the event loop instead of letting it run on the timer's own
// goroutine (spec §5 "timer-expiry channel"). If the loop has already
// stopped, the callback is dropped; Run's caller is expected to Stop
// every app before tearing down the Context.
func (c *Context) PostTimer(fn func()) {
	select {
	case c.timers <- fn:
	case <-c.closed:
		sylog.Debugf("dropping timer callback: supervisor event loop has stopped")
	}
}

// NotifySigChld must be called by the daemon's SIGCHLD-reaping goroutine
// for every pid/status pair collected via wait4(WNOHANG). It queues the
// event for the Run goroutine rather than acting on it directly, so
// SIGCHLD handling never races with an in-flight RPC-driven state change
// (spec §9 "SIGCHLD reentrancy").
func (c *Context) NotifySigChld(pid int, status syscall.WaitStatus) {
	select {
	case c.sigchld <- sigchldEvent{pid: pid, status: status}:
	case <-c.closed:
	}
}

// Submit enqueues fn to run on the Run goroutine and blocks until it
// completes, ctx is done, or the loop has stopped. RPC handlers use this
// for every app registry read or write so state changes are serialized
// through the one event loop goroutine (spec §5, grounded on
// master_linux.go's single fatalChan consumer, generalized from one
// fatal-error read to an arbitrary request/response channel).
func (c *Context) Submit(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	req := request{run: fn, done: make(chan result, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("%w: supervisor is shutting down", svcerr.Terminated)
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the supervisor's single cooperative event loop. It merges the
// RPC-request channel, the SIGCHLD-drain channel, and the timer-expiry
// channel with one select, directly generalizing master_linux.go's
// Master() function: there, createContainer/startContainer/a
// MonitorContainer-wrapping goroutine all funnel into one fatalChan read
// by a single consumer; here, N apps' worth of requests, exits, and
// timers funnel into one loop instead of one container's three sockets.
// Run returns when ctx is cancelled.
func (c *Context) Run(ctx context.Context) {
	defer c.closeMu.Do(func() { close(c.closed) })

	for {
		select {
		case <-ctx.Done():
			sylog.Infof("supervisor event loop stopping: %v", ctx.Err())
			return

		case req := <-c.requests:
			val, err := req.run()
			req.done <- result{value: val, err: err}

		case ev := <-c.sigchld:
			c.handleSigChld(ev.pid, ev.status)

		case fn := <-c.timers:
			fn()
		}
	}
}

// CreateApp registers a new app from its configuration subtree and
// resolved identity, but does not start it (app_Create). installDir is
// where the app's bundled/required files live on the host; workingDir is
// where its sandbox (or, unsandboxed, its working directory) is rooted.
func (c *Context) CreateApp(ctx context.Context, name string, cfg appconf.AppConfig, id app.Identity, installDir, workingDir string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		if _, exists := c.apps[name]; exists {
			return nil, fmt.Errorf("%w: app %s already exists", svcerr.Duplicate, name)
		}
		a, err := app.New(name, cfg, id, installDir, workingDir, app.Deps{
			Sandbox:     c.deps.Sandbox,
			Policy:      c.deps.Policy,
			Modules:     c.deps.Modules,
			Labeler:     c.deps.Labeler,
			Rebooter:    c.deps.Rebooter,
			Scheduler:   c,
			HelperAllow: c.deps.HelperAllow,
		})
		if err != nil {
			return nil, err
		}
		c.apps[name] = &appEntry{app: a, cfg: cfg, identity: id, installDir: installDir, workingDir: workingDir}
		return nil, nil
	})
	return err
}

// DeleteApp removes a stopped app from the registry (app_Delete).
func (c *Context) DeleteApp(ctx context.Context, name string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[name]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, name)
		}
		if entry.app.State() == app.StateRunning {
			return nil, fmt.Errorf("%w: app %s is still running", svcerr.WouldBlock, name)
		}
		delete(c.apps, name)
		return nil, nil
	})
	return err
}

// StartApp starts a registered app (app_Start).
func (c *Context) StartApp(ctx context.Context, name string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[name]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, name)
		}
		return nil, entry.app.Start(ctx)
	})
	return err
}

// StopApp stops a registered app asynchronously; the caller observes it
// reach app.StateStopped through a subsequent AppStatus call once its
// processes exit (app_Stop).
func (c *Context) StopApp(ctx context.Context, name string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[name]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, name)
		}
		entry.app.Stop(ctx)
		return nil, nil
	})
	return err
}

// AppStatus reports a registered app's current lifecycle state.
func (c *Context) AppStatus(ctx context.Context, name string) (app.State, error) {
	v, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[name]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, name)
		}
		return entry.app.State(), nil
	})
	if err != nil {
		return app.StateStopped, err
	}
	return v.(app.State), nil
}

// ListApps returns every registered app's name, alphabetically.
func (c *Context) ListApps(ctx context.Context) ([]string, error) {
	v, err := c.Submit(ctx, func() (interface{}, error) {
		names := make([]string, 0, len(c.apps))
		for name := range c.apps {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// LoadKernelModule implements the loadKernelModule RPC: load a single
// named module (and its dependencies) outside of any app's start
// sequence, for an operator-triggered load.
func (c *Context) LoadKernelModule(ctx context.Context, name string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		return nil, c.deps.Modules.LoadRequired([]string{name})
	})
	return err
}

// UnloadKernelModule implements the unloadKernelModule RPC.
func (c *Context) UnloadKernelModule(ctx context.Context, name string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		return nil, c.deps.Modules.UnloadRequired([]string{name})
	})
	return err
}

// CreateAuxProcess creates (but does not start) an auxiliary process
// owned by appName, returning its generated "<exeBaseName>@NN" name
// (spec §6 app-proc create).
func (c *Context) CreateAuxProcess(ctx context.Context, appName, exeBaseName string, argv []string) (string, error) {
	v, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return entry.app.CreateAuxProcess(exeBaseName, argv)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ConfigureAuxProcess applies override setters to an existing auxiliary
// process (spec §6 app-proc configure).
func (c *Context) ConfigureAuxProcess(ctx context.Context, appName, procName string, cfg app.AuxProcessConfig) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.ConfigureAuxProcess(procName, cfg)
	})
	return err
}

// StartAuxProcess starts a previously created and configured auxiliary
// process (spec §6 app-proc start).
func (c *Context) StartAuxProcess(ctx context.Context, appName, procName string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.StartAuxProcess(ctx, procName)
	})
	return err
}

// StopAuxProcess stops a running auxiliary process (spec §6 app-proc
// stop).
func (c *Context) StopAuxProcess(ctx context.Context, appName, procName string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.StopAuxProcess(procName)
	})
	return err
}

// DeleteAuxProcess removes a stopped auxiliary process (spec §6 app-proc
// delete).
func (c *Context) DeleteAuxProcess(ctx context.Context, appName, procName string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.DeleteAuxProcess(procName)
	})
	return err
}

// AddLink implements the addLink RPC (spec §4.2).
func (c *Context) AddLink(ctx context.Context, appName, absPath string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.AddLink(absPath)
	})
	return err
}

// RemoveAllLinks implements the removeAllLinks RPC (spec §4.2).
func (c *Context) RemoveAllLinks(ctx context.Context, appName string) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.RemoveAllLinks()
	})
	return err
}

// SetDevPermission implements the setDevPermission RPC (spec §4.2).
func (c *Context) SetDevPermission(ctx context.Context, appName, devPath string, perm os.FileMode) error {
	_, err := c.Submit(ctx, func() (interface{}, error) {
		entry, ok := c.apps[appName]
		if !ok {
			return nil, fmt.Errorf("%w: app %s", svcerr.NotFound, appName)
		}
		return nil, entry.app.SetDevPermission(devPath, perm)
	})
	return err
}

// handleSigChld locates the app owning pid, delegates fault
// classification to it, and applies the manager-level escalation rule
// the original's daemon main loop applies on top of app_SigChildHandler:
// a StopApp verdict becomes a Reboot while the system is on probation
// (spec §4.2 "Fault-rate limiting", §9 OQ3).
func (c *Context) handleSigChld(pid int, status syscall.WaitStatus) {
	var owner *appEntry
	for _, entry := range c.apps {
		if entry.app.HasTopLevelPid(pid) {
			owner = entry
			break
		}
	}
	if owner == nil {
		sylog.Debugf("SIGCHLD for untracked pid %d", pid)
		return
	}

	action := owner.app.SigChildHandler(pid, status)
	if action == appconf.FaultStopApp && c.deps.Oracle.IsProbation() {
		sylog.Emergencyf("app %s faulted while system is on probation, rebooting", owner.app.Name)
		action = appconf.FaultReboot
	}

	switch action {
	case appconf.FaultIgnore:
		// Handled entirely within app.SigChildHandler.

	case appconf.FaultRestartApp:
		sylog.Criticalf("restarting app %s after fault", owner.app.Name)
		owner.app.Stop(context.Background())
		c.restartOnStop(owner)

	case appconf.FaultStopApp:
		sylog.Criticalf("stopping app %s after fault", owner.app.Name)
		owner.app.Stop(context.Background())

	case appconf.FaultReboot:
		if c.deps.Rebooter != nil {
			c.deps.Rebooter.Reboot(fmt.Sprintf("app %s faulted with reboot fault action", owner.app.Name))
		}
	}
}

// restartPollInterval bounds how often restartOnStop rechecks an app's
// state while waiting for its soft/hard-kill sequence to finish.
const restartPollInterval = 50 * time.Millisecond

// restartOnStop polls for the app reaching StateStopped and restarts it;
// a RestartApp fault action stops the app now and restarts it once every
// process has actually exited, mirroring the watchdog-restart
// stopHandler pattern app.App itself uses for a single process.
func (c *Context) restartOnStop(entry *appEntry) {
	var tick func()
	tick = func() {
		if entry.app.State() != app.StateStopped {
			time.AfterFunc(restartPollInterval, func() { c.PostTimer(tick) })
			return
		}
		if err := entry.app.Start(context.Background()); err != nil {
			sylog.Errorf("could not restart app %s: %v", entry.app.Name, err)
		}
	}
	tick()
}
