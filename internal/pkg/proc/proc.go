// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package proc is the Process Launcher: it creates, starts, and stops the
// individual processes of an app, confining sandboxed processes to their
// app's chroot and uid/gid, applying scheduling priority, resource limits
// and a MAC exec label, and classifying SIGCHLD exits into fault actions.
//
// Starting a process uses Go's syscall.SysProcAttr (Chroot/Credential) for
// the confinement steps the kernel already orders correctly across fork,
// plus a small self-re-exec helper (see launch.go) for the two steps that
// must run in the child after fork but before exec and that
// syscall.SysProcAttr has no field for: setting the MAC exec label and
// applying resource limits. This mirrors proc.c's ConfineProcInSandbox /
// proc_Start, which does the same steps in the same order in the forked
// child before calling execvp.
package proc

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/legatoproject/supervisor/internal/pkg/policy"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// State is the lifecycle state of a Process object.
type State int

const (
	StateStopped State = iota
	StateRunning
)

// faultLimitInterval bounds how soon a repeat fault must occur, after the
// previous one, to be treated as a fault loop rather than an independent
// failure (spec §4.2 "fault rate limiting", grounded on proc.c's
// FAULT_LIMIT_INTERVAL_RESTART / FAULT_LIMIT_INTERVAL_RESTART_APP, both
// 10 seconds in the original and so collapsed to one constant here).
const faultLimitInterval = 10 * time.Second

// Rlimits is a resource-limit snapshot applied to a process just before
// its final exec.
type Rlimits map[int]unix.Rlimit

// Spec is everything needed to start one process, resolved once at
// Create time (spec §4.2 / supplemented feature: "the resource-limit
// snapshot is taken when the process object is created, not when the
// process is started, so edits to the app's limits after creation but
// before start do not silently change a process already queued to run").
type Spec struct {
	Name        string
	AppName     string
	Args        []string
	Env         map[string]string
	Priority    string
	FaultAction appconf.FaultAction
	Watchdog    appconf.WatchdogAction
	Sandboxed   bool
	WorkingDir  string
	Uid, Gid    uint32
	Groups      []uint32
	MACLabel    string
	Rlimits     Rlimits
	Debug       bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// Process tracks one running (or stopped) process of an app.
type Process struct {
	spec Spec

	mu      sync.Mutex
	pid     int
	state   State
	cmdKill bool
	// limiter tracks the fault-rate window: one token refilled every
	// faultLimitInterval, so a second fault inside the same window finds
	// it empty and escalates (spec §4.2 "fault rate limiting").
	limiter *rate.Limiter
	cmd     *exec.Cmd

	// runFlag gates Start (spec §4.3 Start step 1: "rejects if ... the
	// run flag is false"). It defaults to true so configured processes
	// behave as before; auxiliary processes created via the external-
	// control API start with it false until explicitly enabled.
	runFlag bool
	deleted bool

	// blockCallback, when installed, is invoked by Release just before the
	// user-block pipe is closed, gating when a process parked after its
	// sync pipe is actually let through to exec (spec §4.3 "a second
	// user-block pipe ... gated on an installed block-callback"). The
	// callback runs in this process, not the forked child: the self-
	// re-exec helper has no access to a parent-side Go closure, the same
	// constraint that already rules out running arbitrary code in the
	// child before exec elsewhere in this package.
	blockCallback  func(ctx context.Context) error
	userBlockWrite *os.File
}

// Create snapshots spec and returns a not-yet-started Process with its run
// flag enabled.
func Create(spec Spec) *Process {
	return &Process{
		spec:    spec,
		pid:     -1,
		state:   StateStopped,
		limiter: rate.NewLimiter(rate.Every(faultLimitInterval), 1),
		runFlag: true,
	}
}

// Name returns the process's name.
func (p *Process) Name() string { return p.spec.Name }

// Pid returns the current PID, or -1 if not running.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// State reports the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsRealtime reports whether the process's configured priority resolves to
// the SCHED_RR "rtN" scheduling class (spec §4.3 isRealtime).
func (p *Process) IsRealtime() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.HasPrefix(p.spec.Priority, "rt")
}

// SetStdio overrides the process's stdout/stderr writers; takes effect on
// the next Start (spec §4.3 override setters).
func (p *Process) SetStdio(stdout, stderr io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.Stdout = stdout
	p.spec.Stderr = stderr
}

// SetExecPath overrides argv[0] used to resolve and exec the process,
// leaving the rest of the configured argv untouched.
func (p *Process) SetExecPath(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.spec.Args) == 0 {
		p.spec.Args = []string{path}
		return
	}
	p.spec.Args[0] = path
}

// SetArgv overrides the process's full argument vector.
func (p *Process) SetArgv(argv []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.Args = argv
}

// SetPriority overrides the process's scheduling priority string.
func (p *Process) SetPriority(priority string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.Priority = priority
}

// SetFaultAction overrides the fault action applied on the process's next
// abnormal exit.
func (p *Process) SetFaultAction(action appconf.FaultAction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.FaultAction = action
}

// SetRunFlag sets whether Start is permitted to actually launch the
// process (spec §4.3 Start step 1).
func (p *Process) SetRunFlag(run bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runFlag = run
}

// SetDebug overrides whether the process raises SIGSTOP for debugger
// attach just before its final exec.
func (p *Process) SetDebug(debug bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spec.Debug = debug
}

// SetBlockCallback installs the hook Release invokes before letting a
// process parked on the user-block pipe proceed to exec. Passing nil
// disables the second pipe entirely for the next Start.
func (p *Process) SetBlockCallback(fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blockCallback = fn
}

// Delete releases a stopped Process so it can no longer be started (spec
// §4.3 delete(Process)). It is an error to delete a still-running process.
func (p *Process) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return fmt.Errorf("%w: process %s is still running", svcerr.WouldBlock, p.spec.Name)
	}
	p.deleted = true
	return nil
}

// Start forks and execs the process, applying sandbox confinement,
// scheduling priority, and (via the self-re-exec helper) MAC labelling
// and resource limits, then returns once the process has been unblocked
// to exec. It does not wait for exit; the caller observes termination
// through its own SIGCHLD handling and reports it via SigChildHandler.
func (p *Process) Start(ctx context.Context, labeler policy.Labeler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted {
		return fmt.Errorf("%w: process %s has been deleted", svcerr.NotFound, p.spec.Name)
	}
	if p.state == StateRunning {
		return fmt.Errorf("%w: process %s is already running", svcerr.Duplicate, p.spec.Name)
	}
	if !p.runFlag {
		return fmt.Errorf("%w: process %s has its run flag disabled", svcerr.WouldBlock, p.spec.Name)
	}
	if len(p.spec.Args) == 0 {
		return fmt.Errorf("process %s has no executable configured", p.spec.Name)
	}

	hspec := helperSpec{
		Target:       p.spec.Args,
		MACLabel:     p.spec.MACLabel,
		Rlimits:      p.spec.Rlimits,
		Debug:        p.spec.Debug,
		HasUserBlock: p.blockCallback != nil,
	}
	var specBuf bytes.Buffer
	if err := gob.NewEncoder(&specBuf).Encode(hspec); err != nil {
		return fmt.Errorf("while encoding launch spec for %s: %w", p.spec.Name, err)
	}

	specRead, specWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("while creating launch-spec pipe: %w", err)
	}
	syncRead, syncWrite, err := os.Pipe()
	if err != nil {
		specRead.Close()
		specWrite.Close()
		return fmt.Errorf("while creating sync pipe: %w", err)
	}

	var userRead, userWrite *os.File
	if hspec.HasUserBlock {
		userRead, userWrite, err = os.Pipe()
		if err != nil {
			specRead.Close()
			specWrite.Close()
			syncRead.Close()
			syncWrite.Close()
			return fmt.Errorf("while creating user-block pipe: %w", err)
		}
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("while resolving supervisor executable path: %w", err)
	}

	cmd := exec.Command(self, execHelperArg)
	cmd.Env = environFromMap(p.spec.Env)
	cmd.Stdout = p.spec.Stdout
	cmd.Stderr = p.spec.Stderr
	cmd.ExtraFiles = []*os.File{syncRead, specRead}
	if hspec.HasUserBlock {
		cmd.ExtraFiles = append(cmd.ExtraFiles, userRead)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if p.spec.Sandboxed {
		cmd.Dir = p.spec.WorkingDir
		cmd.SysProcAttr.Chroot = p.spec.WorkingDir
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid:    p.spec.Uid,
			Gid:    p.spec.Gid,
			Groups: p.spec.Groups,
		}
	} else {
		cmd.Dir = p.spec.WorkingDir
	}

	if err := cmd.Start(); err != nil {
		specRead.Close()
		specWrite.Close()
		syncRead.Close()
		syncWrite.Close()
		if userRead != nil {
			userRead.Close()
			userWrite.Close()
		}
		return fmt.Errorf("%w: could not fork process %s: %v", svcerr.Fault, p.spec.Name, err)
	}

	// The child now owns its ends; close ours.
	specRead.Close()
	syncRead.Close()
	if userRead != nil {
		userRead.Close()
	}

	if _, err := specWrite.Write(specBuf.Bytes()); err != nil {
		sylog.Errorf("while sending launch spec to %s: %v", p.spec.Name, err)
	}
	specWrite.Close()

	p.pid = cmd.Process.Pid
	p.cmd = cmd
	p.state = StateRunning
	p.userBlockWrite = userWrite

	if err := SetProcPriority(p.spec.Priority, p.pid); err != nil {
		sylog.Errorf("while setting priority for %s (pid %d): %v", p.spec.Name, p.pid, err)
	}

	// Unblock the child: it was holding a blocking read on syncRead,
	// which returns once this write end closes (BlockOnPipe in proc.c).
	syncWrite.Close()

	sylog.Infof("starting process %s with pid %d", p.spec.Name, p.pid)
	return nil
}

// Release invokes the installed block-callback (if any) and then closes
// the user-block pipe, letting a child parked on its second block proceed
// to exec (spec §4.3 "retain the write end of the user-block pipe so the
// controller can release the child later"). It is a no-op for a process
// started without a block callback.
func (p *Process) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.userBlockWrite == nil {
		return nil
	}
	if p.blockCallback != nil {
		if err := p.blockCallback(ctx); err != nil {
			return fmt.Errorf("block callback for process %s failed: %w", p.spec.Name, err)
		}
	}
	err := p.userBlockWrite.Close()
	p.userBlockWrite = nil
	return err
}

// Stopping marks the process as intentionally being stopped by the
// supervisor, so its eventual exit is not treated as a fault (spec §4.2,
// grounded on proc_Stopping's cmdKill flag).
func (p *Process) Stopping() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmdKill = true
}

// SigChildHandler classifies a wait4 exit status for this process into
// the fault action that should be taken, applying the fault-rate-limit
// escalation from RestartProc/RestartApp to StopApp when faults repeat
// within the fault limit interval (spec §4.2, grounded on
// proc_SigChildHandler / ReachedFaultLimit). On any fault action other
// than None, an external debug-data capture script is invoked with the
// app name, process name, and whether the action is a reboot.
func (p *Process) SigChildHandler(status syscall.WaitStatus) appconf.FaultAction {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateStopped
	p.pid = -1
	if p.userBlockWrite != nil {
		p.userBlockWrite.Close()
		p.userBlockWrite = nil
	}

	if p.cmdKill {
		p.cmdKill = false
		return appconf.FaultIgnore
	}

	now := time.Now()

	var action appconf.FaultAction
	switch {
	case status.Exited():
		if status.ExitStatus() != 0 {
			sylog.Infof("process %s exited with status %d", p.spec.Name, status.ExitStatus())
			action = p.spec.FaultAction
		} else {
			sylog.Infof("process %s exited normally", p.spec.Name)
			return appconf.FaultIgnore
		}
	case status.Signaled():
		sylog.Infof("process %s killed by signal %s", p.spec.Name, status.Signal())
		action = p.spec.FaultAction
	default:
		sylog.Errorf("unexpected wait status %v for process %s", status, p.spec.Name)
		return appconf.FaultIgnore
	}

	// AllowN always consumes (or fails to consume) a token, mirroring the
	// original's unconditional prevFaultTime update on every fault;
	// escalation itself only applies to the two restart actions below.
	if withinFaultWindow := !p.limiter.AllowN(now, 1); withinFaultWindow {
		if action == appconf.FaultRestartProc {
			action = appconf.FaultRestartApp
		} else if action == appconf.FaultRestartApp {
			action = appconf.FaultStopApp
		}
	}

	if action != appconf.FaultIgnore {
		captureDebugData(p.spec.AppName, p.spec.Name, action == appconf.FaultReboot)
	}
	return action
}

// debugCaptureScript is the external shell script invoked on any fault
// action other than None, mirroring proc.c's call out to a
// collaborator script so post-mortem diagnostics (core patterns, journal
// excerpts) can be gathered without the supervisor itself knowing how.
var debugCaptureScript = "/usr/local/libexec/supervisor/capture-debug-data"

// captureDebugData invokes the external debug-data capture script with
// (appName, procName, isRebooting) (spec §4.3 "Debug-data capture").
// Failures are logged, not propagated: a missing or failing capture script
// must never block fault handling.
func captureDebugData(appName, procName string, rebooting bool) {
	if _, err := os.Stat(debugCaptureScript); err != nil {
		return
	}
	cmd := exec.Command(debugCaptureScript, appName, procName, fmt.Sprintf("%t", rebooting))
	if err := cmd.Run(); err != nil {
		sylog.Warningf("debug-data capture script failed for %s/%s: %v", appName, procName, err)
	}
}

func environFromMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}
