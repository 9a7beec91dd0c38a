// Copyright (c) 2022-2024, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cgroup wraps the freezer cgroup subsystem used by the App
// Lifecycle Manager to enumerate and signal every descendant PID of an app
// (catching grandchildren and re-forked children that SIGCHLD alone would
// miss), and to pause/resume the whole app atomically during stop.
//
// Freeze/thaw/membership are delegated to github.com/opencontainers/cgroups'
// own Manager abstraction rather than hand-rolled freezer.state/cgroup.procs
// file I/O, the same abstraction internal/pkg/cgroups/manager_linux_v1_test.go
// exercises in the teacher repo (Manager.Freeze/Manager.Thaw/Manager.AddProc).
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lccgroups "github.com/opencontainers/cgroups"
	"github.com/opencontainers/cgroups/fs"

	"github.com/legatoproject/supervisor/internal/pkg/sylog"
)

const freezerRoot = "/sys/fs/cgroup/freezer"

// Group is a per-app freezer cgroup.
type Group struct {
	appName string
	path    string
	mgr     lccgroups.Manager
}

// New creates (but does not populate) the freezer cgroup for appName, at
// /sys/fs/cgroup/freezer/<appName>, with notify_on_release=1 so the kernel
// notifies the supervisor when the group empties (data model §3 "App"
// invariant: state = Running iff ... OR freezer cgroup non-empty).
func New(appName string) (*Group, error) {
	path := filepath.Join(freezerRoot, appName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("while creating freezer cgroup for %s: %w", appName, err)
	}
	if err := os.WriteFile(filepath.Join(path, "notify_on_release"), []byte("1"), 0o644); err != nil {
		return nil, fmt.Errorf("while enabling release notification for %s: %w", appName, err)
	}

	mgr, err := fs.NewManager(&lccgroups.Cgroup{
		Path:      path,
		Resources: &lccgroups.Resources{},
	}, map[string]string{"freezer": path})
	if err != nil {
		return nil, fmt.Errorf("while creating freezer cgroup manager for %s: %w", appName, err)
	}

	return &Group{appName: appName, path: path, mgr: mgr}, nil
}

// AddProc moves pid into the cgroup via the Manager, then uses PathForPid to
// confirm the kernel actually placed it under this group — catching a
// mismatch (e.g. a pid that re-exec'd into a different cgroup namespace)
// that a bare write to cgroup.procs would silently miss.
func (g *Group) AddProc(pid int) error {
	if err := g.mgr.Apply(pid); err != nil {
		return fmt.Errorf("while adding pid %d to cgroup for %s: %w", pid, g.appName, err)
	}
	if got, err := PathForPid(pid); err != nil {
		sylog.Debugf("could not verify cgroup membership for pid %d in app %s: %v", pid, g.appName, err)
	} else if want := filepath.Join("/", g.appName); got != want {
		// PathForPid reports the path relative to the hierarchy root.
		sylog.Warningf("pid %d landed in cgroup %s, expected %s for app %s", pid, got, want, g.appName)
	}
	return nil
}

// Pids returns every PID currently a member of the cgroup, which is how the
// App Lifecycle Manager finds grandchildren and re-forked descendants to
// signal on stop.
func (g *Group) Pids() ([]int, error) {
	pids, err := g.mgr.GetPids()
	if err != nil {
		return nil, fmt.Errorf("while listing pids for cgroup %s: %w", g.appName, err)
	}
	return pids, nil
}

// Empty reports whether the cgroup currently has no member processes.
func (g *Group) Empty() (bool, error) {
	pids, err := g.Pids()
	if err != nil {
		return false, err
	}
	return len(pids) == 0, nil
}

// Freeze asks the Manager to freeze the cgroup and polls its freezer state
// until the kernel reports Frozen or the timeout elapses, per the design
// notes' "schedule this as a brief polling task with a capped total wait"
// guidance (not a tight loop).
func (g *Group) Freeze(timeout time.Duration) error {
	if err := g.mgr.Freeze(lccgroups.Frozen); err != nil {
		return fmt.Errorf("while freezing cgroup for %s: %w", g.appName, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := g.mgr.GetFreezerState()
		if err != nil {
			return fmt.Errorf("while reading freezer state for %s: %w", g.appName, err)
		}
		if state == lccgroups.Frozen {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for cgroup %s to freeze", g.appName)
}

// Thaw releases the cgroup, letting pending signal handlers run.
func (g *Group) Thaw() error {
	if err := g.mgr.Freeze(lccgroups.Thawed); err != nil {
		return fmt.Errorf("while thawing cgroup for %s: %w", g.appName, err)
	}
	return nil
}

// Destroy removes the (now-empty) cgroup directory.
func (g *Group) Destroy() error {
	if err := g.mgr.Destroy(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("while destroying cgroup for %s: %w", g.appName, err)
	}
	return nil
}

// PathForPid returns the freezer (or, under the unified hierarchy, unified)
// cgroup path containing pid, used by AddProc to verify a process actually
// landed in the group it was just added to. Grounded on
// internal/pkg/cgroups/util.go's pidToPath, restricted to the subsystem this
// package manages.
func PathForPid(pid int) (string, error) {
	pidCGFile := fmt.Sprintf("/proc/%d/cgroup", pid)
	paths, err := lccgroups.ParseCgroupFile(pidCGFile)
	if err != nil {
		return "", fmt.Errorf("cannot read %s: %w", pidCGFile, err)
	}
	if lccgroups.IsCgroup2UnifiedMode() {
		path, ok := paths[""]
		if !ok {
			return "", fmt.Errorf("could not find cgroups v2 unified path for pid %d", pid)
		}
		return path, nil
	}
	path, ok := paths["freezer"]
	if !ok {
		return "", fmt.Errorf("could not find freezer cgroup path for pid %d", pid)
	}
	return path, nil
}

func init() {
	if _, err := os.Stat(freezerRoot); err != nil {
		sylog.Debugf("freezer cgroup hierarchy not mounted at %s", freezerRoot)
	}
}
