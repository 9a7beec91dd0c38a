// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package kernelmodule is the Module Resolver: it tracks the dependency
// DAG of kernel modules bundled alongside apps, and loads/unloads them in
// dependency order with reference counting, mirroring kernelModules.c's
// TraverseDependencyInsert/TraverseDependencyRemove.
//
// Loading a module pushes it onto a stack before recursing into its
// dependencies, then processes the stack LIFO, so every dependency is
// installed before the module that requires it (reversed DFS pre-order).
// Unloading a module queues it before recursing into its dependencies,
// then processes the queue FIFO, so the module itself is removed (its
// reference decremented) before its dependencies are (DFS pre-order) —
// the same asymmetry as the C original, because a module can only be
// removed once nothing above it in the graph is still using it.
package kernelmodule

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
	"github.com/legatoproject/supervisor/pkg/appconf"
)

// Status is a module's current load state (kernelModules.c's
// ModuleLoadStatus_t).
type Status int

const (
	StatusInit Status = iota
	StatusTry
	StatusInstalled
	StatusRemoved
)

const (
	insmodCommand = "/sbin/insmod"
	rmmodCommand  = "/sbin/rmmod"

	// liveWaitTimeout is how long InstallEachKernelModule gives a module
	// to show up 'Live' in /proc/modules before giving up on it
	// (kernelModules.c's ten-second sleep-then-recheck in
	// InstallEachKernelModule).
	liveWaitTimeout = 10 * time.Second
)

// Rebooter restarts the system. A module stuck out of 'Live' state after
// install is treated as unrecoverable (framework_Reboot in the original);
// production wires this to a real reboot(2) syscall, tests to a recorder.
type Rebooter interface {
	Reboot(reason string)
}

// Module is one node in the dependency DAG.
type Module struct {
	Name          string
	Path          string
	Params        map[string]string
	Requires      []string
	LoadManual    bool
	InstallScript string
	RemoveScript  string

	status   Status
	useCount uint32
}

// Graph is the full set of known modules, addressable by name, plus the
// alphabetical insertion order the boot-time auto-load and full unload
// passes iterate (ModuleAlphaOrderList in the original).
type Graph struct {
	mu       sync.Mutex
	modules  map[string]*Module
	alphaOrd []string

	runner   CommandRunner
	rebooter Rebooter
}

// CommandRunner executes an install/remove script or insmod/rmmod
// invocation. The production implementation shells out via os/exec
// (ExecuteCommand in the original, which forks+execs directly); tests
// substitute a recorder.
type CommandRunner interface {
	Run(argv []string) error
	// ProcModulesHas reports whether modName currently appears live in
	// /proc/modules (CheckProcModules).
	ProcModulesHas(modName string) (bool, error)
}

// NewGraph returns an empty module graph.
func NewGraph(runner CommandRunner, rebooter Rebooter) *Graph {
	return &Graph{
		modules:  make(map[string]*Module),
		runner:   runner,
		rebooter: rebooter,
	}
}

// Add registers a module node from its config-store subtree (spec §6
// module schema / appconf.ModuleConfig), keyed by the ".ko" file name
// with its extension stripped, matching StripExtensionName's use as the
// hashmap key.
func (g *Graph) Add(name, path string, cfg appconf.ModuleConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := stripExtension(name)
	if _, exists := g.modules[key]; exists {
		return
	}
	g.modules[key] = &Module{
		Name:          key,
		Path:          path,
		Params:        cfg.Params,
		Requires:      cfg.KernelModules,
		LoadManual:    cfg.LoadManual,
		InstallScript: cfg.InstallScript,
		RemoveScript:  cfg.RemoveScript,
		status:        StatusInit,
	}
	g.alphaOrd = append(g.alphaOrd, key)
	sort.Strings(g.alphaOrd)
}

func stripExtension(name string) string {
	return strings.TrimSuffix(name, ".ko")
}

// Get returns the named module, or svcerr.NotFound.
func (g *Graph) Get(name string) (*Module, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.modules[stripExtension(name)]
	if !ok {
		return nil, fmt.Errorf("%w: kernel module %s", svcerr.NotFound, name)
	}
	cp := *m
	return &cp, nil
}

// traverseInsert visits m and its dependencies in pre-order (m, then
// each required module's own subtree) — the same order
// TraverseDependencyInsert pushes them onto its stack. Reversing this
// list reproduces the stack's LIFO pop order, in which every dependency
// comes out before the module(s) that require it.
func (g *Graph) traverseInsert(order *[]*Module, m *Module) {
	*order = append(*order, m)

	if m.status != StatusInstalled {
		m.status = StatusTry
	}
	for _, dep := range m.Requires {
		depMod, ok := g.modules[stripExtension(dep)]
		if !ok {
			continue
		}
		g.traverseInsert(order, depMod)
	}
}

func reversed(ms []*Module) []*Module {
	out := make([]*Module, len(ms))
	for i, m := range ms {
		out[len(ms)-1-i] = m
	}
	return out
}

// traverseRemove builds the removal order for m and everything it
// depends on: m is appended (queued) before its dependencies are
// visited, so popping the resulting slice head-first (FIFO) processes m
// itself before its dependencies (TraverseDependencyRemove).
func (g *Graph) traverseRemove(order *[]*Module, m *Module) {
	*order = append(*order, m)

	if m.status != StatusRemoved {
		if !(m.useCount != 0 && m.status == StatusInstalled) {
			m.status = StatusTry
		}
	}
	for _, dep := range m.Requires {
		depMod, ok := g.modules[stripExtension(dep)]
		if !ok {
			continue
		}
		g.traverseRemove(order, depMod)
	}
}

// installOne insmods (or runs the install script for) m and everything
// it transitively requires, in dependency order, incrementing each
// module's use count once per call regardless of whether an install was
// actually needed (InstallEachKernelModule).
func (g *Graph) installOne(m *Module) error {
	var order []*Module
	g.traverseInsert(&order, m)
	order = reversed(order)

	for _, mod := range order {
		mod.useCount++
		if mod.status == StatusInstalled {
			continue
		}

		if mod.InstallScript != "" {
			if err := g.runner.Run([]string{mod.InstallScript, mod.Path}); err != nil {
				return fmt.Errorf("%w: install script %s for module %s failed: %v", svcerr.Fault, mod.InstallScript, mod.Name, err)
			}
			if err := g.waitLive(mod.Name); err != nil {
				return err
			}
		} else {
			if err := g.runner.Run(insmodArgv(mod)); err != nil {
				return fmt.Errorf("%w: insmod failed for module %s: %v", svcerr.Fault, mod.Name, err)
			}
		}

		mod.status = StatusInstalled
		sylog.Infof("new kernel module %s", mod.Name)
	}
	return nil
}

// waitLive polls /proc/modules once immediately, then once more after
// liveWaitTimeout, escalating to a system reboot if the module still
// isn't live — kernelModules.c treats a module that insmod reported
// success for but that never reaches 'Live' as unrecoverable rather than
// retrying indefinitely.
func (g *Graph) waitLive(modName string) error {
	live, err := g.runner.ProcModulesHas(modName)
	if err != nil {
		return fmt.Errorf("%w: while checking /proc/modules for %s: %v", svcerr.Fault, modName, err)
	}
	if live {
		return nil
	}
	sylog.Infof("module %s not in 'Live' state, waiting %s", modName, liveWaitTimeout)
	time.Sleep(liveWaitTimeout)

	live, err = g.runner.ProcModulesHas(modName)
	if err != nil {
		return fmt.Errorf("%w: while rechecking /proc/modules for %s: %v", svcerr.Fault, modName, err)
	}
	if !live {
		sylog.Criticalf("module %s not in 'Live' state, restarting system", modName)
		if g.rebooter != nil {
			g.rebooter.Reboot(fmt.Sprintf("kernel module %s failed to reach live state", modName))
		}
		return fmt.Errorf("%w: module %s did not reach live state", svcerr.Fault, modName)
	}
	return nil
}

func insmodArgv(m *Module) []string {
	argv := []string{insmodCommand, m.Path}
	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, fmt.Sprintf("%s=%s", k, quoteParam(m.Params[k])))
	}
	return argv
}

// quoteParam wraps v in double quotes when it contains whitespace, so a
// param like `foo="a b"` survives as one insmod argv element rather than
// being split into two.
func quoteParam(v string) string {
	if strings.ContainsAny(v, " \t\n") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

// removeOne rmmods (or runs the remove script for) m and everything it
// transitively depends on, in dependency order, decrementing each
// module's use count and only actually removing it once the count
// reaches zero (RemoveEachKernelModule).
func (g *Graph) removeOne(m *Module) error {
	var order []*Module
	g.traverseRemove(&order, m)

	for _, mod := range order {
		if mod.useCount != 0 {
			mod.useCount--
		}
		if mod.useCount != 0 || mod.status == StatusRemoved {
			continue
		}

		if mod.RemoveScript != "" {
			if err := g.runner.Run([]string{mod.RemoveScript, mod.Path}); err != nil {
				return fmt.Errorf("%w: remove script %s for module %s failed: %v", svcerr.Fault, mod.RemoveScript, mod.Name, err)
			}
			live, err := g.runner.ProcModulesHas(mod.Name)
			if err != nil {
				return fmt.Errorf("%w: while checking /proc/modules for %s: %v", svcerr.Fault, mod.Name, err)
			}
			if live {
				return fmt.Errorf("%w: module %s still present in /proc/modules after remove script", svcerr.Fault, mod.Name)
			}
		} else {
			if err := g.runner.Run([]string{rmmodCommand, mod.Name}); err != nil {
				return fmt.Errorf("%w: rmmod failed for module %s: %v", svcerr.Fault, mod.Name, err)
			}
		}

		mod.status = StatusRemoved
		sylog.Infof("removed kernel module %s", mod.Name)
	}
	return nil
}

// LoadRequired installs every module an app requires (an app's
// requires.kernelModules list), skipping a non-manual module that is
// already installed but always re-running a manual one, matching
// kernelModules_InsertListOfModules's "isLoadManual || not yet
// installed" guard.
func (g *Graph) LoadRequired(names []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range names {
		m, ok := g.modules[stripExtension(name)]
		if !ok {
			return fmt.Errorf("%w: kernel module %s", svcerr.NotFound, name)
		}
		if m.LoadManual || m.status != StatusInstalled {
			if err := g.installOne(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnloadRequired releases an app's reference to every module in names,
// but only actually attempts removal for manual-load modules —
// non-manual modules loaded at boot stay resident until a full system
// shutdown calls UnloadAll (kernelModules_RemoveListOfModules).
func (g *Graph) UnloadRequired(names []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range names {
		m, ok := g.modules[stripExtension(name)]
		if !ok {
			return fmt.Errorf("%w: kernel module %s", svcerr.NotFound, name)
		}
		if m.LoadManual {
			if err := g.removeOne(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadAll installs every non-manual module in the graph in alphabetical
// order, used once at supervisor boot (kernelModules_Insert/
// installModules).
func (g *Graph) LoadAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range g.alphaOrd {
		m := g.modules[name]
		if m.LoadManual {
			continue
		}
		if err := g.installOne(m); err != nil {
			sylog.Errorf("error installing module %s: %v", m.Name, err)
			return err
		}
	}
	return nil
}

// UnloadAll removes every non-manual module in reverse alphabetical
// order, used once at supervisor shutdown (kernelModules_Remove).
func (g *Graph) UnloadAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i := len(g.alphaOrd) - 1; i >= 0; i-- {
		m := g.modules[g.alphaOrd[i]]
		if m.LoadManual {
			continue
		}
		if err := g.removeOne(m); err != nil {
			sylog.Errorf("error removing module %s: %v", m.Name, err)
			return err
		}
	}
	return nil
}

// execRunner is the production CommandRunner, shelling out via
// os/exec (ExecuteCommand forks+execs directly; Go idiomatically runs
// the same external command via exec.Command instead of a raw fork).
type execRunner struct{}

// NewExecRunner returns a CommandRunner that runs real commands and
// reads /proc/modules.
func NewExecRunner() CommandRunner { return execRunner{} }

func (execRunner) Run(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command given")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execRunner) ProcModulesHas(modName string) (bool, error) {
	data, err := procModules()
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == modName {
			return true, nil
		}
	}
	return false, nil
}
