// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package kernelmodule

import (
	"testing"

	"github.com/legatoproject/supervisor/pkg/appconf"
)

type fakeRunner struct {
	ran  [][]string
	live map[string]bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{live: make(map[string]bool)}
}

func (f *fakeRunner) Run(argv []string) error {
	f.ran = append(f.ran, argv)
	return nil
}

func (f *fakeRunner) ProcModulesHas(modName string) (bool, error) {
	return f.live[modName], nil
}

type fakeRebooter struct {
	reasons []string
}

func (r *fakeRebooter) Reboot(reason string) { r.reasons = append(r.reasons, reason) }

func TestLoadRequiredInstallsDependenciesBeforeDependent(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})

	g.Add("e1.ko", "/lib/modules/e1.ko", appconf.ModuleConfig{})
	g.Add("d1.ko", "/lib/modules/d1.ko", appconf.ModuleConfig{KernelModules: []string{"e1"}})
	g.Add("m.ko", "/lib/modules/m.ko", appconf.ModuleConfig{KernelModules: []string{"d1"}})

	if err := g.LoadRequired([]string{"m"}); err != nil {
		t.Fatalf("LoadRequired: %v", err)
	}

	m, _ := g.Get("m")
	d1, _ := g.Get("d1")
	e1, _ := g.Get("e1")
	if m.status != StatusInstalled || d1.status != StatusInstalled || e1.status != StatusInstalled {
		t.Fatalf("expected all modules installed, got m=%v d1=%v e1=%v", m.status, d1.status, e1.status)
	}

	// e1 (the deepest dependency) must have been insmod'd before d1,
	// which must have been insmod'd before m.
	pos := map[string]int{}
	for i, argv := range runner.ran {
		pos[argv[1]] = i
	}
	if !(pos["/lib/modules/e1.ko"] < pos["/lib/modules/d1.ko"] && pos["/lib/modules/d1.ko"] < pos["/lib/modules/m.ko"]) {
		t.Fatalf("expected install order e1, d1, m; got %v", runner.ran)
	}
}

func TestLoadRequiredSkipsAlreadyInstalledNonManualModule(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("m.ko", "/lib/modules/m.ko", appconf.ModuleConfig{})

	if err := g.LoadRequired([]string{"m"}); err != nil {
		t.Fatalf("first LoadRequired: %v", err)
	}
	firstCount := len(runner.ran)

	if err := g.LoadRequired([]string{"m"}); err != nil {
		t.Fatalf("second LoadRequired: %v", err)
	}
	if len(runner.ran) != firstCount {
		t.Fatalf("expected no additional insmod calls for an already-installed non-manual module, got %v", runner.ran)
	}

	m, _ := g.Get("m")
	if m.useCount != 1 {
		t.Fatalf("expected useCount to stay 1 after two LoadRequired calls, got %d", m.useCount)
	}
}

func TestLoadRequiredAlwaysRecountsManualModule(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("m.ko", "/lib/modules/m.ko", appconf.ModuleConfig{LoadManual: true})

	if err := g.LoadRequired([]string{"m"}); err != nil {
		t.Fatalf("LoadRequired: %v", err)
	}
	if err := g.LoadRequired([]string{"m"}); err != nil {
		t.Fatalf("LoadRequired: %v", err)
	}
	m, _ := g.Get("m")
	if m.useCount != 2 {
		t.Fatalf("expected useCount 2, got %d", m.useCount)
	}
}

func TestUnloadRequiredOnlyRemovesManualModules(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("auto.ko", "/lib/modules/auto.ko", appconf.ModuleConfig{})
	g.Add("manual.ko", "/lib/modules/manual.ko", appconf.ModuleConfig{LoadManual: true})

	if err := g.LoadRequired([]string{"auto", "manual"}); err != nil {
		t.Fatalf("LoadRequired: %v", err)
	}
	if err := g.UnloadRequired([]string{"auto", "manual"}); err != nil {
		t.Fatalf("UnloadRequired: %v", err)
	}

	auto, _ := g.Get("auto")
	manual, _ := g.Get("manual")
	if auto.status == StatusRemoved {
		t.Fatalf("expected non-manual module to stay installed across UnloadRequired")
	}
	if manual.status != StatusRemoved {
		t.Fatalf("expected manual module to be removed, got %v", manual.status)
	}
}

func TestUnloadRequiredDefersRemovalUntilUseCountZero(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("shared.ko", "/lib/modules/shared.ko", appconf.ModuleConfig{LoadManual: true})

	if err := g.LoadRequired([]string{"shared"}); err != nil {
		t.Fatalf("load 1: %v", err)
	}
	if err := g.LoadRequired([]string{"shared"}); err != nil {
		t.Fatalf("load 2: %v", err)
	}

	if err := g.UnloadRequired([]string{"shared"}); err != nil {
		t.Fatalf("unload 1: %v", err)
	}
	shared, _ := g.Get("shared")
	if shared.status == StatusRemoved {
		t.Fatalf("expected module to remain installed while still referenced")
	}

	if err := g.UnloadRequired([]string{"shared"}); err != nil {
		t.Fatalf("unload 2: %v", err)
	}
	shared, _ = g.Get("shared")
	if shared.status != StatusRemoved {
		t.Fatalf("expected module removed once use count reaches zero, got %v", shared.status)
	}
}

func TestLoadAllSkipsManualModulesInAlphabeticalOrder(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("zeta.ko", "/lib/modules/zeta.ko", appconf.ModuleConfig{})
	g.Add("alpha.ko", "/lib/modules/alpha.ko", appconf.ModuleConfig{})
	g.Add("manual.ko", "/lib/modules/manual.ko", appconf.ModuleConfig{LoadManual: true})

	if err := g.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	manual, _ := g.Get("manual")
	if manual.status == StatusInstalled {
		t.Fatalf("expected manual module to be skipped by LoadAll")
	}
	if len(runner.ran) != 2 {
		t.Fatalf("expected exactly 2 insmod calls, got %v", runner.ran)
	}
	if runner.ran[0][1] != "/lib/modules/alpha.ko" || runner.ran[1][1] != "/lib/modules/zeta.ko" {
		t.Fatalf("expected alphabetical install order, got %v", runner.ran)
	}
}

func TestUnloadAllUsesReverseAlphabeticalOrder(t *testing.T) {
	runner := newFakeRunner()
	g := NewGraph(runner, &fakeRebooter{})
	g.Add("zeta.ko", "/lib/modules/zeta.ko", appconf.ModuleConfig{})
	g.Add("alpha.ko", "/lib/modules/alpha.ko", appconf.ModuleConfig{})

	if err := g.LoadAll(); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	runner.ran = nil

	if err := g.UnloadAll(); err != nil {
		t.Fatalf("UnloadAll: %v", err)
	}
	if len(runner.ran) != 2 {
		t.Fatalf("expected exactly 2 rmmod calls, got %v", runner.ran)
	}
	if runner.ran[0][1] != "zeta" || runner.ran[1][1] != "alpha" {
		t.Fatalf("expected reverse-alphabetical remove order, got %v", runner.ran)
	}
}

func TestLoadRequiredUnknownModuleReturnsNotFound(t *testing.T) {
	g := NewGraph(newFakeRunner(), &fakeRebooter{})
	if err := g.LoadRequired([]string{"ghost"}); err == nil {
		t.Fatalf("expected an error for an unknown module")
	}
}
