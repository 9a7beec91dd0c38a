// Copyright (c) 2022-2024, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cgroup

import (
	"os"
	"testing"
)

// This file contains tests that require a writable cgroup v1 freezer
// hierarchy and root privilege; they are skipped otherwise, matching the
// teacher's test.EnsurePrivilege/require.CgroupsV1 gating idiom.

func requireFreezer(t *testing.T) {
	t.Helper()
	if os.Getuid() != 0 {
		t.Skip("freezer cgroup tests require root")
	}
	if _, err := os.Stat(freezerRoot); err != nil {
		t.Skip("freezer cgroup hierarchy not mounted")
	}
}

func TestNewAddProcPids(t *testing.T) {
	requireFreezer(t)

	g, err := New("cgrouptest-newaddproc")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer g.Destroy()

	empty, err := g.Empty()
	if err != nil {
		t.Fatalf("Empty: %v", err)
	}
	if !empty {
		t.Fatalf("expected freshly created cgroup to be empty")
	}

	if err := g.AddProc(os.Getpid()); err != nil {
		t.Fatalf("AddProc: %v", err)
	}

	pids, err := g.Pids()
	if err != nil {
		t.Fatalf("Pids: %v", err)
	}
	found := false
	for _, p := range pids {
		if p == os.Getpid() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected own pid in cgroup, got %v", pids)
	}
}
