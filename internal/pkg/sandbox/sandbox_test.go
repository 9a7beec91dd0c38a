// Copyright (c) 2019-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
)

func TestAddLinkThenRemoveAllLinks(t *testing.T) {
	base := t.TempDir()
	b := NewBuilder(base, 0)

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "data.txt")
	if err := os.WriteFile(srcFile, []byte("hi"), 0o644); err != nil {
		t.Fatalf("while seeding source file: %v", err)
	}

	root := b.Root("myapp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("while creating fake sandbox root: %v", err)
	}

	if err := b.AddLink("myapp", srcFile, false); err != nil {
		t.Fatalf("AddLink: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, srcFile)); err != nil {
		t.Fatalf("expected %s to be materialized in the sandbox: %v", srcFile, err)
	}

	if err := b.AddLink("myapp", srcFile, false); err == nil {
		t.Fatalf("expected second AddLink for the same path to fail")
	}

	if err := b.RemoveAllLinks("myapp"); err != nil {
		t.Fatalf("RemoveAllLinks: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(root, srcFile)); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be gone after RemoveAllLinks, got err=%v", srcFile, err)
	}
}

func TestAddLinkRejectsMissingSource(t *testing.T) {
	base := t.TempDir()
	b := NewBuilder(base, 0)
	root := b.Root("myapp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("while creating fake sandbox root: %v", err)
	}

	err := b.AddLink("myapp", filepath.Join(t.TempDir(), "nope"), false)
	if err == nil {
		t.Fatalf("expected AddLink to fail for a nonexistent source")
	}
}

func TestSetDevPermissionRequiresExistingNode(t *testing.T) {
	base := t.TempDir()
	b := NewBuilder(base, 0)
	root := b.Root("myapp")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("while creating fake sandbox root: %v", err)
	}

	if err := b.SetDevPermission("myapp", "/dev/missing", 0o600); err == nil {
		t.Fatalf("expected SetDevPermission to fail for a missing device node")
	}

	devPath := "/dev/present"
	full := filepath.Join(root, devPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("while creating device parent dir: %v", err)
	}
	if err := os.WriteFile(full, nil, 0o644); err != nil {
		t.Fatalf("while seeding fake device node: %v", err)
	}
	if err := b.SetDevPermission("myapp", devPath, 0o640); err != nil {
		t.Fatalf("SetDevPermission: %v", err)
	}
	info, err := os.Stat(full)
	if err != nil {
		t.Fatalf("Stat after SetDevPermission: %v", err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("expected mode 0640 after SetDevPermission, got %v", info.Mode().Perm())
	}
}

func TestPathConflictRejectsExistingDestination(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "taken"), nil, 0o644); err != nil {
		t.Fatalf("while seeding conflicting file: %v", err)
	}
	if err := pathConflict(root, "/taken"); err == nil {
		t.Fatalf("expected pathConflict to reject an already-existing destination")
	} else if !errors.Is(err, svcerr.Duplicate) {
		t.Fatalf("expected a Duplicate error, got %v", err)
	}
}

func TestPlanLinksSortsByDestination(t *testing.T) {
	links := []Link{
		{Destination: "/usr/bin/foo"},
		{Destination: "/dev"},
		{Destination: "/etc/foo.conf"},
	}
	planned, err := PlanLinks(links, "/install/myapp")
	if err != nil {
		t.Fatalf("PlanLinks: %v", err)
	}
	want := []string{"/dev", "/etc/foo.conf", "/usr/bin/foo"}
	for i, w := range want {
		if planned[i].Destination != w {
			t.Fatalf("planned[%d] = %s, want %s", i, planned[i].Destination, w)
		}
	}
}

func TestPlanLinksRejectsMountingOutsideSourceIntoPriorMount(t *testing.T) {
	// /mnt is bind-mounted from outside the app's install dir; a later
	// link targeting /mnt/evil must be rejected.
	links := []Link{
		{Source: "/some/external/path", Destination: "/mnt"},
		{Source: "/install/myapp/evil", Destination: "/mnt/evil"},
	}
	if _, err := PlanLinks(links, "/install/myapp"); err == nil {
		t.Fatalf("expected PlanLinks to reject mounting inside an externally-sourced mount")
	}
}

func TestPlanLinksAllowsNestingUnderInstallDirSourcedMount(t *testing.T) {
	links := []Link{
		{Source: "/install/myapp/data", Destination: "/data"},
		{Source: "/install/myapp/data/sub", Destination: "/data/sub"},
	}
	planned, err := PlanLinks(links, "/install/myapp")
	if err != nil {
		t.Fatalf("expected nesting under an install-dir-sourced mount to be allowed: %v", err)
	}
	if len(planned) != 2 {
		t.Fatalf("expected 2 planned links, got %d", len(planned))
	}
}

func TestIsInside(t *testing.T) {
	cases := []struct {
		p1, p2 string
		want   bool
	}{
		{"/foo/bar", "/foo", true},
		{"/foo", "/foo", true},
		{"/foobar", "/foo", false},
		{"/foo", "/foo/bar", false},
	}
	for _, c := range cases {
		if got := isInside(c.p1, c.p2); got != c.want {
			t.Errorf("isInside(%q, %q) = %v, want %v", c.p1, c.p2, got, c.want)
		}
	}
}
