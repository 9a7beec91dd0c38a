// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package policy

import (
	"testing"

	"github.com/legatoproject/supervisor/internal/pkg/store/memstore"
)

// fakeLabeler records SetFileLabel calls without touching the filesystem.
type fakeLabeler struct {
	labels map[string]string
}

func newFakeLabeler() *fakeLabeler {
	return &fakeLabeler{labels: map[string]string{}}
}

func (f *fakeLabeler) Enabled() bool { return true }

func (f *fakeLabeler) SetExecLabel(string) error { return nil }

func (f *fakeLabeler) SetFileLabel(path, lbl string) error {
	f.labels[path] = lbl
	return nil
}

func (f *fakeLabeler) FileLabel(path string) (string, error) {
	return f.labels[path], nil
}

// fakeRuleInstaller records installed/revoked rules without a MAC backend.
type fakeRuleInstaller struct {
	installed []Rule
	revoked   []string
}

func (f *fakeRuleInstaller) Install(r Rule) error {
	f.installed = append(f.installed, r)
	return nil
}

func (f *fakeRuleInstaller) RevokeSubject(subject string) error {
	f.revoked = append(f.revoked, subject)
	return nil
}

func TestInstallDefaultRules(t *testing.T) {
	rules := &fakeRuleInstaller{}
	e := NewEngine(newFakeLabeler(), rules, memstore.New())

	if err := e.InstallDefaultRules("myapp"); err != nil {
		t.Fatalf("InstallDefaultRules: %v", err)
	}
	if len(rules.installed) != 3 {
		t.Fatalf("expected 3 rules installed, got %d: %+v", len(rules.installed), rules.installed)
	}

	subject := SubjectLabel("myapp")
	foundFrameworkBoth := false
	for _, r := range rules.installed {
		if r.Subject == FrameworkLabel && r.Object == subject {
			foundFrameworkBoth = true
		}
	}
	if !foundFrameworkBoth {
		t.Fatalf("expected a framework -> app rule, got %+v", rules.installed)
	}
}

func TestRevokeApp(t *testing.T) {
	rules := &fakeRuleInstaller{}
	e := NewEngine(newFakeLabeler(), rules, memstore.New())

	if err := e.RevokeApp("myapp"); err != nil {
		t.Fatalf("RevokeApp: %v", err)
	}
	if len(rules.revoked) != 1 || rules.revoked[0] != SubjectLabel("myapp") {
		t.Fatalf("expected revoke of %s, got %v", SubjectLabel("myapp"), rules.revoked)
	}
}

func TestAcquireSharedResourceReuseAndRelease(t *testing.T) {
	rules := &fakeRuleInstaller{}
	e := NewEngine(newFakeLabeler(), rules, memstore.New())

	lbl1, err := e.AcquireSharedResource("app1", "/shared/dir", "rw", true)
	if err != nil {
		t.Fatalf("first AcquireSharedResource: %v", err)
	}
	if lbl1 != "dirs0" {
		t.Fatalf("expected first allocated label dirs0, got %s", lbl1)
	}

	lbl2, err := e.AcquireSharedResource("app2", "/shared/dir", "r", true)
	if err != nil {
		t.Fatalf("second AcquireSharedResource: %v", err)
	}
	if lbl2 != lbl1 {
		t.Fatalf("expected label reuse, got %s vs %s", lbl1, lbl2)
	}

	records, err := e.loadRecords()
	if err != nil {
		t.Fatalf("loadRecords: %v", err)
	}
	rec, ok := records["/shared/dir"]
	if !ok {
		t.Fatalf("expected a record for /shared/dir")
	}
	if len(rec.Apps) != 2 {
		t.Fatalf("expected 2 referencing apps, got %d", len(rec.Apps))
	}

	// Releasing the first app should leave the record, per spec scenario 5.
	if err := e.ReleaseApp("app1"); err != nil {
		t.Fatalf("ReleaseApp app1: %v", err)
	}
	records, err = e.loadRecords()
	if err != nil {
		t.Fatalf("loadRecords after first release: %v", err)
	}
	if _, ok := records["/shared/dir"]; !ok {
		t.Fatalf("expected record to survive first release")
	}

	// Releasing the second app should remove the record entirely.
	if err := e.ReleaseApp("app2"); err != nil {
		t.Fatalf("ReleaseApp app2: %v", err)
	}
	records, err = e.loadRecords()
	if err != nil {
		t.Fatalf("loadRecords after second release: %v", err)
	}
	if _, ok := records["/shared/dir"]; ok {
		t.Fatalf("expected record to be removed once every referencing app releases")
	}
}

func TestTruncateLabelBoundsLength(t *testing.T) {
	long := ""
	for i := 0; i < 10; i++ {
		long += "a-very-long-app-name-segment"
	}
	lbl := SubjectLabel(long)
	if len(lbl) > labelMaxLen {
		t.Fatalf("expected label within %d bytes, got %d: %s", labelMaxLen, len(lbl), lbl)
	}
}
