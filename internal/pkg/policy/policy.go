// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package policy implements the Policy & MAC Engine: subject/object label
// computation, allow-rule installation, device-node labelling, and
// refcounted shared-resource label allocation.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/legatoproject/supervisor/internal/pkg/store"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
	"github.com/legatoproject/supervisor/internal/pkg/sylog"
)

// labelMaxLen is the fixed small bound on MAC label strings (spec §6:
// "typically a few tens of bytes").
const labelMaxLen = 48

// FrameworkLabel is the supervisor's own subject label; it has full access
// to every app label, and every app can reach it (spec §4.5 (c)).
const FrameworkLabel = "framework"

// Rule is an (subject, object, permission) allow rule. Permission is a
// string over {r,w,x} in any combination, per spec §4.5.
type Rule struct {
	Subject    string
	Object     string
	Permission string
}

// RuleInstaller applies and revokes MAC allow rules against the live
// kernel MAC database. Abstracted behind an interface so tests can use an
// in-memory double without a real SMACK/LSM backend present.
type RuleInstaller interface {
	Install(r Rule) error
	RevokeSubject(subject string) error
}

// fileRuleInstaller writes one rule-file per subject under ruleDir, in the
// style of SMACK's /etc/smack/accesses.d/ load-on-boot directory.
type fileRuleInstaller struct {
	ruleDir string
	mu      sync.Mutex
	rules   map[string][]Rule
}

func NewFileRuleInstaller(ruleDir string) RuleInstaller {
	return &fileRuleInstaller{ruleDir: ruleDir, rules: map[string][]Rule{}}
}

func (f *fileRuleInstaller) Install(r Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[r.Subject] = append(f.rules[r.Subject], r)
	return f.flush(r.Subject)
}

func (f *fileRuleInstaller) RevokeSubject(subject string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, subject)
	path := filepath.Join(f.ruleDir, subject)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("while revoking rules for %s: %w", subject, err)
	}
	return nil
}

func (f *fileRuleInstaller) flush(subject string) error {
	if err := os.MkdirAll(f.ruleDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(f.ruleDir, subject)
	var content string
	for _, r := range f.rules[subject] {
		content += fmt.Sprintf("%s %s %s\n", r.Subject, r.Object, r.Permission)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// SubjectLabel derives a unique, bounded subject label for an app name.
func SubjectLabel(appName string) string {
	return truncateLabel("app." + appName)
}

// AccessLabel derives the app's own per-permission-class access label on
// its working-dir tree (spec §4.5 (b)): one label per {r,w,x} combination.
func AccessLabel(appName, perm string) string {
	return truncateLabel(fmt.Sprintf("app.%s.%s", appName, perm))
}

// DeviceLabel derives a label for a device node from its device ID, so
// that multiple apps needing the same device share one label (spec §4.2,
// §4.5 (e)).
func DeviceLabel(rdev uint64) string {
	return truncateLabel(fmt.Sprintf("dev.%x", rdev))
}

func truncateLabel(s string) string {
	if len(s) <= labelMaxLen {
		return s
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	suffix := fmt.Sprintf(".%x", h.Sum32())
	keep := labelMaxLen - len(suffix)
	if keep < 0 {
		keep = 0
	}
	return s[:keep] + suffix
}

// SharedResourceRecord tracks which apps reference a given source path via
// a synthesized MAC label (spec §3 "Shared-resource record").
type SharedResourceRecord struct {
	Source string          `json:"source"`
	Label  string          `json:"label"`
	Apps   map[string]bool `json:"apps"`
}

const sharedResourceKey = "policy/shared-resources"

// Engine resolves per-app access rules and arbitrates shared resources.
type Engine struct {
	labeler  Labeler
	rules    RuleInstaller
	store    store.Store
	mu       sync.Mutex
	dirSeq   int
	fileSeq  int
}

func NewEngine(labeler Labeler, rules RuleInstaller, st store.Store) *Engine {
	return &Engine{labeler: labeler, rules: rules, store: st}
}

// InstallDefaultRules installs the default app rules and the framework
// bidirectional rule (spec §4.5 (a)-(c)).
func (e *Engine) InstallDefaultRules(appName string) error {
	subject := SubjectLabel(appName)
	if err := e.rules.Install(Rule{Subject: subject, Object: AccessLabel(appName, "rwx"), Permission: "rwx"}); err != nil {
		return err
	}
	if err := e.rules.Install(Rule{Subject: FrameworkLabel, Object: subject, Permission: "rwx"}); err != nil {
		return err
	}
	if err := e.rules.Install(Rule{Subject: subject, Object: FrameworkLabel, Permission: "rwx"}); err != nil {
		return err
	}
	return nil
}

// InstallBindingRules installs the bidirectional client<->server rules
// between appName and each serverApp it binds to (spec §4.5 (d)).
func (e *Engine) InstallBindingRules(appName string, serverApps []string) error {
	subject := SubjectLabel(appName)
	for _, server := range serverApps {
		serverLabel := SubjectLabel(server)
		if err := e.rules.Install(Rule{Subject: subject, Object: serverLabel, Permission: "rwx"}); err != nil {
			return err
		}
		if err := e.rules.Install(Rule{Subject: serverLabel, Object: subject, Permission: "rwx"}); err != nil {
			return err
		}
	}
	return nil
}

// RevokeApp removes every subject rule for appName (spec §4.1 Stop step
// (1): "revoke the app's MAC subject rules").
func (e *Engine) RevokeApp(appName string) error {
	return e.rules.RevokeSubject(SubjectLabel(appName))
}

// LabelDevice derives and applies a device label, then hands ownership to
// uid (spec §4.2: "create a new device node... transfer ownership to the
// app's uid").
func (e *Engine) LabelDevice(path string, rdev uint64, uid, gid int) error {
	lbl := DeviceLabel(rdev)
	if err := e.labeler.SetFileLabel(path, lbl); err != nil {
		return fmt.Errorf("while labelling device %s: %w", path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("while chowning device %s: %w", path, err)
	}
	return nil
}

// AcquireSharedResource implements spec §4.5 (f) / §8 scenario 5: on first
// reference, allocate a "dirs<N>"/"files<N>" label, stamp it on the source
// path, and install an allow rule; on subsequent references, reuse the
// label and only add the new app's allow rule.
func (e *Engine) AcquireSharedResource(appName, source, permission string, isDir bool) (label string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.loadRecords()
	if err != nil {
		return "", err
	}

	rec, ok := records[source]
	if !ok {
		if isDir {
			label = fmt.Sprintf("dirs%d", e.dirSeq)
			e.dirSeq++
		} else {
			label = fmt.Sprintf("files%d", e.fileSeq)
			e.fileSeq++
		}
		if err := e.labeler.SetFileLabel(source, label); err != nil {
			return "", fmt.Errorf("while labelling shared resource %s: %w", source, err)
		}
		rec = &SharedResourceRecord{Source: source, Label: label, Apps: map[string]bool{}}
		records[source] = rec
	}

	rec.Apps[appName] = true
	if err := e.rules.Install(Rule{Subject: SubjectLabel(appName), Object: rec.Label, Permission: permission}); err != nil {
		return "", err
	}

	if err := e.saveRecords(records); err != nil {
		return "", err
	}
	return rec.Label, nil
}

// ReleaseApp removes appName from every shared-resource record it
// references; a record whose reference set empties is deleted entirely
// (spec §3, §8 scenario 5: "Deleting the first app leaves the record;
// deleting the second removes the record").
func (e *Engine) ReleaseApp(appName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	records, err := e.loadRecords()
	if err != nil {
		return err
	}
	changed := false
	for source, rec := range records {
		if !rec.Apps[appName] {
			continue
		}
		delete(rec.Apps, appName)
		changed = true
		if len(rec.Apps) == 0 {
			delete(records, source)
			sylog.Debugf("shared resource %s (%s) has no remaining referencing app, removing record", source, rec.Label)
		}
	}
	if !changed {
		return nil
	}
	return e.saveRecords(records)
}

func (e *Engine) loadRecords() (map[string]*SharedResourceRecord, error) {
	records := map[string]*SharedResourceRecord{}
	var list []SharedResourceRecord
	err := e.store.GetJSON(sharedResourceKey, &list)
	if err != nil {
		if errors.Is(err, svcerr.NotFound) {
			return records, nil
		}
		return nil, fmt.Errorf("while loading shared resource records: %w", err)
	}
	for i := range list {
		rec := list[i]
		records[rec.Source] = &rec
	}
	return records, nil
}

func (e *Engine) saveRecords(records map[string]*SharedResourceRecord) error {
	list := make([]SharedResourceRecord, 0, len(records))
	for _, rec := range records {
		list = append(list, *rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Source < list[j].Source })
	return e.store.SetJSON(sharedResourceKey, list)
}
