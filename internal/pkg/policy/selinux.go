// Copyright (c) 2018-2021, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package policy

import (
	"fmt"

	"github.com/opencontainers/selinux/go-selinux"
	"github.com/opencontainers/selinux/go-selinux/label"
)

// Labeler is the MAC backend surface the Policy & MAC Engine depends on:
// get/set a subject label for the current process, and get/set an object
// label on a filesystem path. Any label-plus-allow-rule MAC backend
// (SMACK-style or an LSM) can implement this; the spec is deliberately
// backend-agnostic (§9 Open Question: "the exact choice of MAC system").
type Labeler interface {
	Enabled() bool
	SetExecLabel(label string) error
	SetFileLabel(path, label string) error
	FileLabel(path string) (string, error)
}

// selinuxLabeler implements Labeler on github.com/opencontainers/selinux,
// extending the teacher's Enabled/SetExecLabel surface
// (internal/pkg/security/selinux/selinux_unsupported.go) with real object
// labelling, since the supervisor must label device nodes and shared files
// as well as its own subject.
type selinuxLabeler struct{}

func NewSELinuxLabeler() Labeler {
	return selinuxLabeler{}
}

func (selinuxLabeler) Enabled() bool {
	return selinux.GetEnabled()
}

func (selinuxLabeler) SetExecLabel(lbl string) error {
	if !selinux.GetEnabled() {
		return nil
	}
	return selinux.SetExecLabel(lbl)
}

func (selinuxLabeler) SetFileLabel(path, lbl string) error {
	if !selinux.GetEnabled() {
		return nil
	}
	if err := label.SetFileLabel(path, lbl); err != nil {
		return fmt.Errorf("while labelling %s as %q: %w", path, lbl, err)
	}
	return nil
}

func (selinuxLabeler) FileLabel(path string) (string, error) {
	if !selinux.GetEnabled() {
		return "", nil
	}
	return selinux.FileLabel(path)
}
