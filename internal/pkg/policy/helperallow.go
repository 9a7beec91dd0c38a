// Copyright (c) 2020, Control Command Inc. All rights reserved.
// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// This file adapts the execution-control-list TOML config shape
// (internal/pkg/syecl/syecl.go) into the small allow-list of framework
// helper applications that may reach the kernel/userspace bridge label
// (spec §4.5 (c) "the supervisor also maintains a short allow-list of
// framework helper apps that may be granted the bridge label").
package policy

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// BridgeLabel is the kernel/userspace bridge object label; only the apps
// named in a HelperAllowList may be granted access to it.
const BridgeLabel = "bridge"

// HelperAllowList is the TOML-backed configuration of which apps may be
// treated as framework helpers.
type HelperAllowList struct {
	Activated bool     `toml:"activated"`
	Apps      []string `toml:"apps"`
}

// LoadHelperAllowList reads and unmarshals the allow-list config file.
func LoadHelperAllowList(path string) (HelperAllowList, error) {
	var list HelperAllowList
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return list, nil
		}
		return list, fmt.Errorf("while reading helper allow-list %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &list); err != nil {
		return list, fmt.Errorf("while parsing helper allow-list %s: %w", path, err)
	}
	return list, nil
}

// Allows reports whether appName is a permitted framework helper.
func (l HelperAllowList) Allows(appName string) bool {
	if !l.Activated {
		return false
	}
	for _, a := range l.Apps {
		if a == appName {
			return true
		}
	}
	return false
}

// InstallBridgeRule grants appName the bridge label if it is on the
// allow-list; called on each app start alongside InstallDefaultRules.
func (e *Engine) InstallBridgeRule(appName string, allow HelperAllowList) error {
	if !allow.Allows(appName) {
		return nil
	}
	return e.rules.Install(Rule{Subject: SubjectLabel(appName), Object: BridgeLabel, Permission: "rwx"})
}
