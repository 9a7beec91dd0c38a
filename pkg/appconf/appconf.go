// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package appconf defines the configuration-store schema for applications
// and kernel modules, and its TOML (de)serialization. The schema mirrors
// the config store's recognized child nodes one-to-one: sandboxed, groups,
// procs/<procName>, bindings, bundles.{dirs,files}, requires.{dirs,files,
// devices,kernelModules}.
package appconf

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

// FaultAction is the policy applied when a process exits non-zero or on a
// signal.
type FaultAction int

const (
	FaultIgnore FaultAction = iota
	FaultRestartProc
	FaultRestartApp
	FaultStopApp
	FaultReboot
)

func (a FaultAction) String() string {
	switch a {
	case FaultIgnore:
		return "ignore"
	case FaultRestartProc:
		return "restart"
	case FaultRestartApp:
		return "restartApp"
	case FaultStopApp:
		return "stopApp"
	case FaultReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// ParseFaultAction converts a config-store string to a FaultAction. An
// unrecognized string returns an error; callers default to FaultIgnore with
// a logged warning rather than fail the whole config load, matching the
// teacher's "invalid value falls back with a warning" idiom (see
// internal/pkg/runtime/launcher/options.go priority string handling).
func ParseFaultAction(s string) (FaultAction, error) {
	switch s {
	case "", "ignore":
		return FaultIgnore, nil
	case "restart":
		return FaultRestartProc, nil
	case "restartApp":
		return FaultRestartApp, nil
	case "stopApp":
		return FaultStopApp, nil
	case "reboot":
		return FaultReboot, nil
	default:
		return FaultIgnore, fmt.Errorf("unrecognized fault action %q", s)
	}
}

// WatchdogAction is the policy applied when a process fails to kick its
// watchdog. It reuses the FaultAction enum values plus Handled, mirroring
// the original implementation's watchdogAction_t (WATCHDOG_ACTION_HANDLED
// marks a timeout that raced with, and lost to, an external kick).
type WatchdogAction int

const (
	WatchdogNotFound WatchdogAction = iota
	WatchdogError
	WatchdogHandled
	WatchdogIgnore
	WatchdogRestart
	WatchdogStop
	WatchdogRestartApp
	WatchdogStopApp
	WatchdogReboot
)

func ParseWatchdogAction(s string) (WatchdogAction, error) {
	switch s {
	case "", "ignore":
		return WatchdogIgnore, nil
	case "handled":
		return WatchdogHandled, nil
	case "restart":
		return WatchdogRestart, nil
	case "stop":
		return WatchdogStop, nil
	case "restartApp":
		return WatchdogRestartApp, nil
	case "stopApp":
		return WatchdogStopApp, nil
	case "reboot":
		return WatchdogReboot, nil
	default:
		return WatchdogError, fmt.Errorf("unrecognized watchdog action %q", s)
	}
}

// ProcConfig is the procs/<procName> subtree.
type ProcConfig struct {
	Args           []string          `toml:"args"`
	EnvVars        map[string]string `toml:"envVars"`
	Priority       string            `toml:"priority"`
	FaultActionStr string            `toml:"faultAction"`
	WatchdogStr    string            `toml:"watchdogAction"`
}

// Binding is a client-side IPC binding to a named server app.
type Binding struct {
	App string `toml:"app"`
}

// BundleEntry is a bundles.dirs / bundles.files entry: a read-only
// (isWritable=false) bundled file or directory brought into the sandbox.
// Writable bundles are copied by the installer and never appear here.
type BundleEntry struct {
	Src        string `toml:"src"`
	Dest       string `toml:"dest"`
	IsWritable bool   `toml:"isWritable"`
}

// RequireEntry is a requires.dirs / requires.files / requires.devices
// entry.
type RequireEntry struct {
	Src         string `toml:"src"`
	Dest        string `toml:"dest"`
	IsReadable  bool   `toml:"isReadable"`
	IsWritable  bool   `toml:"isWritable"`
	IsExecutable bool  `toml:"isExecutable"`
}

// Permission renders the rwx permission string used for MAC allow rules
// and shared-resource records.
func (r RequireEntry) Permission() string {
	p := ""
	if r.IsReadable {
		p += "r"
	}
	if r.IsWritable {
		p += "w"
	}
	if r.IsExecutable {
		p += "x"
	}
	return p
}

// RequiredModule is a requires.kernelModules entry.
type RequiredModule struct {
	Name       string `toml:"name"`
	IsOptional bool   `toml:"isOptional"`
}

// Requires groups the requires.* subtree.
type Requires struct {
	Dirs          []RequireEntry   `toml:"dirs"`
	Files         []RequireEntry   `toml:"files"`
	Devices       []RequireEntry   `toml:"devices"`
	KernelModules []RequiredModule `toml:"kernelModules"`
}

// Bundles groups the bundles.* subtree.
type Bundles struct {
	Dirs  []BundleEntry `toml:"dirs"`
	Files []BundleEntry `toml:"files"`
}

// AppConfig is the full app root-key subtree.
type AppConfig struct {
	Sandboxed bool                  `toml:"sandboxed"`
	Groups    []string              `toml:"groups"`
	Procs     map[string]ProcConfig `toml:"procs"`
	Bindings  []Binding             `toml:"bindings"`
	Bundles   Bundles               `toml:"bundles"`
	Requires  Requires              `toml:"requires"`
}

// DefaultAppConfig returns the schema default (sandboxed apps unless
// configured otherwise, per spec §6).
func DefaultAppConfig() AppConfig {
	return AppConfig{Sandboxed: true}
}

// LoadAppConfig unmarshals a TOML-encoded app subtree.
func LoadAppConfig(b []byte) (AppConfig, error) {
	cfg := DefaultAppConfig()
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("while parsing app config: %w", err)
	}
	return cfg, nil
}

// Marshal serializes the app config back to TOML, for round-tripping
// through the configuration store.
func (c AppConfig) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// ModuleConfig is a kernel module node's config-store subtree.
type ModuleConfig struct {
	LoadManual    bool              `toml:"loadManual"`
	Params        map[string]string `toml:"params"`
	KernelModules []string          `toml:"requires"`
	InstallScript string            `toml:"installScript"`
	RemoveScript  string            `toml:"removeScript"`
}

// LoadModuleConfig unmarshals a TOML-encoded module subtree.
func LoadModuleConfig(b []byte) (ModuleConfig, error) {
	var cfg ModuleConfig
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("while parsing module config: %w", err)
	}
	return cfg, nil
}

func (c ModuleConfig) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
