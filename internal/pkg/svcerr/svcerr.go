// Copyright (c) 2018-2020, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package svcerr defines the semantic error taxonomy shared by every public
// operation in the supervisor: NotFound, Overflow, Duplicate, Fault,
// Timeout, WouldBlock, and Terminated. Callers compare with errors.Is;
// wrapping with fmt.Errorf("...: %w", svcerr.NotFound) preserves context
// while keeping the sentinel comparable.
package svcerr

import "errors"

var (
	// NotFound indicates the named entity (app, process, module, link,
	// shared-resource record) does not exist.
	NotFound = errors.New("not found")
	// Overflow indicates a fixed-size buffer or bounded list (e.g. the
	// supplementary-gid list, the auxiliary-process name space) is full.
	Overflow = errors.New("overflow")
	// Duplicate indicates a path conflict: the destination already exists
	// under the app's sandbox tree.
	Duplicate = errors.New("duplicate")
	// Fault indicates a generic, recoverable operational failure.
	Fault = errors.New("fault")
	// Timeout indicates a bounded wait (module liveness recheck, cgroup
	// freeze) expired.
	Timeout = errors.New("timeout")
	// WouldBlock indicates the caller must observe completion
	// asynchronously (an app-stop deferred because of an escalation).
	WouldBlock = errors.New("would block")
	// Terminated indicates the caller's start request resolved to a
	// requested app restart rather than Ok or Fault.
	Terminated = errors.New("terminated")
)
