// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package store defines the Configuration Store surface the supervisor
// consumes: an externally-owned, opaque key/value tree with short-lived
// explicit transactions (spec §2, §4.6). The supervisor never assumes
// ownership of the store's lifecycle; it only opens transactions against
// it and reads/writes within them.
package store

// Txn is a single short-lived transaction against the store. It must not be
// retained past the call that produced it (spec §4.6 "transactions are
// short-lived and explicit").
type Txn interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Iterate calls fn for every key under prefix, in lexical order,
	// stopping at the first error fn returns.
	Iterate(prefix string, fn func(key string, value []byte) error) error
	Commit() error
	Rollback() error
}

// Store opens transactions against the underlying KV tree.
type Store interface {
	View(fn func(Txn) error) error
	Update(fn func(Txn) error) error
	Close() error

	// GetJSON and SetJSON are convenience wrappers used by callers (such as
	// the Policy & MAC Engine's shared-resource table) that want a single
	// JSON-encoded value read or written within its own transaction.
	GetJSON(key string, out interface{}) error
	SetJSON(key string, in interface{}) error
}

