// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package boltstore implements store.Store on top of go.etcd.io/bbolt, an
// embedded ordered key/value store whose short-lived View/Update
// transaction model is the same shape the Configuration Store exposes to
// the supervisor (spec §4.6). Keys are "/"-separated paths flattened into
// a single bucket so prefix iteration stays lexical.
package boltstore

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/legatoproject/supervisor/internal/pkg/store"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
)

var rootBucket = []byte("config")

// Store is a store.Store backed by a single bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("while opening config store %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("while initializing config store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) View(fn func(store.Txn) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(rootBucket)})
	})
}

func (s *Store) Update(fn func(store.Txn) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&txn{b: tx.Bucket(rootBucket)})
	})
}

func (s *Store) GetJSON(key string, out interface{}) error {
	var data []byte
	err := s.View(func(t store.Txn) error {
		v, err := t.Get(key)
		if err != nil {
			return err
		}
		data = v
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return svcerr.NotFound
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("while decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetJSON(key string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("while encoding %s: %w", key, err)
	}
	return s.Update(func(t store.Txn) error {
		return t.Set(key, data)
	})
}

// txn adapts a single *bolt.Bucket to store.Txn.
type txn struct {
	b *bolt.Bucket
}

func (t *txn) Get(key string) ([]byte, error) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	// bbolt's returned slice is only valid for the transaction's
	// lifetime; copy it out.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *txn) Set(key string, value []byte) error {
	return t.b.Put([]byte(key), value)
}

func (t *txn) Delete(key string) error {
	return t.b.Delete([]byte(key))
}

func (t *txn) Iterate(prefix string, fn func(key string, value []byte) error) error {
	c := t.b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
		valCopy := make([]byte, len(v))
		copy(valCopy, v)
		if err := fn(string(k), valCopy); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Commit() error   { return nil }
func (t *txn) Rollback() error { return nil }
