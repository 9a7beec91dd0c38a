// Copyright (c) 2018-2023, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package memstore is an in-memory store.Store used by package tests that
// exercise store-consuming code without standing up a bbolt file.
package memstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/legatoproject/supervisor/internal/pkg/store"
	"github.com/legatoproject/supervisor/internal/pkg/svcerr"
)

type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

func New() *Store {
	return &Store{data: map[string][]byte{}}
}

func (s *Store) View(fn func(store.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&txn{s: s})
}

func (s *Store) Update(fn func(store.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&txn{s: s})
}

func (s *Store) Close() error { return nil }

func (s *Store) GetJSON(key string, out interface{}) error {
	s.mu.Lock()
	v, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return svcerr.NotFound
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("while decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetJSON(key string, in interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("while encoding %s: %w", key, err)
	}
	s.mu.Lock()
	s.data[key] = data
	s.mu.Unlock()
	return nil
}

// txn assumes the caller already holds s.mu (taken by View/Update), matching
// the single in-process lock bbolt's real transactions provide.
type txn struct {
	s *Store
}

func (t *txn) Get(key string) ([]byte, error) {
	return t.s.data[key], nil
}

func (t *txn) Set(key string, value []byte) error {
	t.s.data[key] = value
	return nil
}

func (t *txn) Delete(key string) error {
	delete(t.s.data, key)
	return nil
}

func (t *txn) Iterate(prefix string, fn func(key string, value []byte) error) error {
	keys := make([]string, 0, len(t.s.data))
	for k := range t.s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, t.s.data[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) Commit() error   { return nil }
func (t *txn) Rollback() error { return nil }
