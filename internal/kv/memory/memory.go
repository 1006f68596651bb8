// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memory provides an in-process KV backend, suitable for tests and
// single-process deployments without durability requirements.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/deploygraph/internal/kv"
)

// Compile-time interface assertions.
var (
	_ kv.Store    = (*Store)(nil)
	_ kv.SetAdder = (*Store)(nil)
)

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Store is an in-memory, mutex-guarded implementation of kv.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
	sets map[string]map[string]struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
	}
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.data[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expireAt time.Time
	if ttl > 0 {
		expireAt = time.Now().Add(ttl)
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.data[key] = entry{value: stored, expireAt: expireAt}
	s.mu.Unlock()
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetAdd implements kv.SetAdder. ttl is tracked only as a convention; the
// in-memory set itself never expires on its own, matching the absence of a
// background reaper in this backend.
func (s *Store) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.sets[key]
	if !ok {
		members = make(map[string]struct{})
		s.sets[key] = members
	}
	members[member] = struct{}{}
	return nil
}

// SetRemove implements kv.SetAdder.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.sets[key]; ok {
		delete(members, member)
	}
	return nil
}

// SetMembers implements kv.SetAdder.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := s.sets[key]
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}
