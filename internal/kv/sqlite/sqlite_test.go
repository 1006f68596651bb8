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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/kv"
)

func TestStore_SetGetDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "kv.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "checkpoint:state:t1", []byte("hello"), 0))

	got, err := s.Get(ctx, "checkpoint:state:t1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)

	require.NoError(t, s.Delete(ctx, "checkpoint:state:t1"))
	_, err = s.Get(ctx, "checkpoint:state:t1")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_ExpiredEntryNotReturned(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "kv.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_Keys_PrefixScan(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "kv.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "job:1:status", []byte("a"), 0))
	require.NoError(t, s.Set(ctx, "job:2:status", []byte("b"), 0))
	require.NoError(t, s.Set(ctx, "session:x", []byte("c"), 0))

	keys, err := s.Keys(ctx, "job:")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"job:1:status", "job:2:status"}, keys)
}

func TestStore_SetMembers(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{Path: filepath.Join(dir, "kv.db")})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.SetAdd(ctx, "threads", "t1", 0))
	require.NoError(t, s.SetAdd(ctx, "threads", "t2", 0))
	require.NoError(t, s.SetRemove(ctx, "threads", "t1"))

	members, err := s.SetMembers(ctx, "threads")
	require.NoError(t, err)
	require.Equal(t, []string{"t2"}, members)
}
