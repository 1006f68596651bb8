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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/kv/memory"
)

func TestCache_SetGetRoundTrip(t *testing.T) {
	c := New(Config{Store: memory.New(), KeyPrefix: "session", LRUMax: 10, LRUTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"abc"}, []byte("payload"), time.Hour))
	val, ok, err := c.Get(ctx, []string{"abc"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), val)
}

func TestCache_GetMiss(t *testing.T) {
	c := New(Config{Store: memory.New(), KeyPrefix: "job", LRUMax: 10})
	_, ok, err := c.Get(context.Background(), []string{"missing"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_RemoveEvictsBothTiers(t *testing.T) {
	store := memory.New()
	c := New(Config{Store: store, KeyPrefix: "job", LRUMax: 10})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"1", "status"}, []byte("running"), 0))
	require.NoError(t, c.Remove(ctx, []string{"1", "status"}))

	_, ok, err := c.Get(ctx, []string{"1", "status"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_L2ExpiryEvictsOnRead(t *testing.T) {
	store := memory.New()
	c := New(Config{Store: store, KeyPrefix: "job", LRUMax: 10})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"1"}, []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, []string{"1"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_L1TTLIndependentOfL2(t *testing.T) {
	store := memory.New()
	c := New(Config{Store: store, KeyPrefix: "job", LRUMax: 10, LRUTTL: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"1"}, []byte("x"), time.Hour))
	time.Sleep(5 * time.Millisecond)

	// L1 entry expired, but L2 still has it with a long TTL: Get should
	// fall through and repopulate L1.
	val, ok, err := c.Get(ctx, []string{"1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("x"), val)
}

func TestCache_LRUEviction(t *testing.T) {
	store := memory.New()
	c := New(Config{Store: store, KeyPrefix: "job", LRUMax: 2})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"1"}, []byte("a"), 0))
	require.NoError(t, c.Set(ctx, []string{"2"}, []byte("b"), 0))
	require.NoError(t, c.Set(ctx, []string{"3"}, []byte("c"), 0))

	assert.Equal(t, 2, c.lru.len())

	// Entry "1" was evicted from L1 but the write-through means L2 still
	// has it.
	val, ok, err := c.Get(ctx, []string{"1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), val)
}

func TestCache_Scan(t *testing.T) {
	store := memory.New()
	c := New(Config{Store: store, KeyPrefix: "job", LRUMax: 10})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, []string{"1", "status"}, []byte("running"), 0))
	require.NoError(t, c.Set(ctx, []string{"2", "status"}, []byte("pending"), 0))

	keys, values, err := c.Scan(ctx, nil)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.Len(t, values, 2)
}
