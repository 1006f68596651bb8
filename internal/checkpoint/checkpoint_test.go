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

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/kv/memory"
)

type testState struct {
	Header  Header `json:"header"`
	Request string `json:"request"`
}

func newTestCheckpointer(t *testing.T) *Checkpointer[testState] {
	t.Helper()
	cp, err := New(Config[testState]{
		Store:     memory.New(),
		KeyPrefix: "plan",
		HeaderOf:  func(s testState) Header { return s.Header },
		SetHeader: func(s testState, h Header) testState { s.Header = h; return s },
	})
	require.NoError(t, err)
	return cp
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	state := testState{
		Header:  Header{CurrentStep: "analyzeRequest", Status: StatusRunning, StartTime: time.Now()},
		Request: "deploy a postgres database",
	}
	require.NoError(t, cp.Save(ctx, "thread-1", state))

	loaded, ok, err := cp.Load(ctx, "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "deploy a postgres database", loaded.Request)
	assert.Equal(t, "analyzeRequest", loaded.Header.CurrentStep)
}

func TestLoad_MissingThread(t *testing.T) {
	cp := newTestCheckpointer(t)
	_, ok, err := cp.Load(context.Background(), "no-such-thread")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetStatus_MatchesSavedHeader(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	state := testState{Header: Header{CurrentStep: "generateGraph", Status: StatusRunning, StartTime: time.Now()}}
	require.NoError(t, cp.Save(ctx, "thread-2", state))

	header, ok, err := cp.GetStatus(ctx, "thread-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "generateGraph", header.CurrentStep)
	assert.Equal(t, StatusRunning, header.Status)
}

func TestUpdateStatus_SetsEndTimeOnTerminal(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	state := testState{Header: Header{CurrentStep: "validateGraph", Status: StatusRunning, StartTime: time.Now()}}
	require.NoError(t, cp.Save(ctx, "thread-3", state))

	require.NoError(t, cp.UpdateStatus(ctx, "thread-3", StatusCompleted, "validateGraph", ""))

	header, ok, err := cp.GetStatus(ctx, "thread-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, header.Status)
	require.NotNil(t, header.EndTime)
	require.NotNil(t, header.Duration)

	meta, ok, err := cp.LoadWithMetadata(ctx, "thread-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, meta.Header.Status)
}

func TestListThreads_ReflectsSaveAndDelete(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, cp.Save(ctx, "a", testState{Header: Header{StartTime: time.Now()}}))
	require.NoError(t, cp.Save(ctx, "b", testState{Header: Header{StartTime: time.Now()}}))

	threads, err := cp.ListThreads(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, threads)

	require.NoError(t, cp.Delete(ctx, "a"))
	threads, err = cp.ListThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, threads)

	_, ok, err := cp.Load(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCleanup_RemovesOldThreads(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	old := testState{Header: Header{StartTime: time.Now().Add(-48 * time.Hour)}}
	fresh := testState{Header: Header{StartTime: time.Now()}}
	require.NoError(t, cp.Save(ctx, "old", old))
	require.NoError(t, cp.Save(ctx, "fresh", fresh))

	removed, err := cp.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	threads, err := cp.ListThreads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, threads)
}

func TestGetStats_TalliesByStatus(t *testing.T) {
	cp := newTestCheckpointer(t)
	ctx := context.Background()

	require.NoError(t, cp.Save(ctx, "a", testState{Header: Header{Status: StatusRunning, StartTime: time.Now()}}))
	require.NoError(t, cp.Save(ctx, "b", testState{Header: Header{Status: StatusCompleted, StartTime: time.Now()}}))
	require.NoError(t, cp.Save(ctx, "c", testState{Header: Header{Status: StatusRunning, StartTime: time.Now()}}))

	stats, err := cp.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalThreads)
	assert.Equal(t, 2, stats.ByStatus[StatusRunning])
	assert.Equal(t, 1, stats.ByStatus[StatusCompleted])
}
