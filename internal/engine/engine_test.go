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

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/kv/memory"
	"github.com/tombee/deploygraph/internal/pubsub"
)

type testState struct {
	Header checkpoint.Header
	Count  int
}

func newTestEngine(t *testing.T) (*Engine[testState], *checkpoint.Checkpointer[testState], *pubsub.Bus) {
	t.Helper()
	cp, err := checkpoint.New(checkpoint.Config[testState]{
		Store:     memory.New(),
		KeyPrefix: "test",
		HeaderOf:  func(s testState) checkpoint.Header { return s.Header },
		SetHeader: func(s testState, h checkpoint.Header) testState { s.Header = h; return s },
	})
	require.NoError(t, err)
	bus := pubsub.New(pubsub.Config{})
	e := New(Config[testState]{
		Checkpointer:         cp,
		Bus:                  bus,
		HeaderOf:             func(s testState) checkpoint.Header { return s.Header },
		SetHeader:            func(s testState, h checkpoint.Header) testState { s.Header = h; return s },
		MaxConcurrentThreads: 4,
		MaxStepRetries:       2,
	})
	return e, cp, bus
}

func waitForEvent(t *testing.T, sub *pubsub.Subscription, want EventType) Event {
	t.Helper()
	for {
		select {
		case msg := <-sub.C():
			var evt Event
			require.NoError(t, json.Unmarshal(msg.Payload, &evt))
			if evt.Type == want {
				return evt
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestEngine_RunsAllStepsToCompletion(t *testing.T) {
	e, cp, _ := newTestEngine(t)
	sub := e.Subscribe("thread-1")
	defer sub.Close()

	def := Definition[testState]{
		Name: "increment",
		Steps: []Step[testState]{
			{Name: "a", Execute: func(ctx context.Context, s testState) (testState, error) { s.Count++; return s, nil }},
			{Name: "b", Execute: func(ctx context.Context, s testState) (testState, error) { s.Count++; return s, nil }},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-1", def, testState{}))
	waitForEvent(t, sub, EventRunCompleted)

	state, ok, err := cp.Load(context.Background(), "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, state.Count)
	assert.Equal(t, []string{"a", "b"}, state.Header.StepHistory)

	header, ok, err := cp.GetStatus(context.Background(), "thread-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, checkpoint.StatusCompleted, header.Status)
}

func TestEngine_StepFailureMarksRunFailed(t *testing.T) {
	e, cp, _ := newTestEngine(t)
	sub := e.Subscribe("thread-2")
	defer sub.Close()

	def := Definition[testState]{
		Name: "always-fails",
		Steps: []Step[testState]{
			{Name: "boom", Execute: func(ctx context.Context, s testState) (testState, error) {
				return s, errors.New("boom")
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-2", def, testState{}))
	evt := waitForEvent(t, sub, EventRunFailed)
	assert.Equal(t, "boom", evt.Error)

	header, ok, err := cp.GetStatus(context.Background(), "thread-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, checkpoint.StatusFailed, header.Status)
}

func TestEngine_RetriesBeforeFailing(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sub := e.Subscribe("thread-3")
	defer sub.Close()

	attempts := 0
	def := Definition[testState]{
		Name: "flaky",
		Steps: []Step[testState]{
			{Name: "flaky-step", Execute: func(ctx context.Context, s testState) (testState, error) {
				attempts++
				if attempts < 2 {
					return s, errors.New("transient")
				}
				s.Count = 42
				return s, nil
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-3", def, testState{}))
	waitForEvent(t, sub, EventRunCompleted)
	assert.Equal(t, 2, attempts)
}

func TestEngine_RetryExhaustionPublishesStepFailedPerAttempt(t *testing.T) {
	e, cp, _ := newTestEngine(t)
	sub := e.Subscribe("thread-3c")
	defer sub.Close()

	def := Definition[testState]{
		Name: "always-fails",
		Steps: []Step[testState]{
			{Name: "boom", Execute: func(ctx context.Context, s testState) (testState, error) {
				return s, errors.New("boom")
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-3c", def, testState{}))

	var types []EventType
	for {
		select {
		case msg := <-sub.C():
			var evt Event
			require.NoError(t, json.Unmarshal(msg.Payload, &evt))
			types = append(types, evt.Type)
			if evt.Type == EventRunFailed {
				goto done
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for run to fail")
		}
	}
done:
	assert.Equal(t, []EventType{
		EventRunStarted,
		EventStepStarted,
		EventStepFailed,
		EventStepFailed,
		EventStepFailed,
		EventRunFailed,
	}, types)

	header, ok, err := cp.GetStatus(context.Background(), "thread-3c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, header.RetryCount)
	assert.Equal(t, 2, header.MaxRetries)
	assert.Equal(t, checkpoint.StatusFailed, header.Status)
}

func TestEngine_BeforeRetryTagsStateBetweenAttempts(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sub := e.Subscribe("thread-3b")
	defer sub.Close()

	var sawRetryFlag bool
	attempts := 0
	def := Definition[testState]{
		Name: "tags-retry",
		BeforeRetry: func(s testState, step string, err error, attempt int) testState {
			s.Count = 99
			return s
		},
		Steps: []Step[testState]{
			{Name: "flaky-step", Execute: func(ctx context.Context, s testState) (testState, error) {
				attempts++
				if attempts < 2 {
					return s, errors.New("transient")
				}
				sawRetryFlag = s.Count == 99
				return s, nil
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-3b", def, testState{}))
	waitForEvent(t, sub, EventRunCompleted)
	assert.True(t, sawRetryFlag)
}

func TestEngine_OnStepErrorRecovers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sub := e.Subscribe("thread-4")
	defer sub.Close()

	def := Definition[testState]{
		Name: "recoverable",
		OnStepError: func(s testState, step string, err error) (testState, bool) {
			s.Count = -1
			return s, true
		},
		Steps: []Step[testState]{
			{Name: "never-works", Execute: func(ctx context.Context, s testState) (testState, error) {
				return s, errors.New("permanent")
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-4", def, testState{}))
	waitForEvent(t, sub, EventRunCompleted)
}

func TestEngine_ShouldContinueStopsEarly(t *testing.T) {
	e, cp, _ := newTestEngine(t)
	sub := e.Subscribe("thread-5")
	defer sub.Close()

	def := Definition[testState]{
		Name:           "short-circuit",
		ShouldContinue: func(s testState) bool { return s.Count == 0 },
		Steps: []Step[testState]{
			{Name: "a", Execute: func(ctx context.Context, s testState) (testState, error) { s.Count++; return s, nil }},
			{Name: "b", Execute: func(ctx context.Context, s testState) (testState, error) { s.Count++; return s, nil }},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-5", def, testState{}))
	waitForEvent(t, sub, EventRunCompleted)

	state, ok, err := cp.Load(context.Background(), "thread-5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, state.Count)
}

func TestEngine_CancelStopsRun(t *testing.T) {
	e, _, _ := newTestEngine(t)
	sub := e.Subscribe("thread-6")
	defer sub.Close()

	started := make(chan struct{})
	block := make(chan struct{})
	def := Definition[testState]{
		Name: "blocks",
		Steps: []Step[testState]{
			{Name: "blocking", Execute: func(ctx context.Context, s testState) (testState, error) {
				close(started)
				select {
				case <-ctx.Done():
					return s, ctx.Err()
				case <-block:
					return s, nil
				}
			}},
		},
	}

	require.NoError(t, e.Start(context.Background(), "thread-6", def, testState{}))
	<-started
	require.NoError(t, e.Cancel("thread-6"))
	waitForEvent(t, sub, EventRunCancelled)
	close(block)
}

func TestDryRun_ListsStepsHonoringShouldContinue(t *testing.T) {
	def := Definition[testState]{
		Name:           "preview",
		ShouldContinue: func(s testState) bool { return s.Count == 0 },
		Steps: []Step[testState]{
			{Name: "a", Execute: func(ctx context.Context, s testState) (testState, error) { return s, nil }},
			{Name: "b", Execute: func(ctx context.Context, s testState) (testState, error) { return s, nil }},
		},
	}
	plan := DryRun(def, testState{})
	assert.Equal(t, []string{"a"}, plan.Steps)
}

func TestEngine_ReplayResumesFromCheckpointedStep(t *testing.T) {
	e, cp, _ := newTestEngine(t)

	require.NoError(t, cp.Save(context.Background(), "thread-7", testState{
		Header: checkpoint.Header{CurrentStep: "b", StartTime: time.Now()},
		Count:  1,
	}))

	sub := e.Subscribe("thread-7")
	defer sub.Close()

	var executed []string
	def := Definition[testState]{
		Name: "resume",
		Steps: []Step[testState]{
			{Name: "a", Execute: func(ctx context.Context, s testState) (testState, error) {
				executed = append(executed, "a")
				return s, nil
			}},
			{Name: "b", Execute: func(ctx context.Context, s testState) (testState, error) {
				executed = append(executed, "b")
				s.Count++
				return s, nil
			}},
		},
	}

	require.NoError(t, e.Replay(context.Background(), "thread-7", def))
	waitForEvent(t, sub, EventRunCompleted)
	assert.Equal(t, []string{"b"}, executed)

	state, ok, err := cp.Load(context.Background(), "thread-7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, state.Count)
}
