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

package plan

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/kv/memory"
	"github.com/tombee/deploygraph/internal/pubsub"
	"github.com/tombee/deploygraph/pkg/llm"
)

// stubProvider returns a fixed completion regardless of the request, or
// fails the call if err is set.
type stubProvider struct {
	content string
	err     error
}

func (p *stubProvider) Name() string                     { return "stub" }
func (p *stubProvider) Capabilities() llm.Capabilities    { return llm.Capabilities{} }
func (p *stubProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}
func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Content: p.content}, nil
}

func newTestEngine(t *testing.T) (*engine.Engine[State], *checkpoint.Checkpointer[State]) {
	t.Helper()
	cp, err := checkpoint.New(checkpoint.Config[State]{
		Store:     memory.New(),
		KeyPrefix: "plan-test",
		HeaderOf:  HeaderOf,
		SetHeader: SetHeader,
	})
	require.NoError(t, err)
	e := engine.New(engine.Config[State]{
		Checkpointer:         cp,
		Bus:                  pubsub.New(pubsub.Config{}),
		HeaderOf:             HeaderOf,
		SetHeader:            SetHeader,
		MaxConcurrentThreads: 2,
	})
	return e, cp
}

func waitForTerminal(t *testing.T, e *engine.Engine[State], thread string) engine.Event {
	t.Helper()
	sub := e.Subscribe(thread)
	defer sub.Close()
	for {
		select {
		case msg := <-sub.C():
			var evt engine.Event
			require.NoError(t, json.Unmarshal(msg.Payload, &evt))
			switch evt.Type {
			case engine.EventRunCompleted, engine.EventRunFailed, engine.EventRunCancelled:
				return evt
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestPlan_GeneratesAndValidatesGraph(t *testing.T) {
	e, cp := newTestEngine(t)
	provider := &stubProvider{content: `Sure, here you go:
{"name":"checkout","nodes":[{"name":"checkout-api","nodeType":"MICROSERVICE"},{"name":"checkout-db","nodeType":"DATABASE"}]}
Let me know if you need anything else.`}

	def := NewDefinition(provider, "default")
	start := State{Request: "a checkout service backed by a database", CompanyID: "acme", UserID: "u1"}
	require.NoError(t, e.Start(context.Background(), "plan-1", def, start))

	evt := waitForTerminal(t, e, "plan-1")
	assert.Equal(t, engine.EventRunCompleted, evt.Type)

	state, ok, err := cp.Load(context.Background(), "plan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, state.Graph)
	assert.Equal(t, "checkout", state.Graph.Name)
	assert.Len(t, state.Graph.Nodes, 2)
	for _, n := range state.Graph.Nodes {
		assert.NotEmpty(t, n.ID)
		assert.False(t, n.CreatedAt.IsZero())
	}
	assert.True(t, state.ValidationResult.IsValid)
}

func TestPlan_InvalidGraphFailsRun(t *testing.T) {
	e, cp := newTestEngine(t)
	// A graph with no nodes and no name is structurally invalid.
	provider := &stubProvider{content: `{"name":"","nodes":[]}`}

	def := NewDefinition(provider, "default")
	require.NoError(t, e.Start(context.Background(), "plan-2", def, State{CompanyID: "acme", UserID: "u1"}))

	evt := waitForTerminal(t, e, "plan-2")
	assert.Equal(t, engine.EventRunFailed, evt.Type)

	header, ok, err := cp.GetStatus(context.Background(), "plan-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, checkpoint.StatusFailed, header.Status)
}

func TestPlan_MalformedCompletionFailsGenerateGraph(t *testing.T) {
	e, _ := newTestEngine(t)
	provider := &stubProvider{content: "no json here at all"}

	def := NewDefinition(provider, "default")
	require.NoError(t, e.Start(context.Background(), "plan-3", def, State{CompanyID: "acme", UserID: "u1"}))

	evt := waitForTerminal(t, e, "plan-3")
	assert.Equal(t, engine.EventRunFailed, evt.Type)
}
