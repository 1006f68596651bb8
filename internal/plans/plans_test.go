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

package plans

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/graph"
	"github.com/tombee/deploygraph/internal/kv/memory"
	"github.com/tombee/deploygraph/internal/pubsub"
	"github.com/tombee/deploygraph/internal/ragstore"
	"github.com/tombee/deploygraph/internal/workflows/plan"
	"github.com/tombee/deploygraph/pkg/llm"
)

type stubProvider struct{ content string }

func (p *stubProvider) Name() string                  { return "stub" }
func (p *stubProvider) Capabilities() llm.Capabilities { return llm.Capabilities{} }
func (p *stubProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, nil
}
func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Content: p.content}, nil
}

type fakeStore struct{ created []*graph.Graph }

func (s *fakeStore) GetGraph(ctx context.Context, id, companyID, userID string) (*graph.Graph, bool, error) {
	for _, g := range s.created {
		if g.ID == id {
			return g, true, nil
		}
	}
	return nil, false, nil
}
func (s *fakeStore) CreateGraph(ctx context.Context, g *graph.Graph) (*graph.Graph, error) {
	s.created = append(s.created, g)
	return g, nil
}
func (s *fakeStore) UpdateGraph(ctx context.Context, g *graph.Graph) error { return nil }
func (s *fakeStore) DeleteGraph(ctx context.Context, id, companyID, userID string) error {
	return nil
}
func (s *fakeStore) QuerySimilar(ctx context.Context, companyID string, embedding []float32, topK int) ([]ragstore.SimilarGraph, error) {
	return nil, nil
}
func (s *fakeStore) ListGraphs(ctx context.Context, companyID, userID string, limit int) ([]*graph.Graph, error) {
	if limit > 0 && limit < len(s.created) {
		return s.created[:limit], nil
	}
	return s.created, nil
}

func newTestService(t *testing.T, content string, store *fakeStore) *Service {
	t.Helper()
	cp, err := checkpoint.New(checkpoint.Config[plan.State]{
		Store:     memory.New(),
		KeyPrefix: "plans-test",
		HeaderOf:  plan.HeaderOf,
		SetHeader: plan.SetHeader,
	})
	require.NoError(t, err)
	e := engine.New(engine.Config[plan.State]{
		Checkpointer:         cp,
		Bus:                  pubsub.New(pubsub.Config{}),
		HeaderOf:             plan.HeaderOf,
		SetHeader:            plan.SetHeader,
		MaxConcurrentThreads: 2,
	})
	def := plan.NewDefinition(&stubProvider{content: content}, "default")
	return New(Config{Engine: e, Checkpointer: cp, Definition: def, Store: store})
}

func TestCreate_PersistsGeneratedGraph(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(t, `{"name":"orders","nodes":[{"name":"orders-api","nodeType":"MICROSERVICE"}]}`, store)

	sub, err := s.Create(context.Background(), Request{CompanyID: "acme", UserID: "u1", Text: "an orders API"})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ThreadID)

	require.Eventually(t, func() bool {
		return len(store.created) == 1
	}, 2*time.Second, 10*time.Millisecond)

	status, ok, err := s.GetStatus(context.Background(), sub.ThreadID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, checkpoint.StatusCompleted, status.Status)
}

func TestAnalyze_DoesNotPersist(t *testing.T) {
	store := &fakeStore{}
	s := newTestService(t, `{"name":"orders","nodes":[{"name":"orders-api","nodeType":"MICROSERVICE"}]}`, store)

	sub, err := s.Analyze(context.Background(), Request{CompanyID: "acme", UserID: "u1", Text: "an orders API"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok, err := s.GetStatus(context.Background(), sub.ThreadID)
		return err == nil && ok && status.Status == checkpoint.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, store.created)
}

func TestCreate_RejectsEmptyRequest(t *testing.T) {
	s := newTestService(t, `{}`, &fakeStore{})
	_, err := s.Create(context.Background(), Request{})
	assert.Error(t, err)
}

func TestGetStatus_UnknownThreadReturnsNotFound(t *testing.T) {
	s := newTestService(t, `{}`, &fakeStore{})
	_, ok, err := s.GetStatus(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}
