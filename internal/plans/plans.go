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

// Package plans runs the plan workflow on behalf of callers that need a
// graph synthesized from a freeform request, mirroring the bookkeeping
// internal/jobs applies to codegen: one background task per thread, a
// status view over the checkpoint, and cancellation. Unlike jobs, a plan
// run's output (a candidate graph) is small enough to read straight back
// off the checkpoint, so there is no result cache.
package plans

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/graph"
	"github.com/tombee/deploygraph/internal/ragstore"
	"github.com/tombee/deploygraph/internal/workflows/plan"
)

// Request is the input to Create and Analyze.
type Request struct {
	CompanyID string
	UserID    string
	Text      string
}

// Submission is Create/Analyze's immediate response.
type Submission struct {
	ThreadID string
	Status   checkpoint.Status
}

// StatusView is what GetStatus reports.
type StatusView struct {
	ThreadID string
	Status   checkpoint.Status
	Step     string
	Error    string
}

// Config configures a Service.
type Config struct {
	Engine       *engine.Engine[plan.State]
	Checkpointer *checkpoint.Checkpointer[plan.State]
	Definition   engine.Definition[plan.State]
	Store        ragstore.GraphStore
	Logger       *slog.Logger
}

// Service is the planning service: create, analyze, status, cancel, and
// (via the graph store directly) get-graph.
type Service struct {
	engine *engine.Engine[plan.State]
	cp     *checkpoint.Checkpointer[plan.State]
	def    engine.Definition[plan.State]
	store  ragstore.GraphStore
	logger *slog.Logger
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: cfg.Engine,
		cp:     cfg.Checkpointer,
		def:    cfg.Definition,
		store:  cfg.Store,
		logger: logger,
	}
}

// Create starts a plan run and, once it completes validly, persists the
// resulting graph to the graph store.
func (s *Service) Create(ctx context.Context, req Request) (Submission, error) {
	return s.start(ctx, req, true)
}

// Analyze starts a plan run without persisting its result; a caller uses
// it to preview a graph before committing to Create.
func (s *Service) Analyze(ctx context.Context, req Request) (Submission, error) {
	return s.start(ctx, req, false)
}

func (s *Service) start(ctx context.Context, req Request, persist bool) (Submission, error) {
	if req.Text == "" {
		return Submission{}, fmt.Errorf("plans: request text is required")
	}

	threadID := uuid.NewString()
	initial := plan.State{
		CompanyID: req.CompanyID,
		UserID:    req.UserID,
		Request:   req.Text,
	}
	if err := s.engine.Start(ctx, threadID, s.def, initial); err != nil {
		return Submission{}, fmt.Errorf("plans: start: %w", err)
	}

	if persist {
		go s.persistWhenDone(threadID)
	}

	return Submission{ThreadID: threadID, Status: checkpoint.StatusRunning}, nil
}

// persistWhenDone waits for threadID's run to finish and, if it completed
// without validation errors, saves the generated graph to the store. This
// stands in for saveGraph, which the workflow itself leaves a no-op.
func (s *Service) persistWhenDone(threadID string) {
	ctx := context.Background()
	sub := s.engine.Subscribe(threadID)
	defer sub.Close()

	for msg := range sub.C() {
		var evt engine.Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			continue
		}
		if evt.Type != engine.EventRunCompleted {
			if evt.Type == engine.EventRunFailed || evt.Type == engine.EventRunCancelled {
				return
			}
			continue
		}

		state, ok, err := s.cp.Load(ctx, threadID)
		if err != nil || !ok || state.Graph == nil {
			return
		}
		if s.store == nil {
			return
		}
		if _, err := s.store.CreateGraph(ctx, state.Graph); err != nil {
			s.logger.Warn("plans: failed to persist generated graph", "thread_id", threadID, "error", err)
		}
		return
	}
}

// GetStatus reports a plan run's current status from its checkpoint.
func (s *Service) GetStatus(ctx context.Context, threadID string) (StatusView, bool, error) {
	header, ok, err := s.cp.GetStatus(ctx, threadID)
	if err != nil {
		return StatusView{}, false, fmt.Errorf("plans: status: %w", err)
	}
	if !ok {
		return StatusView{}, false, nil
	}
	return StatusView{ThreadID: threadID, Status: header.Status, Step: header.CurrentStep, Error: header.Error}, true, nil
}

// Cancel requests cancellation of an in-flight plan run.
func (s *Service) Cancel(ctx context.Context, threadID string) error {
	if err := s.engine.Cancel(threadID); err != nil {
		return fmt.Errorf("plans: cancel: %w", err)
	}
	return nil
}

// GetGraph reads back a previously created graph from the graph store.
func (s *Service) GetGraph(ctx context.Context, id, companyID, userID string) (*graph.Graph, bool, error) {
	if s.store == nil {
		return nil, false, nil
	}
	return s.store.GetGraph(ctx, id, companyID, userID)
}

// GetPlanGraph reads the candidate graph generated so far by a plan run,
// straight off its checkpoint rather than the graph store — it is valid to
// call this before the run reaches saveGraph, and for an Analyze run (which
// never persists) it is the only way to retrieve the result at all.
func (s *Service) GetPlanGraph(ctx context.Context, threadID string) (*graph.Graph, bool, error) {
	state, ok, err := s.cp.Load(ctx, threadID)
	if err != nil {
		return nil, false, fmt.Errorf("plans: get plan graph: %w", err)
	}
	if !ok || state.Graph == nil {
		return nil, false, nil
	}
	return state.Graph, true, nil
}
