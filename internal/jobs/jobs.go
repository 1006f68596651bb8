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

// Package jobs submits codegen runs, content-addresses their results, and
// lets callers poll status or wait for completion. It generalizes the
// teacher's internal/controller/queue.MemoryQueue plus Runner.Submit
// bookkeeping (activeJobs-equivalent in-memory tracking, one detached
// goroutine per submission, terminal-status cache write) onto the
// generic workflow engine.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/graph"
	"github.com/tombee/deploygraph/internal/cache"
	"github.com/tombee/deploygraph/internal/pubsub"
	"github.com/tombee/deploygraph/internal/workflows/codegen"
)

// resultCacheTTL bounds how long a content-addressed codegen result and a
// job's terminal status stay cached.
const resultCacheTTL = time.Hour

// Request is the input to SubmitJob.
type Request struct {
	Graph       *graph.Graph
	CompanyID   string
	UserID      string
	Namespace   string
	UserContext string

	// DisableCache skips the content-addressed result cache lookup/write.
	// Caching is on by default.
	DisableCache bool
}

// Submission is SubmitJob's immediate response.
type Submission struct {
	JobID  string
	Status checkpoint.Status
	Step   string
}

// StatusView is what getJobStatus reports.
type StatusView struct {
	JobID  string
	Status checkpoint.Status
	Step   string
	Error  string
}

// EventType distinguishes the events jobs publish on their results
// channel.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is published on resultsChannel(jobID) at each job lifecycle
// transition.
type Event struct {
	JobID  string                        `json:"job_id"`
	Type   EventType                     `json:"type"`
	Error  string                        `json:"error,omitempty"`
	Result *codegen.GeneratedConfigurations `json:"result,omitempty"`
}

func resultsChannel(jobID string) string { return "codegen:results:" + jobID }

// jobContext is what the service tracks in-memory for an in-flight job.
type jobContext struct {
	request   Request
	graphHash string
}

// Config configures a Service.
type Config struct {
	Engine       *engine.Engine[codegen.State]
	Checkpointer *checkpoint.Checkpointer[codegen.State]
	Definition   engine.Definition[codegen.State]
	Cache        *cache.Cache
	Bus          *pubsub.Bus
	Logger       *slog.Logger
}

// Service is the job service: submitJob, getJobStatus, getGeneratedCode.
type Service struct {
	engine *engine.Engine[codegen.State]
	cp     *checkpoint.Checkpointer[codegen.State]
	def    engine.Definition[codegen.State]
	cache  *cache.Cache
	bus    *pubsub.Bus
	logger *slog.Logger

	mu         sync.Mutex
	activeJobs map[string]*jobContext
	jobResults map[string]*codegen.GeneratedConfigurations
}

// New constructs a Service from cfg.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:     cfg.Engine,
		cp:         cfg.Checkpointer,
		def:        cfg.Definition,
		cache:      cfg.Cache,
		bus:        cfg.Bus,
		logger:     logger,
		activeJobs: make(map[string]*jobContext),
		jobResults: make(map[string]*codegen.GeneratedConfigurations),
	}
}

// SubmitJob validates req.Graph, checks the content-addressed cache, and
// either returns a cached result immediately or registers a new
// background run.
func (s *Service) SubmitJob(ctx context.Context, req Request) (Submission, error) {
	if req.Graph == nil {
		return Submission{}, fmt.Errorf("jobs: submit: graph is required")
	}
	if result := graph.Validate(req.Graph); result.HasErrors() {
		return Submission{}, fmt.Errorf("jobs: submit: graph has %d structural error(s): %s", len(result.Errors), result.Errors[0].Message)
	}

	jobID := uuid.NewString()
	graphHash := graph.ComputeGraphHash(req.Graph, graph.HashOptions{})

	if !req.DisableCache {
		if cached, ok, err := s.getCachedResult(ctx, graphHash); err != nil {
			s.logger.Warn("jobs: cache lookup failed", "job_id", jobID, "error", err)
		} else if ok {
			s.mu.Lock()
			s.jobResults[jobID] = cached
			s.mu.Unlock()
			s.publish(ctx, jobID, Event{JobID: jobID, Type: EventCompleted, Result: cached})
			return Submission{JobID: jobID, Status: checkpoint.StatusCompleted}, nil
		}
	}

	if err := s.setStatus(ctx, jobID, checkpoint.StatusPending); err != nil {
		s.logger.Warn("jobs: failed to persist pending status", "job_id", jobID, "error", err)
	}
	if req.UserContext != "" {
		if err := s.cache.Set(ctx, []string{"job", jobID, "context"}, []byte(req.UserContext), resultCacheTTL); err != nil {
			s.logger.Warn("jobs: failed to persist job context", "job_id", jobID, "error", err)
		}
	}

	s.mu.Lock()
	s.activeJobs[jobID] = &jobContext{request: req, graphHash: graphHash}
	s.mu.Unlock()

	s.publish(ctx, jobID, Event{JobID: jobID, Type: EventSubmitted})
	go s.run(jobID, req, graphHash)

	return Submission{JobID: jobID, Status: checkpoint.StatusPending, Step: "queued"}, nil
}

// run executes the codegen workflow for jobID to completion and records
// the outcome. Exactly one of these runs per jobID: SubmitJob only spawns
// it once, immediately after registering jobID in activeJobs.
func (s *Service) run(jobID string, req Request, graphHash string) {
	ctx := context.Background()
	s.publish(ctx, jobID, Event{JobID: jobID, Type: EventStarted})

	sub := s.engine.Subscribe(jobID)
	defer sub.Close()

	initial := codegen.State{
		GraphID:      req.Graph.ID,
		CompanyID:    req.CompanyID,
		UserID:       req.UserID,
		Namespace:    req.Namespace,
		DesiredGraph: req.Graph,
		UserContext:  req.UserContext,
	}
	if err := s.engine.Start(ctx, jobID, s.def, initial); err != nil {
		s.finish(ctx, jobID, graphHash, nil, err)
		return
	}

	for msg := range sub.C() {
		var evt engine.Event
		if err := json.Unmarshal(msg.Payload, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case engine.EventRunCompleted:
			state, ok, err := s.cp.Load(ctx, jobID)
			if err != nil || !ok {
				s.finish(ctx, jobID, graphHash, nil, fmt.Errorf("jobs: loading completed state: %w", err))
				return
			}
			result := state.GeneratedConfigurations
			s.finish(ctx, jobID, graphHash, &result, nil)
			return
		case engine.EventRunFailed:
			s.finish(ctx, jobID, graphHash, nil, fmt.Errorf("%s", evt.Error))
			return
		case engine.EventRunCancelled:
			s.finishCancelled(ctx, jobID)
			return
		}
	}
}

// finish records a job's terminal outcome: cache write, jobResults
// population, results-channel publish, and activeJobs removal.
func (s *Service) finish(ctx context.Context, jobID, graphHash string, result *codegen.GeneratedConfigurations, runErr error) {
	s.mu.Lock()
	req := s.activeJobs[jobID]
	delete(s.activeJobs, jobID)
	s.mu.Unlock()

	if runErr != nil {
		if err := s.setStatus(ctx, jobID, checkpoint.StatusFailed); err != nil {
			s.logger.Warn("jobs: failed to persist failed status", "job_id", jobID, "error", err)
		}
		s.publish(ctx, jobID, Event{JobID: jobID, Type: EventFailed, Error: runErr.Error()})
		return
	}

	s.mu.Lock()
	s.jobResults[jobID] = result
	s.mu.Unlock()

	if err := s.setStatus(ctx, jobID, checkpoint.StatusCompleted); err != nil {
		s.logger.Warn("jobs: failed to persist completed status", "job_id", jobID, "error", err)
	}
	if err := s.cacheResult(ctx, jobID, result); err != nil {
		s.logger.Warn("jobs: failed to persist job result", "job_id", jobID, "error", err)
	}
	if req != nil && !req.request.DisableCache {
		if err := s.cacheContentAddressed(ctx, graphHash, result); err != nil {
			s.logger.Warn("jobs: failed to persist content-addressed result", "graph_hash", graphHash, "error", err)
		}
	}
	s.publish(ctx, jobID, Event{JobID: jobID, Type: EventCompleted, Result: result})
}

// finishCancelled records a cancelled job's terminal outcome: activeJobs
// removal and a "cancelled" status write, matching the engine's own
// cancelled-is-not-failed distinction (spec.md §5).
func (s *Service) finishCancelled(ctx context.Context, jobID string) {
	s.mu.Lock()
	delete(s.activeJobs, jobID)
	s.mu.Unlock()

	if err := s.setStatus(ctx, jobID, checkpoint.StatusCancelled); err != nil {
		s.logger.Warn("jobs: failed to persist cancelled status", "job_id", jobID, "error", err)
	}
	s.publish(ctx, jobID, Event{JobID: jobID, Type: EventCancelled})
}

// GetJobStatus reports a job's current status, preferring the live
// checkpoint for an active job, then the cached terminal status, then a
// synthesized completed status if only a result is available.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (StatusView, bool, error) {
	s.mu.Lock()
	_, active := s.activeJobs[jobID]
	s.mu.Unlock()

	if active {
		header, ok, err := s.cp.GetStatus(ctx, jobID)
		if err != nil {
			return StatusView{}, false, fmt.Errorf("jobs: status: %w", err)
		}
		if ok {
			return StatusView{JobID: jobID, Status: header.Status, Step: header.CurrentStep, Error: header.Error}, true, nil
		}
	}

	raw, ok, err := s.cache.Get(ctx, []string{"job", jobID, "status"})
	if err != nil {
		return StatusView{}, false, fmt.Errorf("jobs: status: %w", err)
	}
	if ok {
		return StatusView{JobID: jobID, Status: checkpoint.Status(raw)}, true, nil
	}

	s.mu.Lock()
	_, hasResult := s.jobResults[jobID]
	s.mu.Unlock()
	if hasResult {
		return StatusView{JobID: jobID, Status: checkpoint.StatusCompleted}, true, nil
	}

	return StatusView{}, false, nil
}

// GetGeneratedCode returns a job's result, waiting up to timeout for an
// in-flight job to finish if no result is yet available.
func (s *Service) GetGeneratedCode(ctx context.Context, jobID string, timeout time.Duration) (*codegen.GeneratedConfigurations, bool, error) {
	if result, ok := s.lookupResult(ctx, jobID); ok {
		return result, true, nil
	}

	s.mu.Lock()
	_, active := s.activeJobs[jobID]
	s.mu.Unlock()
	if !active {
		return nil, false, nil
	}

	sub := s.bus.Subscribe(resultsChannel(jobID))
	defer sub.Close()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-sub.C():
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				continue
			}
			switch evt.Type {
			case EventCompleted:
				return evt.Result, true, nil
			case EventFailed:
				return nil, false, nil
			}
		case <-deadline.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, nil
		}
	}
}

func (s *Service) lookupResult(ctx context.Context, jobID string) (*codegen.GeneratedConfigurations, bool) {
	s.mu.Lock()
	result, ok := s.jobResults[jobID]
	s.mu.Unlock()
	if ok {
		return result, true
	}

	raw, found, err := s.cache.Get(ctx, []string{"job", jobID, "result"})
	if err != nil || !found {
		return nil, false
	}
	var decoded codegen.GeneratedConfigurations
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false
	}
	return &decoded, true
}

func (s *Service) getCachedResult(ctx context.Context, graphHash string) (*codegen.GeneratedConfigurations, bool, error) {
	raw, ok, err := s.cache.Get(ctx, []string{"codegen", "cache", graphHash})
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var decoded codegen.GeneratedConfigurations
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, err
	}
	return &decoded, true, nil
}

func (s *Service) cacheContentAddressed(ctx context.Context, graphHash string, result *codegen.GeneratedConfigurations) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, []string{"codegen", "cache", graphHash}, raw, resultCacheTTL)
}

func (s *Service) cacheResult(ctx context.Context, jobID string, result *codegen.GeneratedConfigurations) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, []string{"job", jobID, "result"}, raw, resultCacheTTL)
}

func (s *Service) setStatus(ctx context.Context, jobID string, status checkpoint.Status) error {
	return s.cache.Set(ctx, []string{"job", jobID, "status"}, []byte(status), resultCacheTTL)
}

func (s *Service) publish(ctx context.Context, jobID string, evt Event) {
	if err := s.bus.Publish(ctx, resultsChannel(jobID), evt); err != nil {
		s.logger.Warn("jobs: publish failed", "job_id", jobID, "error", err)
	}
}

// Cancel requests cancellation of an in-flight codegen job. Cancellation
// is observable at the next step boundary (spec.md §5); the run
// goroutine's own subscription loop (see run/finish above) performs the
// activeJobs cleanup and terminal status write once the engine publishes
// EventRunCancelled, so this method only needs to signal the engine.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if err := s.engine.Cancel(jobID); err != nil {
		return fmt.Errorf("jobs: cancel: %w", err)
	}
	return nil
}
