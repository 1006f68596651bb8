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

// Package engine is a generic, step-based workflow executor. It
// generalizes the teacher's Runner/executor (internal/controller/runner):
// a semaphore-bounded goroutine per run, checkpoint-before-step,
// cancellation via context plus an idempotent stop signal, and lifecycle
// events delivered to subscribers — onto an arbitrary state type S instead
// of the teacher's YAML workflow.Definition, per the REDESIGN FLAGS
// guidance to prefer a record of step handlers over a class hierarchy.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/pubsub"
	"github.com/tombee/deploygraph/internal/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Step is one named unit of work in a Definition. Execute receives the
// current state and returns the next state (or an error). Steps must be
// deterministic given the same input state so that Replay is meaningful.
type Step[S any] struct {
	Name    string
	Execute func(ctx context.Context, state S) (S, error)
}

// Definition describes an ordered workflow over state type S.
type Definition[S any] struct {
	Name  string
	Steps []Step[S]

	// MaxStepRetries overrides the engine default for this definition. Zero
	// means use the engine's configured default.
	MaxStepRetries int

	// ShouldContinue is consulted before each step; returning false ends
	// the run successfully without executing remaining steps. Nil means
	// always continue.
	ShouldContinue func(state S) bool

	// OnStepError is consulted after a step fails all of its retries. It
	// may return an adjusted state and true to substitute a recovered
	// state and continue to the next step, or false to fail the run. Nil
	// means always fail the run.
	OnStepError func(state S, stepName string, err error) (S, bool)

	// BeforeRetry is consulted between a failed attempt and the next retry
	// of the same step (not called after the final attempt). It lets a
	// workflow tag its state — e.g. an isRetry flag a step's own prompt
	// builder reads to adjust tone — before the step is re-executed. Nil
	// means the state is unchanged between attempts.
	BeforeRetry func(state S, stepName string, err error, attempt int) S
}

// EventType identifies a lifecycle event kind.
type EventType string

const (
	EventRunStarted    EventType = "run_started"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventStepFailed    EventType = "step_failed"
	EventRunCompleted  EventType = "run_completed"
	EventRunFailed     EventType = "run_failed"
	EventRunCancelled  EventType = "run_cancelled"
)

// Event is published to "engine:<thread>" on the bus at each lifecycle
// transition.
type Event struct {
	Thread    string    `json:"thread"`
	Type      EventType `json:"type"`
	Step      string    `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures an Engine. HeaderOf/SetHeader give the engine access
// to the common mutable header embedded in S without requiring S to
// implement an interface or be walked by reflection, matching the
// checkpoint package's own convention.
type Config[S any] struct {
	Checkpointer *checkpoint.Checkpointer[S]
	Bus          *pubsub.Bus
	Logger       *slog.Logger

	HeaderOf  func(S) checkpoint.Header
	SetHeader func(S, checkpoint.Header) S

	MaxConcurrentThreads int
	MaxStepRetries       int
	StepTimeout          time.Duration
	DrainTimeout         time.Duration

	// Tracer spans each run (StartWorkflowRun) and step (StartStep). Nil
	// defaults to the global OpenTelemetry tracer provider, which is a
	// no-op until daemon.go activates tracing.
	Tracer trace.Tracer
	// Metrics records run/step counts and durations to Prometheus via
	// internal/tracing's MetricsCollector. Nil disables metrics recording.
	Metrics *tracing.MetricsCollector
}

// Engine runs Definitions over state type S, checkpointing before every
// step and publishing lifecycle events as it goes.
type Engine[S any] struct {
	cp     *checkpoint.Checkpointer[S]
	bus    *pubsub.Bus
	logger *slog.Logger

	headerOf  func(S) checkpoint.Header
	setHeader func(S, checkpoint.Header) S

	semaphore      chan struct{}
	maxStepRetries int
	stepTimeout    time.Duration
	drainTimeout   time.Duration

	tracer  trace.Tracer
	metrics *tracing.MetricsCollector

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	draining atomic.Bool
	wg       sync.WaitGroup
}

// New constructs an Engine.
func New[S any](cfg Config[S]) *Engine[S] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrent := cfg.MaxConcurrentThreads
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("deploygraph/engine")
	}
	return &Engine[S]{
		cp:             cfg.Checkpointer,
		bus:            cfg.Bus,
		logger:         logger,
		headerOf:       cfg.HeaderOf,
		setHeader:      cfg.SetHeader,
		semaphore:      make(chan struct{}, maxConcurrent),
		maxStepRetries: cfg.MaxStepRetries,
		stepTimeout:    cfg.StepTimeout,
		drainTimeout:   cfg.DrainTimeout,
		tracer:         tracer,
		metrics:        cfg.Metrics,
		cancels:        make(map[string]context.CancelFunc),
	}
}

func (e *Engine[S]) setCurrentStep(state S, step string) S {
	h := e.headerOf(state)
	h.CurrentStep = step
	return e.setHeader(state, h)
}

func (e *Engine[S]) appendStepHistory(state S, step string) S {
	h := e.headerOf(state)
	h.StepHistory = append(h.StepHistory, step)
	return e.setHeader(state, h)
}

func (e *Engine[S]) incrementRetryCount(state S) S {
	h := e.headerOf(state)
	h.RetryCount++
	return e.setHeader(state, h)
}

func eventChannel(thread string) string { return "engine:" + thread }

func (e *Engine[S]) publish(thread string, evt Event) {
	evt.Thread = thread
	evt.Timestamp = time.Now()
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(context.Background(), eventChannel(thread), evt); err != nil {
		e.logger.Warn("engine: failed to publish lifecycle event", "thread", thread, "error", err)
	}
}

// Subscribe returns a subscription to thread's lifecycle events.
func (e *Engine[S]) Subscribe(thread string) *pubsub.Subscription {
	return e.bus.Subscribe(eventChannel(thread))
}

// Start begins executing def over initial asynchronously under thread,
// returning once the run has been accepted (the semaphore slot is
// acquired in the background goroutine, not here, so Start never blocks
// on concurrency pressure). Callers that want backpressure should size
// MaxConcurrentThreads and watch for run_started events.
func (e *Engine[S]) Start(ctx context.Context, thread string, def Definition[S], initial S) error {
	if e.draining.Load() {
		return fmt.Errorf("engine: draining, rejecting new run for thread %q", thread)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if _, exists := e.cancels[thread]; exists {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("engine: thread %q already running", thread)
	}
	e.cancels[thread] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, thread, def, initial, 0)
	return nil
}

// Replay resumes thread from its last checkpointed state, re-entering the
// workflow at the step recorded as CurrentStep (the step was checkpointed
// before execution, so it may not have completed and is re-executed from
// scratch). Returns an error if no checkpoint exists for thread or the
// checkpointed step name is not found in def.
func (e *Engine[S]) Replay(ctx context.Context, thread string, def Definition[S]) error {
	if e.cp == nil {
		return fmt.Errorf("engine: replay requires a checkpointer")
	}
	state, ok, err := e.cp.Load(ctx, thread)
	if err != nil {
		return fmt.Errorf("engine: replay load: %w", err)
	}
	if !ok {
		return fmt.Errorf("engine: no checkpoint for thread %q", thread)
	}

	header := e.headerOf(state)
	startIndex := 0
	if header.CurrentStep != "" {
		found := false
		for i, step := range def.Steps {
			if step.Name == header.CurrentStep {
				startIndex = i
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("engine: checkpointed step %q not found in definition %q", header.CurrentStep, def.Name)
		}
	}

	if e.draining.Load() {
		return fmt.Errorf("engine: draining, rejecting replay for thread %q", thread)
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if _, exists := e.cancels[thread]; exists {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("engine: thread %q already running", thread)
	}
	e.cancels[thread] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx, thread, def, state, startIndex)
	return nil
}

func (e *Engine[S]) run(ctx context.Context, thread string, def Definition[S], state S, startIndex int) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, thread)
		e.mu.Unlock()
	}()

	select {
	case e.semaphore <- struct{}{}:
		defer func() { <-e.semaphore }()
	case <-ctx.Done():
		e.finishCancelled(ctx, thread, state)
		return
	}

	select {
	case <-ctx.Done():
		e.finishCancelled(ctx, thread, state)
		return
	default:
	}

	runStart := time.Now()
	ctx, runSpan := tracing.StartWorkflowRun(ctx, e.tracer, thread, def.Name)
	runStatus := "failed"
	defer func() {
		runSpan.End()
		if e.metrics != nil {
			e.metrics.RecordRunComplete(context.Background(), thread, def.Name, runStatus, "engine", time.Since(runStart))
		}
	}()
	if e.metrics != nil {
		e.metrics.RecordRunStart(ctx, thread, def.Name)
	}

	e.publish(thread, Event{Type: EventRunStarted})

	maxRetries := def.MaxStepRetries
	if maxRetries == 0 {
		maxRetries = e.maxStepRetries
	}

	header := e.headerOf(state)
	header.MaxRetries = maxRetries
	if header.StartTime.IsZero() {
		header.StartTime = time.Now()
	}
	header.Status = checkpoint.StatusRunning
	state = e.setHeader(state, header)

	for _, step := range def.Steps[startIndex:] {
		if ctx.Err() != nil {
			runStatus = "cancelled"
			e.finishCancelled(ctx, thread, state)
			return
		}
		if def.ShouldContinue != nil && !def.ShouldContinue(state) {
			break
		}

		state = e.setCurrentStep(state, step.Name)
		if e.cp != nil {
			if err := e.cp.Save(ctx, thread, state); err != nil {
				e.logger.Warn("engine: checkpoint before step failed", "thread", thread, "step", step.Name, "error", err)
			}
		}
		e.publish(thread, Event{Type: EventStepStarted, Step: step.Name})

		stepStart := time.Now()
		_, stepSpan := tracing.StartStep(ctx, e.tracer, step.Name, def.Name)
		next, err := e.executeStepWithRetry(ctx, thread, def, step, state, maxRetries)
		stepStatus := "completed"
		if err != nil {
			stepStatus = "failed"
			stepSpan.RecordError(err)
		}
		stepSpan.End()
		if e.metrics != nil {
			e.metrics.RecordStepComplete(ctx, def.Name, step.Name, stepStatus, time.Since(stepStart))
		}
		if err != nil {
			state = next // pick up any BeforeRetry/retry-count mutations even on final failure
			if ctx.Err() != nil {
				runStatus = "cancelled"
				e.finishCancelled(ctx, thread, state)
				return
			}
			if def.OnStepError != nil {
				recovered, ok := def.OnStepError(state, step.Name, err)
				if ok {
					state = recovered
					e.publish(thread, Event{Type: EventStepCompleted, Step: step.Name})
					continue
				}
			}
			e.finishFailed(ctx, thread, state, step.Name, err)
			return
		}

		state = next
		state = e.appendStepHistory(state, step.Name)
		e.publish(thread, Event{Type: EventStepCompleted, Step: step.Name})
	}

	runStatus = "completed"
	e.finishCompleted(ctx, thread, state)
}

// executeStepWithRetry runs step up to maxRetries+1 times, publishing
// EventStepFailed on every failed attempt (not just the last) so the
// event stream observes one step_failed per attempt — spec.md §8
// scenario 4's "started, step_failed, step_failed, step_failed, failed"
// for maxRetries=2. Header.RetryCount is incremented after each failed
// attempt that will be retried, so it ends at maxRetries when every
// attempt fails (the same scenario asserts a final retryCount==2).
func (e *Engine[S]) executeStepWithRetry(ctx context.Context, thread string, def Definition[S], step Step[S], state S, maxRetries int) (S, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		stepCtx := ctx
		var cancel context.CancelFunc
		if e.stepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		}
		next, err := step.Execute(stepCtx, state)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return next, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return state, ctx.Err()
		}

		e.publish(thread, Event{Type: EventStepFailed, Step: step.Name, Error: err.Error()})

		if attempt < maxRetries {
			state = e.incrementRetryCount(state)
			if def.BeforeRetry != nil {
				state = def.BeforeRetry(state, step.Name, err, attempt)
			}
		}
	}
	return state, lastErr
}

func (e *Engine[S]) finishCompleted(ctx context.Context, thread string, state S) {
	if e.cp != nil {
		_ = e.cp.Save(ctx, thread, state)
		_ = e.cp.UpdateStatus(ctx, thread, checkpoint.StatusCompleted, "", "")
	}
	e.publish(thread, Event{Type: EventRunCompleted})
}

func (e *Engine[S]) finishFailed(ctx context.Context, thread string, state S, step string, err error) {
	if e.cp != nil {
		_ = e.cp.Save(ctx, thread, state)
		_ = e.cp.UpdateStatus(ctx, thread, checkpoint.StatusFailed, step, err.Error())
	}
	e.publish(thread, Event{Type: EventRunFailed, Step: step, Error: err.Error()})
}

func (e *Engine[S]) finishCancelled(ctx context.Context, thread string, state S) {
	if e.cp != nil {
		_ = e.cp.Save(context.Background(), thread, state)
		_ = e.cp.UpdateStatus(context.Background(), thread, checkpoint.StatusCancelled, "", "")
	}
	e.publish(thread, Event{Type: EventRunCancelled})
}

// Cancel stops thread's run, if any, at the next step boundary. Returns an
// error if thread has no active run.
func (e *Engine[S]) Cancel(thread string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[thread]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no active run for thread %q", thread)
	}
	cancel()
	return nil
}

// ActiveCount returns the number of currently running threads.
func (e *Engine[S]) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancels)
}

// StartDraining rejects new Start calls while letting active runs finish.
func (e *Engine[S]) StartDraining() {
	e.draining.Store(true)
}

// IsDraining reports whether the engine is draining.
func (e *Engine[S]) IsDraining() bool {
	return e.draining.Load()
}

// WaitForDrain blocks until every active run finishes or timeout elapses.
func (e *Engine[S]) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = e.drainTimeout
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := e.ActiveCount(); remaining > 0 {
				return fmt.Errorf("engine: drain timeout with %d run(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if e.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

// Stop cancels every active run and waits for all run goroutines to exit.
func (e *Engine[S]) Stop(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if remaining := e.ActiveCount(); remaining > 0 {
			return fmt.Errorf("engine: stop timeout with %d run(s) still active", remaining)
		}
		return ctx.Err()
	}
}
