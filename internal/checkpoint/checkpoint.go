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

// Package checkpoint persists per-thread workflow state, generalizing the
// teacher's file-based internal/controller/checkpoint.Manager
// (save/load/delete/list-interrupted) onto the KV store abstraction
// instead of the filesystem, producing the three key records spec.md 4.D
// and 6.2 require: state:<thread>, metadata:<thread>, status:<thread>,
// plus a "threads" set index.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tombee/deploygraph/internal/kv"
)

// Status is the workflow lifecycle status carried in every Header.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is one of the three terminal statuses.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Header is the common mutable header every workflow state carries,
// cheap to read on its own via the status:<thread> record.
type Header struct {
	CurrentStep string        `json:"current_step"`
	StepHistory []string      `json:"step_history"`
	Status      Status        `json:"status"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Metadata is the full state plus its header, matching the
// metadata:<thread> record's documented shape.
type Metadata[S any] struct {
	State  S      `json:"state"`
	Header Header `json:"header"`
}

// DefaultTTL is the 24h TTL spec.md 4.D/6.2 mandates for every checkpoint
// record, refreshed on every write.
const DefaultTTL = 24 * time.Hour

// Checkpointer persists workflow state of type S to a kv.Store. HeaderOf
// and SetHeader let S be an ordinary struct rather than requiring it to
// implement an interface or be introspected by reflection (per the
// REDESIGN FLAGS guidance to prefer record-of-handlers over reflection).
type Checkpointer[S any] struct {
	store     kv.Store
	setAdder  kv.SetAdder
	keyPrefix string
	ttl       time.Duration

	HeaderOf  func(S) Header
	SetHeader func(S, Header) S
}

// Config configures a Checkpointer.
type Config[S any] struct {
	Store     kv.Store
	KeyPrefix string
	TTL       time.Duration // defaults to DefaultTTL

	HeaderOf  func(S) Header
	SetHeader func(S, Header) S
}

// New constructs a Checkpointer. Store must also implement kv.SetAdder;
// every shipped backend (memory, sqlite) does.
func New[S any](cfg Config[S]) (*Checkpointer[S], error) {
	setAdder, ok := cfg.Store.(kv.SetAdder)
	if !ok {
		return nil, fmt.Errorf("checkpoint: store %T does not implement kv.SetAdder", cfg.Store)
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Checkpointer[S]{
		store:     cfg.Store,
		setAdder:  setAdder,
		keyPrefix: cfg.KeyPrefix,
		ttl:       ttl,
		HeaderOf:  cfg.HeaderOf,
		SetHeader: cfg.SetHeader,
	}, nil
}

func (c *Checkpointer[S]) stateKey(thread string) string    { return c.keyPrefix + ":state:" + thread }
func (c *Checkpointer[S]) metadataKey(thread string) string { return c.keyPrefix + ":metadata:" + thread }
func (c *Checkpointer[S]) statusKey(thread string) string   { return c.keyPrefix + ":status:" + thread }
func (c *Checkpointer[S]) threadsKey() string                { return c.keyPrefix + ":threads" }

// Save atomically (from the caller's perspective — sequential writes, no
// partial-failure rollback) persists the full state, its metadata record,
// and its status record, and indexes thread in the threads set. All four
// writes use the 24h TTL, refreshed on every call.
func (c *Checkpointer[S]) Save(ctx context.Context, thread string, state S) error {
	header := c.HeaderOf(state)

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal state: %w", err)
	}
	if err := c.store.Set(ctx, c.stateKey(thread), stateJSON, c.ttl); err != nil {
		return fmt.Errorf("checkpoint: save state: %w", err)
	}

	metaJSON, err := json.Marshal(Metadata[S]{State: state, Header: header})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	if err := c.store.Set(ctx, c.metadataKey(thread), metaJSON, c.ttl); err != nil {
		return fmt.Errorf("checkpoint: save metadata: %w", err)
	}

	statusJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal status: %w", err)
	}
	if err := c.store.Set(ctx, c.statusKey(thread), statusJSON, c.ttl); err != nil {
		return fmt.Errorf("checkpoint: save status: %w", err)
	}

	if err := c.setAdder.SetAdd(ctx, c.threadsKey(), thread, c.ttl); err != nil {
		return fmt.Errorf("checkpoint: index thread: %w", err)
	}
	return nil
}

// Load returns the full state for thread, or (zero, false, nil) if absent.
func (c *Checkpointer[S]) Load(ctx context.Context, thread string) (S, bool, error) {
	var zero S
	raw, err := c.store.Get(ctx, c.stateKey(thread))
	if err != nil {
		if err == kv.ErrNotFound {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("checkpoint: load state: %w", err)
	}
	var state S
	if err := json.Unmarshal(raw, &state); err != nil {
		return zero, false, fmt.Errorf("checkpoint: unmarshal state: %w", err)
	}
	return state, true, nil
}

// LoadWithMetadata returns the state+header record.
func (c *Checkpointer[S]) LoadWithMetadata(ctx context.Context, thread string) (Metadata[S], bool, error) {
	var zero Metadata[S]
	raw, err := c.store.Get(ctx, c.metadataKey(thread))
	if err != nil {
		if err == kv.ErrNotFound {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("checkpoint: load metadata: %w", err)
	}
	var meta Metadata[S]
	if err := json.Unmarshal(raw, &meta); err != nil {
		return zero, false, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
	}
	return meta, true, nil
}

// GetStatus reads only the header record, cheaper than a full Load.
func (c *Checkpointer[S]) GetStatus(ctx context.Context, thread string) (Header, bool, error) {
	var zero Header
	raw, err := c.store.Get(ctx, c.statusKey(thread))
	if err != nil {
		if err == kv.ErrNotFound {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("checkpoint: load status: %w", err)
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return zero, false, fmt.Errorf("checkpoint: unmarshal status: %w", err)
	}
	return header, true, nil
}

// UpdateStatus updates the status and metadata records in place. If no
// status record exists yet, one is created from the zero state's header
// fields plus the supplied status/step/err (the engine only calls this
// after a Save, so in practice the record always already exists; the
// creation path exists for callers — e.g. the job service marking a job
// cancelled — that update status without ever having saved full state).
func (c *Checkpointer[S]) UpdateStatus(ctx context.Context, thread string, status Status, step string, stepErr string) error {
	header, ok, err := c.GetStatus(ctx, thread)
	if err != nil {
		return err
	}
	if !ok {
		header = Header{Status: status}
	}

	header.Status = status
	if step != "" {
		header.CurrentStep = step
	}
	if stepErr != "" {
		header.Error = stepErr
	}
	if status.IsTerminal() && header.EndTime == nil {
		now := time.Now()
		header.EndTime = &now
		d := now.Sub(header.StartTime)
		header.Duration = &d
	}

	statusJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal status: %w", err)
	}
	if err := c.store.Set(ctx, c.statusKey(thread), statusJSON, c.ttl); err != nil {
		return fmt.Errorf("checkpoint: update status: %w", err)
	}

	if meta, ok, err := c.LoadWithMetadata(ctx, thread); err == nil && ok {
		meta.Header = header
		metaJSON, err := json.Marshal(meta)
		if err == nil {
			_ = c.store.Set(ctx, c.metadataKey(thread), metaJSON, c.ttl)
		}
	}
	return nil
}

// Delete removes all three records for thread and drops it from the
// threads index.
func (c *Checkpointer[S]) Delete(ctx context.Context, thread string) error {
	for _, key := range []string{c.stateKey(thread), c.metadataKey(thread), c.statusKey(thread)} {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("checkpoint: delete %q: %w", key, err)
		}
	}
	if err := c.setAdder.SetRemove(ctx, c.threadsKey(), thread); err != nil {
		return fmt.Errorf("checkpoint: deindex thread: %w", err)
	}
	return nil
}

// ListThreads returns every thread id currently indexed as live.
func (c *Checkpointer[S]) ListThreads(ctx context.Context) ([]string, error) {
	threads, err := c.setAdder.SetMembers(ctx, c.threadsKey())
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list threads: %w", err)
	}
	return threads, nil
}

// Cleanup deletes every indexed thread whose status header is older than
// maxAge, returning how many were removed. Threads whose status record has
// already expired out of the store (and so can't be read) are deindexed
// without counting as an error.
func (c *Checkpointer[S]) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	threads, err := c.ListThreads(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, thread := range threads {
		header, ok, err := c.GetStatus(ctx, thread)
		if err != nil {
			continue
		}
		if !ok {
			_ = c.setAdder.SetRemove(ctx, c.threadsKey(), thread)
			continue
		}
		if header.StartTime.Before(cutoff) {
			if err := c.Delete(ctx, thread); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Stats summarizes the checkpointer's live threads by status.
type Stats struct {
	TotalThreads int            `json:"total_threads"`
	ByStatus     map[Status]int `json:"by_status"`
}

// GetStats tallies every live thread's status.
func (c *Checkpointer[S]) GetStats(ctx context.Context) (Stats, error) {
	threads, err := c.ListThreads(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalThreads: len(threads), ByStatus: make(map[Status]int)}
	for _, thread := range threads {
		header, ok, err := c.GetStatus(ctx, thread)
		if err != nil || !ok {
			continue
		}
		stats.ByStatus[header.Status]++
	}
	return stats, nil
}
