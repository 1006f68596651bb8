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

// Package pubsub implements the topic and pattern subscription bus the
// workflow engine and job service use to deliver lifecycle events. It
// generalizes the teacher's internal/daemon/runner LogAggregator.Subscribe
// pattern (a per-run buffered channel registered in a map, torn down on
// consumer exit) onto named channels plus glob patterns.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Message is one published event, carrying its channel for pattern
// subscribers that need to know which concrete channel matched.
type Message struct {
	Channel string
	Payload json.RawMessage
}

// Bus is an in-process publish/subscribe broker over durable (buffered)
// channels. There is no persistence: a subscriber that subscribes after a
// message was published does not see it.
type Bus struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]map[int]chan Message
	patterns    map[string]map[int]chan Message
	nextID      int
}

// Config configures a Bus.
type Config struct {
	// BufferSize bounds each subscriber's channel. A slow subscriber that
	// fills its buffer stalls the publisher; size generously for
	// lifecycle events, which are low-volume per thread.
	BufferSize int

	Logger *slog.Logger
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:      logger,
		subscribers: make(map[string]map[int]chan Message),
		patterns:    make(map[string]map[int]chan Message),
	}
}

func bufferSize(cfg Config) int {
	if cfg.BufferSize > 0 {
		return cfg.BufferSize
	}
	return 16
}

// Publish serializes value and hands it to every subscriber currently
// registered on channel, and every pattern subscriber whose pattern
// matches channel. Delivery is non-blocking per subscriber: a full buffer
// drops the message for that subscriber with a warning rather than
// blocking the publisher.
func (b *Bus) Publish(ctx context.Context, channel string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	msg := Message{Channel: channel, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers[channel] {
		b.deliver(ch, msg, channel)
	}
	for pattern, subs := range b.patterns {
		matched, err := doublestar.Match(pattern, channel)
		if err != nil || !matched {
			continue
		}
		for _, ch := range subs {
			b.deliver(ch, msg, channel)
		}
	}
	return nil
}

func (b *Bus) deliver(ch chan Message, msg Message, channel string) {
	select {
	case ch <- msg:
	default:
		b.logger.Warn("pubsub: dropping message for slow subscriber", "channel", channel)
	}
}

// Subscription is a live subscription returned by Subscribe/PSubscribe.
// Callers must call Close when done to release the underlying channel and
// deregister before returning, per spec.md's cancellation contract.
type Subscription struct {
	bus     *Bus
	channel string
	pattern string
	id      int
	ch      chan Message
	once    sync.Once
}

// C returns the channel of delivered messages.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if s.channel != "" {
			delete(s.bus.subscribers[s.channel], s.id)
			if len(s.bus.subscribers[s.channel]) == 0 {
				delete(s.bus.subscribers, s.channel)
			}
		}
		if s.pattern != "" {
			delete(s.bus.patterns[s.pattern], s.id)
			if len(s.bus.patterns[s.pattern]) == 0 {
				delete(s.bus.patterns, s.pattern)
			}
		}
		close(s.ch)
	})
}

// Subscribe registers a listener on an exact channel name.
func (b *Bus) Subscribe(channel string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[int]chan Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, 16)
	b.subscribers[channel][id] = ch
	return &Subscription{bus: b, channel: channel, id: id, ch: ch}
}

// PSubscribe registers a listener on a doublestar glob pattern matched
// against `/`-joined channel segments.
func (b *Bus) PSubscribe(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.patterns[pattern] == nil {
		b.patterns[pattern] = make(map[int]chan Message)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, 16)
	b.patterns[pattern][id] = ch
	return &Subscription{bus: b, pattern: pattern, id: id, ch: ch}
}

// GetSubscriberCount returns the number of exact-channel subscribers on
// channel (pattern subscribers that happen to match are not counted).
func (b *Bus) GetSubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[channel])
}

// GetActiveChannels returns every channel with at least one exact
// subscriber.
func (b *Bus) GetActiveChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subscribers))
	for ch := range b.subscribers {
		out = append(out, ch)
	}
	return out
}

// Close tears down every subscription, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, subs := range b.patterns {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string]map[int]chan Message)
	b.patterns = make(map[string]map[int]chan Message)
}
