// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LifecycleType classifies router lifecycle events. These are internal
// observability signals, distinct from the client-facing stream Kinds.
type LifecycleType string

const (
	TypeTurnStarted     LifecycleType = "turn_started"
	TypeStageStarted    LifecycleType = "stage_started"
	TypeStageCompleted  LifecycleType = "stage_completed"
	TypeStageRetried    LifecycleType = "stage_retried"
	TypeStageFailed     LifecycleType = "stage_failed"
	TypeCheckpointSaved LifecycleType = "checkpoint_saved"
	TypeTurnCompleted   LifecycleType = "turn_completed"
	TypeTurnFailed      LifecycleType = "turn_failed"
)

// LifecycleEvent is one router lifecycle notification.
type LifecycleEvent struct {
	ID        string        `json:"id"`
	Type      LifecycleType `json:"type"`
	ThreadID  string        `json:"threadId"`
	Stage     string        `json:"stage,omitempty"`
	Iteration int           `json:"iteration,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// LifecycleHandler processes lifecycle events.
type LifecycleHandler func(event *LifecycleEvent)

// lifecycleSubscription pairs a handler with its type filter.
type lifecycleSubscription struct {
	id      string
	handler LifecycleHandler
	types   []LifecycleType
}

// Emitter broadcasts router lifecycle events to subscribers and keeps a
// bounded replay buffer of recent events.
//
// Thread Safety: Emitter is safe for concurrent use. Handler panics are
// recovered so one misbehaving subscriber cannot take down the router.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*lifecycleSubscription
	buffer        []LifecycleEvent
	bufferSize    int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// NewEmitter creates a lifecycle emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*lifecycleSubscription),
		bufferSize:    256,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]LifecycleEvent, 0, e.bufferSize)
	return e
}

// Subscribe registers a handler for the given types (none = all types) and
// returns the subscription ID.
func (e *Emitter) Subscribe(handler LifecycleHandler, types ...LifecycleType) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &lifecycleSubscription{
		id:      uuid.NewString(),
		handler: handler,
		types:   types,
	}
	e.subscriptions[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription, reporting whether it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to matching subscribers and buffers it. The
// buffer drops the oldest entry when full; subscribers always see every
// event they match.
func (e *Emitter) Emit(ev LifecycleEvent) {
	ev.ID = uuid.NewString()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, ev)
	subs := make([]*lifecycleSubscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		if matchesType(sub.types, ev.Type) {
			e.safeInvoke(sub.handler, &ev)
		}
	}
}

// safeInvoke calls a handler with panic recovery.
func (e *Emitter) safeInvoke(handler LifecycleHandler, ev *LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("lifecycle handler panicked",
				"event_type", ev.Type,
				"thread_id", ev.ThreadID,
				"panic", r,
			)
		}
	}()
	handler(ev)
}

func matchesType(types []LifecycleType, t LifecycleType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// Buffer returns a copy of the buffered events.
func (e *Emitter) Buffer() []LifecycleEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]LifecycleEvent, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferByType returns buffered events of one type.
func (e *Emitter) BufferByType(t LifecycleType) []LifecycleEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []LifecycleEvent
	for _, ev := range e.buffer {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset drops all subscriptions and buffered events.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*lifecycleSubscription)
	e.buffer = make([]LifecycleEvent, 0, e.bufferSize)
}
