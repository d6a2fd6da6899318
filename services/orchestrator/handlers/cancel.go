// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"sync"
)

// TurnRegistry tracks the cancel function of each in-flight turn so the
// cancel endpoint can reach a turn started by another connection.
//
// # Thread Safety
//
// Safe for concurrent use.
type TurnRegistry struct {
	mu    sync.Mutex
	gen   uint64
	turns map[string]turnEntry
}

// turnEntry tags each registration with a generation so a release only
// removes its own entry, never a newer one.
type turnEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// NewTurnRegistry creates an empty registry.
func NewTurnRegistry() *TurnRegistry {
	return &TurnRegistry{turns: make(map[string]turnEntry)}
}

// Register records the cancel function for a thread's running turn and
// returns a release function the owner must call when the turn ends. A
// second registration for the same thread replaces the first; the router
// serializes the turns themselves. When an earlier turn releases after
// being replaced, the newer registration stays cancellable.
func (r *TurnRegistry) Register(threadID string, cancel context.CancelFunc) func() {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.turns[threadID] = turnEntry{cancel: cancel, gen: gen}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if entry, ok := r.turns[threadID]; ok && entry.gen == gen {
			delete(r.turns, threadID)
		}
		r.mu.Unlock()
	}
}

// Cancel cancels the running turn for the thread. Returns false when no
// turn is registered.
func (r *TurnRegistry) Cancel(threadID string) bool {
	r.mu.Lock()
	entry, ok := r.turns[threadID]
	delete(r.turns, threadID)
	r.mu.Unlock()

	if ok {
		entry.cancel()
	}
	return ok
}

// Active reports whether a turn is currently registered for the thread.
func (r *TurnRegistry) Active(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.turns[threadID]
	return ok
}
