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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes stream events to an HTTP response in SSE wire format.
//
// # Description
//
// SSEWriter abstracts event serialization from HTTP response mechanics.
// Each written event is stamped with:
//   - Id: UUID v4, generated if the event does not carry one
//   - CreatedAt: Unix timestamp in milliseconds, stamped if zero
//   - Hash: SHA-256 over the event's content fields
//   - PrevHash: hash of the previous event, forming a per-connection chain
//
// The chain lets a client verify a recorded transcript end to end.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. The turn pipeline and
// the keep-alive ticker write from different goroutines.
type SSEWriter interface {
	// WriteEvent stamps the integrity chain onto the event, serializes it,
	// and writes it in SSE format with an immediate flush.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteRouterEvent converts a router event to its wire form and writes it.
	WriteRouterEvent(ev events.Event) error

	// WriteError writes an error event. The message must already be
	// sanitized for client display.
	WriteError(threadID, errMsg string) error

	// WriteKeepAlive sends an SSE comment line (": ping") to keep the
	// connection alive through proxies and load balancers. Comments are
	// invisible to clients and do not advance the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter is the http.ResponseWriter-backed SSEWriter.
//
// Events are written as:
//
//	event: {type}
//	data: {json}
//
// prevHash holds the hash of the last written event. The mutex serializes
// writes so the chain stays intact under concurrent producers.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter over the given ResponseWriter. The
// caller must set SSE headers via SetSSEHeaders before the first write.
// Returns an error if the ResponseWriter does not support http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().UnixMilli()
	}
	event.PrevHash = w.prevHash
	event.Hash = event.ComputeHash()
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteRouterEvent(ev events.Event) error {
	return w.WriteEvent(datatypes.FromRouterEvent(ev))
}

func (w *sseWriter) WriteError(threadID, errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:     string(events.KindError),
		ThreadId: threadID,
		Error:    errMsg,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}

	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response headers for SSE streaming. Must be
// called before the first body write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
