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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
	"github.com/aitwin-labs/aitwin/services/orchestrator/observability"
	"github.com/aitwin-labs/aitwin/services/router"
	routerdatatypes "github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// keepAliveInterval is how often an SSE comment ping is sent while the
// pipeline is quiet. Load balancers commonly cut idle connections at 60s.
const keepAliveInterval = 15 * time.Second

// ChatHandler serves the streaming chat endpoint.
//
// # Description
//
// One HTTP request runs one conversation turn. The handler starts the
// turn in a goroutine, consumes the turn's event stream, and relays each
// event to the client over SSE. The turn goroutine owns the stream and is
// the only one that closes it, after RunTurn returns.
//
// A client disconnect cancels the turn context; the router finishes the
// in-flight stage, checkpoints, and unwinds. The handler keeps draining
// the stream so the producer is never blocked on a dead consumer.
//
// # Thread Safety
//
// Safe for concurrent requests. Per-thread serialization happens in the
// router, not here.
type ChatHandler struct {
	router  *router.Router
	turns   *TurnRegistry
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewChatHandler wires the chat handler.
func NewChatHandler(rt *router.Router, turns *TurnRegistry, metrics *observability.Metrics, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{router: rt, turns: turns, metrics: metrics, logger: logger}
}

// HandleChatStream handles POST /v1/chat/stream.
//
// The request body is a ChatRequest. The response is an SSE stream of
// StreamEvents ending with a done (or error) event. The thread id rides
// on every event, so a client that posted without one learns the new
// thread's id from the first event.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "query is required"})
		return
	}

	threadID := req.ThreadId
	if threadID == "" {
		threadID = uuid.New().String()
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}

	h.metrics.StreamStarted(observability.TransportSSE)
	defer h.metrics.StreamEnded(observability.TransportSSE)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	release := h.turns.Register(threadID, cancel)
	defer release()

	stream := events.NewStream(threadID, events.DefaultStreamBuffer)
	turnErr := make(chan error, 1)
	go func() {
		_, err := h.router.RunTurn(ctx, threadID, req.Query, stream)
		stream.Close()
		turnErr <- err
	}()

	h.relayStream(ctx, cancel, writer, stream)
	h.finishTurn(threadID, <-turnErr)
}

// relayStream forwards stream events to the client until the stream
// closes. A failed client write cancels the turn; draining continues so
// the producer can unwind through its bounded buffer.
func (h *ChatHandler) relayStream(ctx context.Context, cancel context.CancelFunc, writer SSEWriter, stream *events.Stream) {
	acc := h.newAccumulator()
	if acc != nil {
		defer acc.Destroy()
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	done := ctx.Done()
	clientGone := false
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				if acc != nil && !clientGone {
					h.logAnswerIntegrity(stream.ThreadID(), acc)
				}
				return
			}
			if clientGone {
				continue
			}
			if ev.Kind == events.KindMessageDelta && acc != nil {
				if err := acc.Write(ev.Delta); err != nil {
					h.logger.Warn("answer accumulation failed", "error", err)
					acc.Destroy()
					acc = nil
				}
			}
			h.metrics.RecordEvent(ev.Kind)
			if err := writer.WriteRouterEvent(ev); err != nil {
				h.logger.Info("client disconnected mid-stream",
					"thread_id", stream.ThreadID(), "error", err)
				h.metrics.RecordClientDisconnect()
				clientGone = true
				cancel()
			}

		case <-ticker.C:
			if clientGone {
				continue
			}
			if err := writer.WriteKeepAlive(); err != nil {
				h.metrics.RecordClientDisconnect()
				clientGone = true
				cancel()
				continue
			}
			h.metrics.RecordKeepAlive()

		case <-done:
			// Turn cancelled (client drop or cancel endpoint). Keep
			// relaying: the router still publishes its terminal events
			// before closing the stream, and a cancel-endpoint client is
			// still connected to receive them.
			done = nil
		}
	}
}

// newAccumulator creates the secure answer accumulator, or nil when
// secure memory is unavailable and the insecure override is not set.
// Streaming proceeds either way; only the integrity log line is lost.
func (h *ChatHandler) newAccumulator() TokenAccumulator {
	acc, err := NewTokenAccumulator()
	if err != nil {
		h.logger.Warn("secure accumulator unavailable", "error", err)
		return nil
	}
	return acc
}

// logAnswerIntegrity finalizes the accumulator and records the answer
// hash. The answer text itself is wiped and never logged.
func (h *ChatHandler) logAnswerIntegrity(threadID string, acc TokenAccumulator) {
	answer, hashStr, err := acc.Finalize()
	if err != nil {
		h.logger.Warn("accumulator finalize failed", "thread_id", threadID, "error", err)
		return
	}
	if answer == "" {
		return
	}
	h.logger.Info("answer streamed",
		"thread_id", threadID,
		"accumulator_id", acc.ID(),
		"answer_length", len(answer),
		"answer_sha256", hashStr,
	)
}

// finishTurn records the turn outcome. Stream-level error events were
// already published by the router; this is bookkeeping only.
func (h *ChatHandler) finishTurn(threadID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, routerdatatypes.ErrTurnCancelled):
		h.metrics.RecordCancelledTurn()
		h.logger.Info("turn cancelled", "thread_id", threadID)
	default:
		h.logger.Error("turn failed", "thread_id", threadID, "error", err)
	}
}
