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
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/checkpoint"
	routerdatatypes "github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// defaultThreadListLimit caps thread listings when the client does not
// pass an explicit limit.
const defaultThreadListLimit = 50

// ThreadsHandler serves the thread administration endpoints.
type ThreadsHandler struct {
	store  checkpoint.Store
	turns  *TurnRegistry
	logger *slog.Logger
}

// NewThreadsHandler wires the threads handler.
func NewThreadsHandler(store checkpoint.Store, turns *TurnRegistry, logger *slog.Logger) *ThreadsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadsHandler{store: store, turns: turns, logger: logger}
}

// ListThreads handles GET /v1/threads.
//
// Returns known threads ordered by recency. The optional limit query
// parameter caps the result; invalid values fall back to the default.
func (h *ThreadsHandler) ListThreads(c *gin.Context) {
	limit := defaultThreadListLimit
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	infos, err := h.store.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list threads failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to list threads"})
		return
	}
	if infos == nil {
		infos = []routerdatatypes.ThreadInfo{}
	}

	c.JSON(http.StatusOK, datatypes.ThreadListResponse{Threads: infos})
}

// GetThreadState handles GET /v1/threads/:threadId/state.
//
// Returns the thread's full checkpointed state. This is the reconnect
// path: a client that lost its stream replays Messages into its local
// view and resumes from there.
func (h *ThreadsHandler) GetThreadState(c *gin.Context) {
	threadID := c.Param("threadId")

	state, err := h.store.Load(c.Request.Context(), threadID)
	if err != nil {
		if errors.Is(err, routerdatatypes.ErrThreadNotFound) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "thread not found"})
			return
		}
		h.logger.Error("load thread failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load thread"})
		return
	}

	c.JSON(http.StatusOK, datatypes.ThreadStateResponse{
		ThreadId:    state.ThreadID,
		Messages:    state.Messages,
		FinalAnswer: state.FinalAnswer,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	})
}

// DeleteThread handles DELETE /v1/threads/:threadId.
//
// Cancels any running turn for the thread, then removes its checkpoint.
// Deleting an unknown thread succeeds; the end state is the same.
func (h *ThreadsHandler) DeleteThread(c *gin.Context) {
	threadID := c.Param("threadId")

	if h.turns.Cancel(threadID) {
		h.logger.Info("cancelled running turn before delete", "thread_id", threadID)
	}

	if err := h.store.Delete(c.Request.Context(), threadID); err != nil {
		h.logger.Error("delete thread failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to delete thread"})
		return
	}

	c.Status(http.StatusNoContent)
}

// CancelTurn handles POST /v1/threads/:threadId/cancel.
//
// Signals the running turn's context. The router observes the signal
// between stages: the in-flight stage finishes and checkpoints, then the
// turn unwinds and the thread stays resumable.
func (h *ThreadsHandler) CancelTurn(c *gin.Context) {
	threadID := c.Param("threadId")

	if !h.turns.Cancel(threadID) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "no running turn for thread"})
		return
	}

	h.logger.Info("turn cancellation requested", "thread_id", threadID)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling", "threadId": threadID})
}
