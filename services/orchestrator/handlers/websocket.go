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
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
	"github.com/aitwin-labs/aitwin/services/orchestrator/observability"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-user deployment; the API token guards access.
		return true
	},
}

// wsEventWriter stamps the same integrity chain as the SSE writer onto
// events written as WebSocket JSON frames. One chain per connection.
type wsEventWriter struct {
	conn     *websocket.Conn
	prevHash string
	mu       sync.Mutex
}

func (w *wsEventWriter) WriteEvent(event datatypes.StreamEvent) error {
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

	return w.conn.WriteJSON(event)
}

// HandleChatWebSocket handles GET /v1/chat/ws.
//
// Duplex variant of the SSE endpoint: the client sends ChatRequest frames
// and receives the same StreamEvents as JSON frames. One turn runs at a
// time per connection; a dropped connection cancels the running turn.
func (h *ChatHandler) HandleChatWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.metrics.StreamStarted(observability.TransportWebSocket)
	defer h.metrics.StreamEnded(observability.TransportWebSocket)

	writer := &wsEventWriter{conn: conn}

	for {
		var req datatypes.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Info("websocket closed", "error", err)
			}
			return
		}
		if req.Query == "" {
			_ = writer.WriteEvent(datatypes.StreamEvent{
				Type:  string(events.KindError),
				Error: "query is required",
			})
			continue
		}

		h.runWebSocketTurn(c.Request.Context(), writer, req)
	}
}

// runWebSocketTurn runs one turn and relays its events to the connection.
func (h *ChatHandler) runWebSocketTurn(parent context.Context, writer *wsEventWriter, req datatypes.ChatRequest) {
	threadID := req.ThreadId
	if threadID == "" {
		threadID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(parent)
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

	clientGone := false
	for ev := range stream.Events() {
		if clientGone {
			continue
		}
		h.metrics.RecordEvent(ev.Kind)
		if err := writer.WriteEvent(datatypes.FromRouterEvent(ev)); err != nil {
			h.metrics.RecordClientDisconnect()
			clientGone = true
			cancel()
		}
	}

	h.finishTurn(threadID, <-turnErr)
}
