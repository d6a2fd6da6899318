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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitwin-labs/aitwin/services/orchestrator/observability"
	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/agents"
	"github.com/aitwin-labs/aitwin/services/router/checkpoint"
	"github.com/aitwin-labs/aitwin/services/router/llm"
	"github.com/aitwin-labs/aitwin/services/router/profile"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newStreamHandler builds a full pipeline over a scripted model backend.
func newStreamHandler(t *testing.T, client llm.Client) (*gin.Engine, checkpoint.Store) {
	t.Helper()

	store, err := checkpoint.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	source := profile.NewStaticSource([]profile.Entry{
		{Slug: "stream-kit", Title: "Stream Kit", Kind: "project", Summary: "event streaming toolkit"},
	})

	rt, err := router.New(store, agents.All(client, source),
		router.WithConfig(router.Config{
			IterationLimit: 10,
			StageTimeout:   5 * time.Second,
			MaxRetries:     0,
			RetryBackoff:   time.Millisecond,
		}))
	require.NoError(t, err)

	handler := NewChatHandler(rt, NewTurnRegistry(), observability.New(prometheus.NewRegistry()), nil)
	engine := gin.New()
	engine.POST("/v1/chat/stream", handler.HandleChatStream)
	return engine, store
}

// happyClient scripts a relevant, safe turn with a streamed answer.
func happyClient(deltas ...string) *llm.ScriptedClient {
	return llm.Script(
		llm.ScriptedResponse{Content: `{"isRelevant": true}`},
		llm.ScriptedResponse{Content: `{"guardrailsPassed": true}`},
		llm.ScriptedResponse{Content: ""}, // responder: no tool calls
		llm.ScriptedResponse{Deltas: deltas},
	)
}

func postStream(engine *gin.Engine, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/stream", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(rec, req)
	return rec
}

func TestHandleChatStream_HappyPath(t *testing.T) {
	engine, _ := newStreamHandler(t, happyClient("I built ", "Stream Kit."))

	rec := postStream(engine, `{"threadId": "t1", "query": "what did you build?"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, evs)
	verifyHashChain(t, evs)

	// Every event carries the thread id.
	for i, ev := range evs {
		assert.Equal(t, "t1", ev.ThreadId, "event %d", i)
	}

	// Status events announce the stages in pipeline order.
	var stages []string
	var answer string
	for _, ev := range evs {
		switch ev.Type {
		case "status":
			stages = append(stages, ev.Stage)
		case "messageDelta":
			answer += ev.Content
		}
	}
	assert.Equal(t, []string{"RELEVANCE_FILTER", "GUARDRAIL_CHECK", "RESPONDER"}, stages)
	assert.Equal(t, "I built Stream Kit.", answer)

	last := evs[len(evs)-1]
	assert.Equal(t, "done", last.Type)

	// The streamed reply also arrives as a finalized message.
	var sawComplete bool
	for _, ev := range evs {
		if ev.Type == "messageComplete" {
			sawComplete = true
			require.NotNil(t, ev.Message)
			assert.Equal(t, "I built Stream Kit.", ev.Message.Content)
		}
	}
	assert.True(t, sawComplete, "expected a messageComplete event")
}

func TestHandleChatStream_PersistsCheckpoint(t *testing.T) {
	engine, store := newStreamHandler(t, happyClient("done."))

	rec := postStream(engine, `{"threadId": "t2", "query": "hi there, tell me about your work"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := store.Load(t.Context(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "done.", state.FinalAnswer)
	assert.Len(t, state.Messages, 2)
}

func TestHandleChatStream_GeneratesThreadID(t *testing.T) {
	engine, _ := newStreamHandler(t, happyClient("hello."))

	rec := postStream(engine, `{"query": "who are you?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, evs)
	assert.NotEmpty(t, evs[0].ThreadId, "client must learn the generated thread id")
}

func TestHandleChatStream_MissingQuery(t *testing.T) {
	engine, _ := newStreamHandler(t, llm.Script())

	rec := postStream(engine, `{"threadId": "t3"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postStream(engine, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChatStream_StageFailureEndsWithErrorEvent(t *testing.T) {
	// Exhausted client: the first stage call fails.
	engine, _ := newStreamHandler(t, llm.Script())

	rec := postStream(engine, `{"threadId": "t4", "query": "anything"}`)
	require.Equal(t, http.StatusOK, rec.Code, "headers are already streamed")

	evs := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, evs)

	last := evs[len(evs)-1]
	assert.Equal(t, "error", last.Type)
	assert.NotEmpty(t, last.Error)
	assert.NotContains(t, last.Error, "scripted", "internal details must not leak")
}

func TestHandleChatStream_IrrelevantQueryRoutedToModerator(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{Content: `{"isRelevant": false}`},
		llm.ScriptedResponse{Deltas: []string{"Happy to talk about the portfolio instead."}},
	)
	engine, _ := newStreamHandler(t, client)

	rec := postStream(engine, `{"threadId": "t5", "query": "what's the weather?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	var stages []string
	for _, ev := range evs {
		if ev.Type == "status" {
			stages = append(stages, ev.Stage)
		}
	}
	assert.Equal(t, []string{"RELEVANCE_FILTER", "MODERATOR"}, stages)
	assert.Equal(t, "done", evs[len(evs)-1].Type)

	var sawComplete bool
	for _, ev := range evs {
		if ev.Type == "messageComplete" {
			sawComplete = true
		}
	}
	assert.True(t, sawComplete)
}
