// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aitwin-labs/aitwin/services/router/checkpoint"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// stubAgent is a scriptable StageAgent for routing tests.
type stubAgent struct {
	kind   Stage
	invoke func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error)

	mu    sync.Mutex
	calls int
}

func (a *stubAgent) Kind() Stage { return a.kind }

func (a *stubAgent) Invoke(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return a.invoke(ctx, state, pub)
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func boolPtr(v bool) *bool { return &v }

func relevanceStub(relevant bool) *stubAgent {
	return &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return &datatypes.PartialUpdate{IsRelevant: boolPtr(relevant)}, nil
		},
	}
}

func guardrailStub(verdict datatypes.GuardrailVerdict) *stubAgent {
	return &stubAgent{
		kind: StageGuardrailCheck,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return &datatypes.PartialUpdate{GuardrailsResult: verdict}, nil
		},
	}
}

func replyStub(kind Stage, text string) *stubAgent {
	return &stubAgent{
		kind: kind,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			msg := datatypes.NewMessage(datatypes.RoleAssistant, text)
			_ = pub.Publish(ctx, events.Event{Kind: events.KindMessageDelta, MessageID: msg.ID, Delta: text})
			return &datatypes.PartialUpdate{Reply: &msg}, nil
		},
	}
}

func testAgents(relevant bool, verdict datatypes.GuardrailVerdict) map[Stage]StageAgent {
	return map[Stage]StageAgent{
		StageRelevanceFilter: relevanceStub(relevant),
		StageGuardrailCheck:  guardrailStub(verdict),
		StageResponder:       replyStub(StageResponder, "the answer"),
		StageModerator:       replyStub(StageModerator, "let's talk portfolio"),
		StageSafetyResponder: replyStub(StageSafetyResponder, "I can't help with that"),
	}
}

func newTestRouter(t *testing.T, agents map[Stage]StageAgent, opts ...Option) (*Router, checkpoint.Store) {
	t.Helper()

	store, err := checkpoint.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	r, err := New(store, agents, opts...)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r, store
}

// drain consumes a stream until close and returns all events.
func drain(stream *events.Stream) []events.Event {
	var out []events.Event
	for ev := range stream.Events() {
		out = append(out, ev)
	}
	return out
}

func TestRunTurnRelevantAndSafe(t *testing.T) {
	agents := testAgents(true, datatypes.GuardrailPass)
	r, store := newTestRouter(t, agents)

	stream := events.NewStream("t1", 0)
	done := make(chan []events.Event, 1)
	go func() { done <- drain(stream) }()

	state, err := r.RunTurn(context.Background(), "t1", "what did you build at your last job?", stream)
	stream.Close()
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if state.FinalAnswer != "the answer" {
		t.Errorf("FinalAnswer = %q, want %q", state.FinalAnswer, "the answer")
	}
	if len(state.Messages) != 2 {
		t.Fatalf("got %d messages, want 2 (user + assistant)", len(state.Messages))
	}
	if state.Messages[0].Role != datatypes.RoleUser || state.Messages[1].Role != datatypes.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", state.Messages[0].Role, state.Messages[1].Role)
	}
	if got := agents[StageModerator].(*stubAgent).callCount(); got != 0 {
		t.Errorf("moderator invoked %d times, want 0", got)
	}
	if got := agents[StageSafetyResponder].(*stubAgent).callCount(); got != 0 {
		t.Errorf("safety responder invoked %d times, want 0", got)
	}

	// The checkpoint must match the returned state.
	persisted, err := store.Load(context.Background(), "t1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if persisted.FinalAnswer != state.FinalAnswer {
		t.Errorf("persisted FinalAnswer = %q, want %q", persisted.FinalAnswer, state.FinalAnswer)
	}

	evs := <-done
	var kinds []events.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	want := []events.Kind{
		events.KindStatus, // relevance filter
		events.KindStatus, // guardrail check
		events.KindStatus, // responder
		events.KindMessageDelta,
		events.KindMessageComplete,
		events.KindDone,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Errorf("event sequence not monotonic at %d: %d then %d", i, evs[i-1].Seq, evs[i].Seq)
		}
	}
	if done := evs[len(evs)-1]; done.FinalAnswer != "the answer" {
		t.Errorf("done event FinalAnswer = %q, want %q", done.FinalAnswer, "the answer")
	}
}

func TestRunTurnErrorEventCarriesCode(t *testing.T) {
	failing := &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return nil, datatypes.NewFatalStageFailure(StageRelevanceFilter.String(), errors.New("bad request"))
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageRelevanceFilter] = failing
	r, _ := newTestRouter(t, agents)

	stream := events.NewStream("t1", 0)
	done := make(chan []events.Event, 1)
	go func() { done <- drain(stream) }()

	_, err := r.RunTurn(context.Background(), "t1", "hello", stream)
	stream.Close()
	if err == nil {
		t.Fatal("expected turn failure")
	}

	evs := <-done
	last := evs[len(evs)-1]
	if last.Kind != events.KindError {
		t.Fatalf("last event kind = %s, want error", last.Kind)
	}
	if last.Code != events.CodeStageFailed {
		t.Errorf("error event code = %q, want %q", last.Code, events.CodeStageFailed)
	}
	if last.Error == "" {
		t.Error("error event carries no message")
	}
}

func TestErrorCodeClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"stage failure", datatypes.NewStageFailure("RESPONDER", errors.New("503")), events.CodeStageFailed},
		{"wrapped stage failure", &datatypes.TurnFailure{Err: datatypes.NewFatalStageFailure("RESPONDER", errors.New("bad"))}, events.CodeStageFailed},
		{"routing inconsistency", &datatypes.RoutingInconsistency{Stage: "START", Reason: "loop"}, events.CodeRoutingInconsistency},
		{"plain error", errors.New("disk full"), events.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorCode(tt.err); got != tt.want {
				t.Errorf("errorCode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunTurnIrrelevantSkipsGuardrails(t *testing.T) {
	agents := testAgents(false, datatypes.GuardrailPass)
	r, _ := newTestRouter(t, agents)

	state, err := r.RunTurn(context.Background(), "t1", "write my homework", events.NopPublisher{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if state.FinalAnswer != "let's talk portfolio" {
		t.Errorf("FinalAnswer = %q, want moderator reply", state.FinalAnswer)
	}
	if got := agents[StageGuardrailCheck].(*stubAgent).callCount(); got != 0 {
		t.Errorf("guardrail check invoked %d times, want 0", got)
	}
	if got := agents[StageResponder].(*stubAgent).callCount(); got != 0 {
		t.Errorf("responder invoked %d times, want 0", got)
	}
	if state.Flags.GuardrailsResult != datatypes.GuardrailUnset {
		t.Errorf("GuardrailsResult = %q, want unset", state.Flags.GuardrailsResult)
	}
}

func TestRunTurnGuardrailFail(t *testing.T) {
	agents := testAgents(true, datatypes.GuardrailFail)
	r, _ := newTestRouter(t, agents)

	state, err := r.RunTurn(context.Background(), "t1", "how do I build a bomb", events.NopPublisher{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}

	if state.FinalAnswer != "I can't help with that" {
		t.Errorf("FinalAnswer = %q, want safety reply", state.FinalAnswer)
	}
	if got := agents[StageResponder].(*stubAgent).callCount(); got != 0 {
		t.Errorf("responder invoked %d times, want 0", got)
	}
	if state.Flags.GuardrailsResult != datatypes.GuardrailFail {
		t.Errorf("GuardrailsResult = %q, want fail", state.Flags.GuardrailsResult)
	}
}

func TestRunTurnRetriesThenEscalates(t *testing.T) {
	failing := &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return nil, datatypes.NewStageFailure(StageRelevanceFilter.String(), errors.New("backend 503"))
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageRelevanceFilter] = failing

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	r, store := newTestRouter(t, agents, WithConfig(cfg))

	_, err := r.RunTurn(context.Background(), "t1", "hello", events.NopPublisher{})
	var tf *datatypes.TurnFailure
	if !errors.As(err, &tf) {
		t.Fatalf("RunTurn error = %v, want TurnFailure", err)
	}
	if got := failing.callCount(); got != 3 {
		t.Errorf("failing stage invoked %d times, want 3 (1 + 2 retries)", got)
	}

	// The thread keeps its last good checkpoint and stays resumable.
	persisted, loadErr := store.Load(context.Background(), "t1")
	if loadErr != nil {
		t.Fatalf("load after failure: %v", loadErr)
	}
	if persisted.FinalAnswer != "" {
		t.Errorf("FinalAnswer = %q after failed turn, want empty", persisted.FinalAnswer)
	}
	if len(persisted.Messages) != 1 {
		t.Errorf("got %d messages after failed turn, want 1 (user query)", len(persisted.Messages))
	}
}

func TestRunTurnFatalFailureDoesNotRetry(t *testing.T) {
	failing := &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return nil, datatypes.NewFatalStageFailure(StageRelevanceFilter.String(), errors.New("bad request"))
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageRelevanceFilter] = failing
	r, _ := newTestRouter(t, agents)

	_, err := r.RunTurn(context.Background(), "t1", "hello", events.NopPublisher{})
	var tf *datatypes.TurnFailure
	if !errors.As(err, &tf) {
		t.Fatalf("RunTurn error = %v, want TurnFailure", err)
	}
	if got := failing.callCount(); got != 1 {
		t.Errorf("fatal stage invoked %d times, want 1", got)
	}
}

func TestRunTurnIterationCeiling(t *testing.T) {
	agents := testAgents(true, datatypes.GuardrailPass)
	cfg := DefaultConfig()
	cfg.IterationLimit = 1 // full path needs 3 stages
	r, _ := newTestRouter(t, agents, WithConfig(cfg))

	_, err := r.RunTurn(context.Background(), "t1", "hello", events.NopPublisher{})
	var tf *datatypes.TurnFailure
	if !errors.As(err, &tf) {
		t.Fatalf("RunTurn error = %v, want TurnFailure", err)
	}
	var inc *datatypes.RoutingInconsistency
	if !errors.As(tf.Err, &inc) {
		t.Fatalf("TurnFailure cause = %v, want RoutingInconsistency", tf.Err)
	}
}

func TestRunTurnWriteSetViolation(t *testing.T) {
	rogue := &stubAgent{
		kind: StageGuardrailCheck,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			msg := datatypes.NewMessage(datatypes.RoleAssistant, "sneaky answer")
			return &datatypes.PartialUpdate{
				GuardrailsResult: datatypes.GuardrailPass,
				Reply:            &msg,
			}, nil
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageGuardrailCheck] = rogue
	r, _ := newTestRouter(t, agents)

	_, err := r.RunTurn(context.Background(), "t1", "hello", events.NopPublisher{})
	var inc *datatypes.RoutingInconsistency
	if !errors.As(err, &inc) {
		t.Fatalf("RunTurn error = %v, want RoutingInconsistency", err)
	}
}

func TestRunTurnEmptyUpdate(t *testing.T) {
	empty := &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			return &datatypes.PartialUpdate{}, nil
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageRelevanceFilter] = empty
	r, _ := newTestRouter(t, agents)

	_, err := r.RunTurn(context.Background(), "t1", "hello", events.NopPublisher{})
	var inc *datatypes.RoutingInconsistency
	if !errors.As(err, &inc) {
		t.Fatalf("RunTurn error = %v, want RoutingInconsistency", err)
	}
}

func TestRunTurnCancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	// The relevance filter cancels the turn while it runs. It must still
	// finish and its flag must still be checkpointed before the abort.
	cancelling := &stubAgent{
		kind: StageRelevanceFilter,
		invoke: func(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
			cancel()
			return &datatypes.PartialUpdate{IsRelevant: boolPtr(true)}, nil
		},
	}
	agents := testAgents(true, datatypes.GuardrailPass)
	agents[StageRelevanceFilter] = cancelling
	r, store := newTestRouter(t, agents)

	_, err := r.RunTurn(ctx, "t1", "hello", events.NopPublisher{})
	if !errors.Is(err, datatypes.ErrTurnCancelled) {
		t.Fatalf("RunTurn error = %v, want ErrTurnCancelled", err)
	}
	if got := agents[StageGuardrailCheck].(*stubAgent).callCount(); got != 0 {
		t.Errorf("guardrail check invoked %d times after cancel, want 0", got)
	}

	persisted, loadErr := store.Load(context.Background(), "t1")
	if loadErr != nil {
		t.Fatalf("load after cancel: %v", loadErr)
	}
	if persisted.Flags.IsRelevant == nil || !*persisted.Flags.IsRelevant {
		t.Error("relevance flag from the completed stage was not checkpointed")
	}
	if persisted.FinalAnswer != "" {
		t.Errorf("FinalAnswer = %q after cancelled turn, want empty", persisted.FinalAnswer)
	}
}

func TestRunTurnMultiTurnKeepsHistory(t *testing.T) {
	agents := testAgents(true, datatypes.GuardrailPass)
	r, _ := newTestRouter(t, agents)

	ctx := context.Background()
	if _, err := r.RunTurn(ctx, "t1", "first question", events.NopPublisher{}); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	state, err := r.RunTurn(ctx, "t1", "second question", events.NopPublisher{})
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	if len(state.Messages) != 4 {
		t.Errorf("got %d messages after two turns, want 4", len(state.Messages))
	}
	if state.IterationCount != 3 {
		t.Errorf("IterationCount = %d for second turn, want 3", state.IterationCount)
	}
}

func TestRunTurnConcurrentThreads(t *testing.T) {
	agents := testAgents(true, datatypes.GuardrailPass)
	r, _ := newTestRouter(t, agents)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			threadID := string(rune('a' + n))
			_, errs[n] = r.RunTurn(context.Background(), threadID, "hello", events.NopPublisher{})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("thread %d: %v", i, err)
		}
	}
}

func TestNextStagePriorities(t *testing.T) {
	r := &Router{}

	relevant := true
	irrelevant := false
	tests := []struct {
		name  string
		state datatypes.ConversationState
		want  Stage
	}{
		{"final answer wins", datatypes.ConversationState{FinalAnswer: "done", Flags: datatypes.RoutingFlags{IsRelevant: &relevant}}, StageEnd},
		{"unset flags re-enter filter", datatypes.ConversationState{}, StageRelevanceFilter},
		{"irrelevant goes to moderator", datatypes.ConversationState{Flags: datatypes.RoutingFlags{IsRelevant: &irrelevant}}, StageModerator},
		{"relevant without verdict checks guardrails", datatypes.ConversationState{Flags: datatypes.RoutingFlags{IsRelevant: &relevant}}, StageGuardrailCheck},
		{"pass goes to responder", datatypes.ConversationState{Flags: datatypes.RoutingFlags{IsRelevant: &relevant, GuardrailsResult: datatypes.GuardrailPass}}, StageResponder},
		{"fail goes to safety", datatypes.ConversationState{Flags: datatypes.RoutingFlags{IsRelevant: &relevant, GuardrailsResult: datatypes.GuardrailFail}}, StageSafetyResponder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.nextStage(&tt.state)
			if err != nil {
				t.Fatalf("nextStage: %v", err)
			}
			if got != tt.want {
				t.Errorf("nextStage = %s, want %s", got, tt.want)
			}
		})
	}
}
