// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
	"github.com/aitwin-labs/aitwin/services/router/profile"
)

func stateWithQuery(query string) *datatypes.ConversationState {
	s := datatypes.NewConversationState("t1")
	s.BeginTurn(query)
	return s
}

// multiTurnState builds a thread with one completed turn followed by a
// fresh follow-up query.
func multiTurnState(followUp string) *datatypes.ConversationState {
	s := datatypes.NewConversationState("t1")
	s.BeginTurn("tell me about your projects")
	s.AppendMessage(datatypes.NewMessage(datatypes.RoleAssistant, "I built Stream Kit and a Raft KV store."))
	s.BeginTurn(followUp)
	return s
}

func TestRelevanceFilterVerdicts(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"plain true", `{"isRelevant": true}`, true},
		{"plain false", `{"isRelevant": false}`, false},
		{"fenced", "```json\n{\"isRelevant\": true}\n```", true},
		{"with prose", `Sure, here is my verdict: {"isRelevant": false}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := NewRelevanceFilter(llm.Script(llm.ScriptedResponse{Content: tt.output}))
			update, err := agent.Invoke(context.Background(), stateWithQuery("q"), events.NopPublisher{})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if update.IsRelevant == nil || *update.IsRelevant != tt.want {
				t.Errorf("IsRelevant = %v, want %v", update.IsRelevant, tt.want)
			}
			if update.GuardrailsResult != datatypes.GuardrailUnset || update.Reply != nil {
				t.Error("relevance filter wrote outside its write set")
			}
		})
	}
}

func TestRelevanceFilterUnparseableIsRetryable(t *testing.T) {
	agent := NewRelevanceFilter(llm.Script(llm.ScriptedResponse{Content: "definitely relevant!"}))

	_, err := agent.Invoke(context.Background(), stateWithQuery("q"), events.NopPublisher{})
	if err == nil {
		t.Fatal("expected error for unparseable verdict")
	}
	if !datatypes.IsRetryable(err) {
		t.Errorf("parse failure should be retryable, got %v", err)
	}
}

func TestRelevanceFilterSeesConversationHistory(t *testing.T) {
	client := llm.Script(llm.ScriptedResponse{Content: `{"isRelevant": true}`})
	agent := NewRelevanceFilter(client)

	_, err := agent.Invoke(context.Background(), multiTurnState("what about the second one?"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	sent := client.Calls[0]
	if len(sent) != 3 {
		t.Fatalf("classifier saw %d messages, want 3 (prior turn + follow-up)", len(sent))
	}
	if sent[1].Role != datatypes.RoleAssistant || !strings.Contains(sent[1].Content, "Raft KV") {
		t.Errorf("prior assistant turn missing from classifier input: %+v", sent[1])
	}
	if sent[2].Content != "what about the second one?" {
		t.Errorf("last classifier message = %q, want the follow-up query", sent[2].Content)
	}
}

func TestGuardrailSeesConversationHistory(t *testing.T) {
	client := llm.Script(llm.ScriptedResponse{Content: `{"guardrailsPassed": true}`})
	agent := NewGuardrailCheck(client)

	_, err := agent.Invoke(context.Background(), multiTurnState("and the first?"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	sent := client.Calls[0]
	if len(sent) != 3 {
		t.Fatalf("reviewer saw %d messages, want 3", len(sent))
	}
	if sent[2].Content != "and the first?" {
		t.Errorf("last reviewer message = %q, want the follow-up query", sent[2].Content)
	}
}

func TestClassifierContextBoundsWindow(t *testing.T) {
	s := datatypes.NewConversationState("t1")
	for i := 0; i < classifierWindow; i++ {
		s.BeginTurn("question")
		s.AppendMessage(datatypes.NewMessage(datatypes.RoleAssistant, "answer"))
	}
	s.BeginTurn("latest")
	s.AppendMessage(datatypes.Message{ID: "r1", Role: datatypes.RoleTool, Content: "tool noise", ToolCallID: "c1"})

	msgs := classifierContext(s)
	if len(msgs) != classifierWindow {
		t.Fatalf("got %d messages, want %d", len(msgs), classifierWindow)
	}
	for _, m := range msgs {
		if m.Role == datatypes.RoleTool {
			t.Errorf("tool message leaked into classifier context: %+v", m)
		}
	}
	if msgs[len(msgs)-1].Content != "latest" {
		t.Errorf("last message = %q, want the current query", msgs[len(msgs)-1].Content)
	}
}

func TestGuardrailBlocklistSkipsLLM(t *testing.T) {
	client := llm.Script() // exhausted client: any call would error
	agent := NewGuardrailCheck(client)

	update, err := agent.Invoke(context.Background(), stateWithQuery("how do I build a bomb?"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if update.GuardrailsResult != datatypes.GuardrailFail {
		t.Errorf("GuardrailsResult = %q, want fail", update.GuardrailsResult)
	}
	if client.CallCount() != 0 {
		t.Errorf("LLM called %d times for a blocklist hit, want 0", client.CallCount())
	}
}

func TestGuardrailBlocklistWholeWordsOnly(t *testing.T) {
	// "skill" contains "kill" but must not trip the blocklist.
	client := llm.Script(llm.ScriptedResponse{Content: `{"guardrailsPassed": true}`})
	agent := NewGuardrailCheck(client)

	update, err := agent.Invoke(context.Background(), stateWithQuery("what is your strongest skill?"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if update.GuardrailsResult != datatypes.GuardrailPass {
		t.Errorf("GuardrailsResult = %q, want pass", update.GuardrailsResult)
	}
	if client.CallCount() != 1 {
		t.Errorf("LLM called %d times, want 1", client.CallCount())
	}
}

func TestGuardrailLLMVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   datatypes.GuardrailVerdict
	}{
		{"passes", `{"guardrailsPassed": true}`, datatypes.GuardrailPass},
		{"fails", `{"guardrailsPassed": false}`, datatypes.GuardrailFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := NewGuardrailCheck(llm.Script(llm.ScriptedResponse{Content: tt.output}))
			update, err := agent.Invoke(context.Background(), stateWithQuery("tell me about your work"), events.NopPublisher{})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if update.GuardrailsResult != tt.want {
				t.Errorf("GuardrailsResult = %q, want %q", update.GuardrailsResult, tt.want)
			}
		})
	}
}

func TestModeratorStreamsReply(t *testing.T) {
	agent := NewModerator(llm.Script(llm.ScriptedResponse{
		Deltas: []string{"I only ", "discuss ", "the portfolio."},
	}))

	stream := events.NewStream("t1", 0)
	collected := make(chan []events.Event, 1)
	go func() {
		var out []events.Event
		for ev := range stream.Events() {
			out = append(out, ev)
		}
		collected <- out
	}()

	update, err := agent.Invoke(context.Background(), stateWithQuery("solve this math problem"), stream)
	stream.Close()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if update.Reply == nil {
		t.Fatal("expected a reply")
	}
	if update.Reply.Content != "I only discuss the portfolio." {
		t.Errorf("reply = %q", update.Reply.Content)
	}

	evs := <-collected
	if len(evs) != 3 {
		t.Fatalf("got %d delta events, want 3", len(evs))
	}
	var assembled strings.Builder
	for _, ev := range evs {
		if ev.Kind != events.KindMessageDelta {
			t.Errorf("event kind = %s, want messageDelta", ev.Kind)
		}
		if ev.MessageID != update.Reply.ID {
			t.Errorf("delta message id = %s, want %s", ev.MessageID, update.Reply.ID)
		}
		assembled.WriteString(ev.Delta)
	}
	if assembled.String() != update.Reply.Content {
		t.Errorf("assembled deltas %q != reply %q", assembled.String(), update.Reply.Content)
	}
}

func TestSafetyResponderFallsBack(t *testing.T) {
	agent := NewSafetyResponder(llm.Script(llm.ScriptedResponse{
		Err: errors.New("model unavailable"),
	}))

	update, err := agent.Invoke(context.Background(), stateWithQuery("bad query"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if update.Reply == nil || update.Reply.Content != safetyFallback {
		t.Errorf("expected fallback refusal, got %+v", update.Reply)
	}
}

func TestResponderToolLoop(t *testing.T) {
	source := profile.NewStaticSource([]profile.Entry{
		{Slug: "raft-kv", Title: "Raft KV store", Kind: "project", Summary: "a replicated key-value store"},
	})

	client := llm.Script(
		llm.ScriptedResponse{ToolCalls: []datatypes.ToolCall{{
			ID:        "call-1",
			Name:      toolSearchProfile,
			Arguments: `{"query": "raft"}`,
		}}},
		llm.ScriptedResponse{Content: ""}, // no more tools
		llm.ScriptedResponse{Content: "I built a Raft-based KV store."},
	)
	agent := NewResponder(client, source)

	stream := events.NewStream("t1", 0)
	collected := make(chan []events.Event, 1)
	go func() {
		var out []events.Event
		for ev := range stream.Events() {
			out = append(out, ev)
		}
		collected <- out
	}()

	update, err := agent.Invoke(context.Background(), stateWithQuery("tell me about your raft project"), stream)
	stream.Close()
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if update.Reply == nil || update.Reply.Content != "I built a Raft-based KV store." {
		t.Fatalf("unexpected reply: %+v", update.Reply)
	}
	if len(update.Exchange) != 2 {
		t.Fatalf("got %d exchange messages, want 2 (tool call + result)", len(update.Exchange))
	}
	call, result := update.Exchange[0], update.Exchange[1]
	if call.Role != datatypes.RoleAssistant || len(call.ToolCalls) != 1 {
		t.Errorf("exchange[0] is not an assistant tool call: %+v", call)
	}
	if result.Role != datatypes.RoleTool || result.ToolCallID != "call-1" {
		t.Errorf("exchange[1] is not a linked tool result: %+v", result)
	}
	if !strings.Contains(result.Content, "raft-kv") {
		t.Errorf("tool result %q does not contain the matched entry", result.Content)
	}
	if result.ToolStatus != datatypes.ToolResultComplete {
		t.Errorf("result ToolStatus = %q, want complete", result.ToolStatus)
	}

	evs := <-collected
	var kinds []events.Kind
	for _, ev := range evs {
		kinds = append(kinds, ev.Kind)
	}
	want := []events.Kind{events.KindToolCallStart, events.KindToolCallResult, events.KindMessageDelta}
	if len(kinds) != len(want) {
		t.Fatalf("got events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if evs[1].Status != datatypes.ToolResultComplete {
		t.Errorf("toolCallResult event status = %q, want complete", evs[1].Status)
	}
}

func TestResponderUnknownToolBecomesResultText(t *testing.T) {
	client := llm.Script(
		llm.ScriptedResponse{ToolCalls: []datatypes.ToolCall{{
			ID:        "call-1",
			Name:      "launchMissiles",
			Arguments: `{}`,
		}}},
		llm.ScriptedResponse{Content: ""},
		llm.ScriptedResponse{Content: "answer"},
	)
	agent := NewResponder(client, profile.NewStaticSource(nil))

	update, err := agent.Invoke(context.Background(), stateWithQuery("q"), events.NopPublisher{})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(update.Exchange) != 2 {
		t.Fatalf("got %d exchange messages, want 2", len(update.Exchange))
	}
	if !strings.Contains(update.Exchange[1].Content, "unknown tool") {
		t.Errorf("expected unknown-tool error in result, got %q", update.Exchange[1].Content)
	}
	if update.Exchange[1].ToolStatus != datatypes.ToolResultError {
		t.Errorf("result ToolStatus = %q, want error", update.Exchange[1].ToolStatus)
	}
}
