// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// GuardrailVerdict is the outcome of the guardrail check for the current
// turn. The zero value means the check has not run yet.
type GuardrailVerdict string

const (
	GuardrailUnset GuardrailVerdict = ""
	GuardrailPass  GuardrailVerdict = "pass"
	GuardrailFail  GuardrailVerdict = "fail"
)

// Tool result outcome classifications, carried on tool messages and on
// toolCallResult stream events.
const (
	ToolResultComplete = "complete"
	ToolResultError    = "error"
)

// ToolCall is a single tool invocation requested by an assistant message.
//
// Arguments is the raw JSON argument string as produced by the model. It may
// be incomplete or unparseable when a stream was cut off; consumers must
// treat it as opaque text in that case rather than dropping the call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a thread's append-only message log.
//
// Exactly one of the following shapes is valid:
//   - Role "user": Content set, no tool fields.
//   - Role "assistant": Content and/or ToolCalls set.
//   - Role "tool": Content holds the result, ToolCallID links it back to
//     the assistant ToolCall it answers.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`

	// ToolStatus classifies a tool message's outcome, ToolResultComplete
	// or ToolResultError. Empty on non-tool messages.
	ToolStatus string `json:"toolStatus,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// RoutingFlags are the per-turn routing signals written by the filter
// stages. The set is closed: adding a flag means adding a field here, not
// inventing a key at runtime.
//
// IsRelevant is nil until the relevance filter has run. GuardrailsResult is
// GuardrailUnset until the guardrail check has run. Both are cleared at the
// start of every turn.
type RoutingFlags struct {
	IsRelevant       *bool            `json:"isRelevant,omitempty"`
	GuardrailsResult GuardrailVerdict `json:"guardrailsResult,omitempty"`
}

// Reset clears the flags for a new turn.
func (f *RoutingFlags) Reset() {
	f.IsRelevant = nil
	f.GuardrailsResult = GuardrailUnset
}

// ConversationState is the full durable state of a thread. It is what the
// checkpoint store persists after every stage and what a reconnecting client
// replays to rebuild its view.
//
// Thread Safety: ConversationState is not safe for concurrent mutation. The
// router guarantees at most one turn mutates a given thread's state at a
// time; readers outside a turn must work from a checkpoint copy.
type ConversationState struct {
	ThreadID string    `json:"threadId"`
	Messages []Message `json:"messages"`

	// Query is the user query driving the current turn.
	Query string `json:"query"`

	Flags RoutingFlags `json:"flags"`

	// FinalAnswer is set by exactly one terminal stage per turn. Empty
	// while a turn is in flight.
	FinalAnswer string `json:"finalAnswer,omitempty"`

	// IterationCount counts stage executions within the current turn.
	IterationCount int `json:"iterationCount"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// NewConversationState creates an empty thread state.
func NewConversationState(threadID string) *ConversationState {
	now := time.Now().UnixMilli()
	return &ConversationState{
		ThreadID:  threadID,
		Messages:  make([]Message, 0, 8),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// BeginTurn resets the per-turn fields and appends the user query to the
// message log. Prior messages are kept; only routing flags, the final
// answer, and the iteration counter start fresh.
func (s *ConversationState) BeginTurn(query string) {
	s.Query = query
	s.Flags.Reset()
	s.FinalAnswer = ""
	s.IterationCount = 0
	s.Messages = append(s.Messages, NewMessage(RoleUser, query))
	s.Touch()
}

// AppendMessage adds a message to the log and bumps UpdatedAt.
func (s *ConversationState) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.Touch()
}

// LastMessage returns the most recent message, or nil for an empty log.
func (s *ConversationState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// Touch updates the modification timestamp.
func (s *ConversationState) Touch() {
	s.UpdatedAt = time.Now().UnixMilli()
}

// Clone returns a deep copy safe to hand to readers outside the turn.
func (s *ConversationState) Clone() *ConversationState {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	for i := range out.Messages {
		if len(s.Messages[i].ToolCalls) > 0 {
			out.Messages[i].ToolCalls = make([]ToolCall, len(s.Messages[i].ToolCalls))
			copy(out.Messages[i].ToolCalls, s.Messages[i].ToolCalls)
		}
	}
	if s.Flags.IsRelevant != nil {
		v := *s.Flags.IsRelevant
		out.Flags.IsRelevant = &v
	}
	return &out
}

// PartialUpdate is the declared write set of one stage execution. Each
// stage variant populates exactly the fields it owns:
//
//   - relevance filter: IsRelevant
//   - guardrail check: GuardrailsResult
//   - responder / moderator / safety responder: Reply (one assistant
//     message whose content becomes FinalAnswer) plus any tool-exchange
//     messages produced on the way
//
// The router rejects updates that stray outside the invoking stage's write
// set as a routing inconsistency.
type PartialUpdate struct {
	IsRelevant       *bool
	GuardrailsResult GuardrailVerdict

	// Exchange holds intermediate messages (assistant tool-call rounds and
	// their tool results) appended before the reply.
	Exchange []Message

	// Reply is the single assistant message that settles the turn.
	Reply *Message
}

// IsEmpty reports whether the update carries no writes at all. Stages must
// never return an empty update in place of an error.
func (u *PartialUpdate) IsEmpty() bool {
	return u.IsRelevant == nil &&
		u.GuardrailsResult == GuardrailUnset &&
		len(u.Exchange) == 0 &&
		u.Reply == nil
}

// ThreadInfo is the listing projection of a thread.
type ThreadInfo struct {
	ThreadID     string `json:"threadId"`
	MessageCount int    `json:"messageCount"`
	LastAnswer   string `json:"lastAnswer,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}
