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
	"context"
	"time"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// Kind is the wire-visible event type.
type Kind string

const (
	// KindMessageDelta carries an incremental content fragment for the
	// message identified by MessageID. Deltas for one message arrive in
	// order; deltas for different messages may interleave.
	KindMessageDelta Kind = "messageDelta"

	// KindMessageComplete carries a finalized message.
	KindMessageComplete Kind = "messageComplete"

	// KindToolCallStart announces a tool invocation.
	KindToolCallStart Kind = "toolCallStart"

	// KindToolCallResult carries the outcome of a prior tool invocation,
	// linked by ToolCallID.
	KindToolCallResult Kind = "toolCallResult"

	// KindStatus announces the active stage. Informational; clients may
	// ignore it.
	KindStatus Kind = "status"

	// KindError reports a turn-fatal failure.
	KindError Kind = "error"

	// KindDone closes the turn.
	KindDone Kind = "done"
)

// Codes carried on error events. They classify the failure coarsely so
// clients can branch without parsing the sanitized message.
const (
	CodeStageFailed          = "STAGE_FAILED"
	CodeRoutingInconsistency = "ROUTING_INCONSISTENCY"
	CodeInternal             = "INTERNAL"
)

// Event is one item on a turn's client-facing stream.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	ThreadID  string    `json:"threadId"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`

	// MessageID scopes deltas to the message they extend.
	MessageID string `json:"messageId,omitempty"`

	// Delta is the content fragment for messageDelta events.
	Delta string `json:"delta,omitempty"`

	// Message is the finalized message for messageComplete events.
	Message *datatypes.Message `json:"message,omitempty"`

	// ToolCall is set on toolCallStart events.
	ToolCall *datatypes.ToolCall `json:"toolCall,omitempty"`

	// ToolCallID, Result, and Status are set on toolCallResult events.
	// Status is datatypes.ToolResultComplete or datatypes.ToolResultError.
	ToolCallID string `json:"toolCallId,omitempty"`
	Result     string `json:"result,omitempty"`
	Status     string `json:"status,omitempty"`

	// Stage is set on status events.
	Stage string `json:"stage,omitempty"`

	// Error and Code are set on error events. Error is the sanitized
	// message; Code is one of the Code constants above.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// FinalAnswer is set on done events when the turn settled an answer.
	FinalAnswer string `json:"finalAnswer,omitempty"`
}

// Publisher is the producer side of a turn stream. Stage agents receive a
// Publisher so streaming stages can emit deltas and tool events as they
// work.
type Publisher interface {
	// Publish places an event on the stream. It blocks while the stream
	// buffer is full and fails only on cancellation or a closed stream.
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards every event. Useful for non-streamed turns and
// tests.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev Event) error { return nil }

var _ Publisher = NopPublisher{}
