// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire types of the orchestrator API.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// StreamEvent is the serialized form of one stream event as sent over SSE
// or WebSocket.
//
// # Description
//
// The event body mirrors the router's event fields one to one. On top of
// those the writer stamps an integrity chain: Hash covers the event's own
// content and PrevHash links to the previous event of the connection, so
// a client can detect tampering or silent gaps in a recorded transcript.
//
// # Thread Safety
//
// StreamEvent is a value type; copies are independent.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt"`
	Hash      string `json:"hash,omitempty"`
	PrevHash  string `json:"prevHash,omitempty"`

	ThreadId string `json:"threadId,omitempty"`
	Seq      int64  `json:"seq,omitempty"`

	// MessageId identifies the message a delta or tool event belongs to.
	MessageId string `json:"messageId,omitempty"`

	// Content carries the text fragment of a messageDelta event.
	Content string `json:"content,omitempty"`

	// Message carries the finalized message of a messageComplete event.
	Message *datatypes.Message `json:"message,omitempty"`

	// ToolCall carries the announced call of a toolCallStart event.
	ToolCall *datatypes.ToolCall `json:"toolCall,omitempty"`

	// ToolCallId, Result, and Status carry the outcome of a toolCallResult
	// event.
	ToolCallId string `json:"toolCallId,omitempty"`
	Result     string `json:"result,omitempty"`
	Status     string `json:"status,omitempty"`

	// Stage carries the pipeline stage of a status event.
	Stage string `json:"stage,omitempty"`

	// Error and Code carry the sanitized message and classification of an
	// error event.
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	// FinalAnswer carries the settled answer on a done event.
	FinalAnswer string `json:"finalAnswer,omitempty"`
}

// FromRouterEvent converts a router event into its wire form. Hash and
// PrevHash are left empty; the SSE writer stamps them at write time.
func FromRouterEvent(ev events.Event) StreamEvent {
	createdAt := int64(0)
	if !ev.CreatedAt.IsZero() {
		createdAt = ev.CreatedAt.UnixMilli()
	}
	return StreamEvent{
		Id:          ev.ID,
		Type:        string(ev.Kind),
		CreatedAt:   createdAt,
		ThreadId:    ev.ThreadID,
		Seq:         ev.Seq,
		MessageId:   ev.MessageID,
		Content:     ev.Delta,
		Message:     ev.Message,
		ToolCall:    ev.ToolCall,
		ToolCallId:  ev.ToolCallID,
		Result:      ev.Result,
		Status:      ev.Status,
		Stage:       ev.Stage,
		Error:       ev.Error,
		Code:        ev.Code,
		FinalAnswer: ev.FinalAnswer,
	}
}

// ComputeHash hashes the event's content fields. PrevHash must already be
// set so the chain linkage is covered; Hash itself is excluded. The server
// stamps hashes with this at write time and clients recompute them to
// verify a received stream.
func (e StreamEvent) ComputeHash() string {
	messageJSON := ""
	if e.Message != nil {
		if data, err := json.Marshal(e.Message); err == nil {
			messageJSON = string(data)
		}
	}
	toolCallJSON := ""
	if e.ToolCall != nil {
		if data, err := json.Marshal(e.ToolCall); err == nil {
			toolCallJSON = string(data)
		}
	}

	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		e.Id,
		e.Type,
		e.CreatedAt,
		e.PrevHash,
		e.ThreadId,
		e.Seq,
		e.MessageId,
		e.Content,
		messageJSON,
		toolCallJSON,
		e.Result,
		e.Status,
		e.Stage,
		e.Error,
		e.Code,
		e.FinalAnswer,
	)

	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// ToRouterEvent converts a received wire event back into the router's event
// type. Used by clients that fold the stream with pkg/chatview.
func (e StreamEvent) ToRouterEvent() events.Event {
	return events.Event{
		ID:          e.Id,
		Kind:        events.Kind(e.Type),
		CreatedAt:   time.UnixMilli(e.CreatedAt),
		ThreadID:    e.ThreadId,
		Seq:         e.Seq,
		MessageID:   e.MessageId,
		Delta:       e.Content,
		Message:     e.Message,
		ToolCall:    e.ToolCall,
		ToolCallID:  e.ToolCallId,
		Result:      e.Result,
		Status:      e.Status,
		Stage:       e.Stage,
		Error:       e.Error,
		Code:        e.Code,
		FinalAnswer: e.FinalAnswer,
	}
}
