// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chatview reconstructs display state from a thread's message log
// or its live event stream. It is the client-side counterpart of the
// conversation router and has no service dependencies beyond the shared
// datatypes.
package chatview

import (
	"encoding/json"
	"strings"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// BlockKind classifies a display block.
type BlockKind string

const (
	// BlockChat is a plain text bubble (user or assistant).
	BlockChat BlockKind = "chat"

	// BlockToolGroup groups the tool calls of one assistant message with
	// their results.
	BlockToolGroup BlockKind = "toolGroup"

	// BlockOrphanResult is a tool result whose call is not in the log.
	// Rendered visibly rather than dropped.
	BlockOrphanResult BlockKind = "orphanResult"
)

// ToolStatus is the lifecycle of one tool call in the view.
type ToolStatus string

const (
	ToolPending  ToolStatus = "pending"
	ToolComplete ToolStatus = "complete"
	ToolError    ToolStatus = "error"
)

// ToolCallView is one tool call with whatever is known about its outcome.
type ToolCallView struct {
	ID   string
	Name string

	// Args holds the parsed arguments when RawArgs is valid JSON.
	Args map[string]any

	// RawArgs is always set. When parsing failed (truncated stream,
	// malformed model output) the view renders this opaquely.
	RawArgs    string
	ArgsParsed bool

	Result string
	Status ToolStatus
}

// DisplayBlock is one renderable unit of the conversation.
type DisplayBlock struct {
	Kind      BlockKind
	Role      datatypes.Role
	MessageID string
	Text      string
	Tools     []ToolCallView
}

// Anomaly records a reconstruction inconsistency. Anomalies never abort
// reconstruction; the surrounding blocks still render.
type Anomaly struct {
	MessageID  string
	ToolCallID string
	Reason     string
}

// Reconstruct folds an ordered message log into display blocks.
//
// # Description
//
// The fold is a pure function of the log: running it twice over the same
// log, or over a prefix and then the full log, yields consistent views.
// Tool results match their calls by ID through a pending index, so a
// result can answer a call from any earlier assistant message, not just
// the adjacent one. A result with no matching pending call becomes a
// visible orphan block plus an Anomaly.
func Reconstruct(messages []datatypes.Message) ([]DisplayBlock, []Anomaly) {
	var blocks []DisplayBlock
	var anomalies []Anomaly

	// pending maps tool-call ID to its view in an already-emitted block.
	type pendingRef struct {
		block int
		tool  int
	}
	pending := make(map[string]pendingRef)

	for _, msg := range messages {
		switch msg.Role {
		case datatypes.RoleUser:
			blocks = append(blocks, DisplayBlock{
				Kind:      BlockChat,
				Role:      datatypes.RoleUser,
				MessageID: msg.ID,
				Text:      msg.Content,
			})

		case datatypes.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				blocks = append(blocks, DisplayBlock{
					Kind:      BlockChat,
					Role:      datatypes.RoleAssistant,
					MessageID: msg.ID,
					Text:      msg.Content,
				})
				continue
			}

			group := DisplayBlock{
				Kind:      BlockToolGroup,
				Role:      datatypes.RoleAssistant,
				MessageID: msg.ID,
				Text:      msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				view := ToolCallView{
					ID:      tc.ID,
					Name:    tc.Name,
					RawArgs: tc.Arguments,
					Status:  ToolPending,
				}
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err == nil {
					view.Args = args
					view.ArgsParsed = true
				}
				group.Tools = append(group.Tools, view)
			}
			blocks = append(blocks, group)
			for i := range blocks[len(blocks)-1].Tools {
				tc := blocks[len(blocks)-1].Tools[i]
				if _, dup := pending[tc.ID]; dup {
					anomalies = append(anomalies, Anomaly{
						MessageID:  msg.ID,
						ToolCallID: tc.ID,
						Reason:     "duplicate tool call id",
					})
					continue
				}
				pending[tc.ID] = pendingRef{block: len(blocks) - 1, tool: i}
			}

		case datatypes.RoleTool:
			ref, ok := pending[msg.ToolCallID]
			if !ok {
				blocks = append(blocks, DisplayBlock{
					Kind:      BlockOrphanResult,
					Role:      datatypes.RoleTool,
					MessageID: msg.ID,
					Text:      msg.Content,
				})
				anomalies = append(anomalies, Anomaly{
					MessageID:  msg.ID,
					ToolCallID: msg.ToolCallID,
					Reason:     "tool result without matching call",
				})
				continue
			}
			view := &blocks[ref.block].Tools[ref.tool]
			view.Result = msg.Content
			view.Status = resultStatus(msg)
			delete(pending, msg.ToolCallID)

		default:
			anomalies = append(anomalies, Anomaly{
				MessageID: msg.ID,
				Reason:    "unknown message role " + string(msg.Role),
			})
		}
	}

	return blocks, anomalies
}

// resultStatus classifies a tool result, preferring the executor's
// explicit classification. Logs written before statuses were recorded
// fall back to the "error: ..." result-text convention.
func resultStatus(msg datatypes.Message) ToolStatus {
	switch msg.ToolStatus {
	case datatypes.ToolResultComplete:
		return ToolComplete
	case datatypes.ToolResultError:
		return ToolError
	}
	if strings.HasPrefix(msg.Content, "error:") {
		return ToolError
	}
	return ToolComplete
}
