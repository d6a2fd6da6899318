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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
	"github.com/aitwin-labs/aitwin/services/router/profile"
)

const (
	toolSearchProfile = "searchProfile"
	toolGetEntry      = "getProfileEntry"

	// maxToolRounds bounds the context-gathering loop so a looping model
	// cannot stall the turn.
	maxToolRounds = 3
)

// Responder produces the substantive answer, optionally gathering portfolio
// content through tool calls first.
// Write set: tool-exchange messages, one assistant reply, FinalAnswer.
type Responder struct {
	client llm.Client
	source profile.Source
}

// NewResponder creates the responder stage.
func NewResponder(client llm.Client, source profile.Source) *Responder {
	return &Responder{client: client, source: source}
}

// Kind implements router.StageAgent.
func (a *Responder) Kind() router.Stage {
	return router.StageResponder
}

// Invoke implements router.StageAgent.
//
// The responder runs in two phases. Tool rounds use non-streaming
// completions with the profile tools offered; each requested call is
// executed against the content source and its result appended to the
// exchange. Once the model stops calling tools (or the round budget is
// spent), a final streaming completion produces the answer.
func (a *Responder) Invoke(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	update := &datatypes.PartialUpdate{}
	history := append([]datatypes.Message(nil), state.Messages...)

	for round := 0; round < maxToolRounds; round++ {
		comp, err := a.client.CompleteWithTools(ctx, history, profileTools(), llm.Params{System: responderPrompt})
		if err != nil {
			return nil, classify(a.Kind(), err)
		}
		if len(comp.ToolCalls) == 0 {
			break
		}

		call := datatypes.Message{
			ID:        uuid.NewString(),
			Role:      datatypes.RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
			CreatedAt: time.Now().UnixMilli(),
		}
		update.Exchange = append(update.Exchange, call)
		history = append(history, call)

		for _, tc := range comp.ToolCalls {
			if err := pub.Publish(ctx, events.Event{
				Kind:      events.KindToolCallStart,
				MessageID: call.ID,
				ToolCall:  &tc,
			}); err != nil {
				return nil, err
			}

			result, status := a.execTool(ctx, state.ThreadID, tc)
			resultMsg := datatypes.Message{
				ID:         uuid.NewString(),
				Role:       datatypes.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
				ToolStatus: status,
				CreatedAt:  time.Now().UnixMilli(),
			}
			update.Exchange = append(update.Exchange, resultMsg)
			history = append(history, resultMsg)

			if err := pub.Publish(ctx, events.Event{
				Kind:       events.KindToolCallResult,
				MessageID:  resultMsg.ID,
				ToolCallID: tc.ID,
				Result:     result,
				Status:     status,
			}); err != nil {
				return nil, err
			}
		}
	}

	reply, err := streamReply(ctx, a.client, pub, a.Kind(), responderPrompt, history)
	if err != nil {
		return nil, err
	}
	update.Reply = reply
	return update, nil
}

// execTool runs one tool call. Tool errors become result text with an
// error status rather than stage failures: the model should see the miss
// and answer around it.
func (a *Responder) execTool(ctx context.Context, threadID string, tc datatypes.ToolCall) (result, status string) {
	switch tc.Name {
	case toolSearchProfile:
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf("error: bad arguments: %v", err), datatypes.ToolResultError
		}
		entries, err := a.source.Search(ctx, args.Query, args.Limit)
		if err != nil {
			slog.Warn("profile search failed", "thread_id", threadID, "error", err)
			return fmt.Sprintf("error: %v", err), datatypes.ToolResultError
		}
		return encodeToolResult(entries)

	case toolGetEntry:
		var args struct {
			Slug string `json:"slug"`
		}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Sprintf("error: bad arguments: %v", err), datatypes.ToolResultError
		}
		entry, err := a.source.Get(ctx, args.Slug)
		if err != nil {
			return fmt.Sprintf("error: %v", err), datatypes.ToolResultError
		}
		return encodeToolResult(entry)

	default:
		return fmt.Sprintf("error: unknown tool %q", tc.Name), datatypes.ToolResultError
	}
}

func encodeToolResult(v any) (string, string) {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("error: encode result: %v", err), datatypes.ToolResultError
	}
	return string(data), datatypes.ToolResultComplete
}

func profileTools() []llm.ToolSpec {
	return []llm.ToolSpec{
		{
			Name:        toolSearchProfile,
			Description: "Search the portfolio content store for projects, experience, and writing.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search terms"},
					"limit": map[string]any{"type": "integer", "description": "Maximum entries to return"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        toolGetEntry,
			Description: "Fetch one portfolio entry by its slug, including the full body.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"slug": map[string]any{"type": "string", "description": "Entry slug from a search result"},
				},
				"required": []string{"slug"},
			},
		},
	}
}

var _ router.StageAgent = (*Responder)(nil)
