// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents provides the five stage agents of the conversation
// pipeline: relevance filter, guardrail check, responder, moderator, and
// safety responder.
package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/llm"
	"github.com/aitwin-labs/aitwin/services/router/profile"
)

// All builds the full agent set keyed by stage, ready to hand to the
// router.
func All(client llm.Client, source profile.Source) map[router.Stage]router.StageAgent {
	return map[router.Stage]router.StageAgent{
		router.StageRelevanceFilter: NewRelevanceFilter(client),
		router.StageGuardrailCheck:  NewGuardrailCheck(client),
		router.StageResponder:       NewResponder(client, source),
		router.StageModerator:       NewModerator(client),
		router.StageSafetyResponder: NewSafetyResponder(client),
	}
}

// classify wraps an LLM error as a stage failure, retryable when the
// backend signals a transient condition.
func classify(stage router.Stage, err error) error {
	if llm.Transient(err) {
		return datatypes.NewStageFailure(stage.String(), err)
	}
	return datatypes.NewFatalStageFailure(stage.String(), err)
}

// decodeVerdict parses a JSON verdict object out of model output. Models
// occasionally wrap JSON in code fences or prose; we take the outermost
// object and reject anything without one. A parse failure is retryable:
// the next sample usually complies.
func decodeVerdict(content string, into any) error {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in verdict output %q", truncate(trimmed, 80))
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), into); err != nil {
		return fmt.Errorf("parse verdict: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// lowTemp is shared by the filter stages; classification should not be
// creative.
func lowTemp() *float32 {
	t := float32(0)
	return &t
}

// classifierWindow bounds how much history the filter stages send. The
// current query is always the last entry.
const classifierWindow = 12

// classifierContext returns the recent conversation as classifier input.
// Follow-up queries often only make sense against prior turns ("what
// about the second one?"), so the filters classify against a bounded
// history window rather than the bare query. Tool traffic is skipped; it
// carries no topical signal the surrounding assistant text lacks.
func classifierContext(state *datatypes.ConversationState) []datatypes.Message {
	var msgs []datatypes.Message
	for _, m := range state.Messages {
		if m.Role == datatypes.RoleTool || strings.TrimSpace(m.Content) == "" {
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > classifierWindow {
		msgs = msgs[len(msgs)-classifierWindow:]
	}
	if len(msgs) == 0 {
		msgs = []datatypes.Message{datatypes.NewMessage(datatypes.RoleUser, state.Query)}
	}
	return msgs
}
