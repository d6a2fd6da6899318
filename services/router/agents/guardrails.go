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
	"log/slog"
	"strings"

	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
)

// blockedTerms fail the guardrail check deterministically, without an LLM
// round trip. The LLM review still covers everything the list misses.
var blockedTerms = []string{
	"kill",
	"die",
	"self-harm",
	"violence",
	"hate",
	"bomb",
}

// GuardrailCheck decides whether an on-topic query is safe to answer.
// Write set: Flags.GuardrailsResult.
type GuardrailCheck struct {
	client llm.Client
}

// NewGuardrailCheck creates the guardrail stage.
func NewGuardrailCheck(client llm.Client) *GuardrailCheck {
	return &GuardrailCheck{client: client}
}

// Kind implements router.StageAgent.
func (a *GuardrailCheck) Kind() router.Stage {
	return router.StageGuardrailCheck
}

// Invoke implements router.StageAgent.
func (a *GuardrailCheck) Invoke(ctx context.Context, state *datatypes.ConversationState, _ events.Publisher) (*datatypes.PartialUpdate, error) {
	if term := matchBlockedTerm(state.Query); term != "" {
		slog.Info("guardrail blocklist hit", "thread_id", state.ThreadID, "term", term)
		return &datatypes.PartialUpdate{GuardrailsResult: datatypes.GuardrailFail}, nil
	}

	comp, err := a.client.Complete(ctx, classifierContext(state), llm.Params{
		System:      guardrailPrompt,
		Temperature: lowTemp(),
		JSONMode:    true,
	})
	if err != nil {
		return nil, classify(a.Kind(), err)
	}

	var verdict struct {
		GuardrailsPassed bool `json:"guardrailsPassed"`
	}
	if err := decodeVerdict(comp.Content, &verdict); err != nil {
		return nil, datatypes.NewStageFailure(a.Kind().String(), err)
	}

	result := datatypes.GuardrailFail
	if verdict.GuardrailsPassed {
		result = datatypes.GuardrailPass
	}
	slog.Debug("guardrail verdict", "thread_id", state.ThreadID, "result", result)
	return &datatypes.PartialUpdate{GuardrailsResult: result}, nil
}

// matchBlockedTerm returns the first blocked term found in the query as a
// whole word, or "".
func matchBlockedTerm(query string) string {
	words := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-'
	})
	for _, w := range words {
		for _, term := range blockedTerms {
			if w == term {
				return term
			}
		}
	}
	return ""
}

var _ router.StageAgent = (*GuardrailCheck)(nil)
