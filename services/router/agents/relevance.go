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

	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
)

// RelevanceFilter decides whether the current query is portfolio-related.
// Write set: Flags.IsRelevant.
type RelevanceFilter struct {
	client llm.Client
}

// NewRelevanceFilter creates the relevance filter stage.
func NewRelevanceFilter(client llm.Client) *RelevanceFilter {
	return &RelevanceFilter{client: client}
}

// Kind implements router.StageAgent.
func (a *RelevanceFilter) Kind() router.Stage {
	return router.StageRelevanceFilter
}

// Invoke implements router.StageAgent.
func (a *RelevanceFilter) Invoke(ctx context.Context, state *datatypes.ConversationState, _ events.Publisher) (*datatypes.PartialUpdate, error) {
	comp, err := a.client.Complete(ctx, classifierContext(state), llm.Params{
		System:      relevancePrompt,
		Temperature: lowTemp(),
		JSONMode:    true,
	})
	if err != nil {
		return nil, classify(a.Kind(), err)
	}

	var verdict struct {
		IsRelevant bool `json:"isRelevant"`
	}
	if err := decodeVerdict(comp.Content, &verdict); err != nil {
		return nil, datatypes.NewStageFailure(a.Kind().String(), err)
	}

	slog.Debug("relevance verdict", "thread_id", state.ThreadID, "relevant", verdict.IsRelevant)
	return &datatypes.PartialUpdate{IsRelevant: &verdict.IsRelevant}, nil
}

var _ router.StageAgent = (*RelevanceFilter)(nil)
