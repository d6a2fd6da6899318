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
	"time"

	"github.com/google/uuid"

	"github.com/aitwin-labs/aitwin/services/router"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
	"github.com/aitwin-labs/aitwin/services/router/llm"
)

// streamReply generates one assistant message, publishing a messageDelta
// event for every content fragment. The returned message is complete; the
// router publishes its messageComplete after applying the update.
func streamReply(ctx context.Context, client llm.Client, pub events.Publisher, stage router.Stage, system string, history []datatypes.Message) (*datatypes.Message, error) {
	msg := datatypes.Message{
		ID:        uuid.NewString(),
		Role:      datatypes.RoleAssistant,
		CreatedAt: time.Now().UnixMilli(),
	}

	comp, err := client.Stream(ctx, history, llm.Params{System: system}, func(delta string) error {
		return pub.Publish(ctx, events.Event{
			Kind:      events.KindMessageDelta,
			MessageID: msg.ID,
			Delta:     delta,
		})
	})
	if err != nil {
		return nil, classify(stage, err)
	}

	msg.Content = comp.Content
	return &msg, nil
}

// Moderator produces the polite redirect for off-topic queries.
// Write set: one assistant message + FinalAnswer.
type Moderator struct {
	client llm.Client
}

// NewModerator creates the moderator stage.
func NewModerator(client llm.Client) *Moderator {
	return &Moderator{client: client}
}

// Kind implements router.StageAgent.
func (a *Moderator) Kind() router.Stage {
	return router.StageModerator
}

// Invoke implements router.StageAgent.
func (a *Moderator) Invoke(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	reply, err := streamReply(ctx, a.client, pub, a.Kind(), moderatorPrompt, state.Messages)
	if err != nil {
		return nil, err
	}
	return &datatypes.PartialUpdate{Reply: reply}, nil
}

// SafetyResponder produces the refusal for queries that failed guardrails.
// Write set: one assistant message + FinalAnswer.
type SafetyResponder struct {
	client llm.Client
}

// NewSafetyResponder creates the safety responder stage.
func NewSafetyResponder(client llm.Client) *SafetyResponder {
	return &SafetyResponder{client: client}
}

// Kind implements router.StageAgent.
func (a *SafetyResponder) Kind() router.Stage {
	return router.StageSafetyResponder
}

// Invoke implements router.StageAgent.
//
// Generation failure here falls back to a canned refusal instead of
// erroring: an unsafe turn must not end without a refusal because the
// refusal generator itself was flaky.
func (a *SafetyResponder) Invoke(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	reply, err := streamReply(ctx, a.client, pub, a.Kind(), safetyPrompt, state.Messages)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		fallback := datatypes.NewMessage(datatypes.RoleAssistant, safetyFallback)
		if pubErr := pub.Publish(ctx, events.Event{
			Kind:      events.KindMessageDelta,
			MessageID: fallback.ID,
			Delta:     fallback.Content,
		}); pubErr != nil {
			return nil, pubErr
		}
		return &datatypes.PartialUpdate{Reply: &fallback}, nil
	}
	return &datatypes.PartialUpdate{Reply: reply}, nil
}

var (
	_ router.StageAgent = (*Moderator)(nil)
	_ router.StageAgent = (*SafetyResponder)(nil)
)
