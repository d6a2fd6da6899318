// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package router

import (
	"context"
	"time"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// Stage identifies a node in the conversation pipeline.
//
// The set is closed. Start and End are synthetic markers; the five stages
// between them are the only ones with agents behind them.
type Stage string

const (
	// StageStart marks the beginning of a turn. No agent runs here.
	StageStart Stage = "START"

	// StageRelevanceFilter decides whether the query is on-topic.
	StageRelevanceFilter Stage = "RELEVANCE_FILTER"

	// StageGuardrailCheck decides whether an on-topic query is safe.
	StageGuardrailCheck Stage = "GUARDRAIL_CHECK"

	// StageResponder produces the substantive answer.
	StageResponder Stage = "RESPONDER"

	// StageModerator produces the polite redirect for off-topic queries.
	StageModerator Stage = "MODERATOR"

	// StageSafetyResponder produces the refusal for unsafe queries.
	StageSafetyResponder Stage = "SAFETY_RESPONDER"

	// StageEnd marks turn completion. No agent runs here.
	StageEnd Stage = "END"
)

// String returns the stage name.
func (s Stage) String() string {
	return string(s)
}

// IsTerminal reports whether the stage ends the turn.
func (s Stage) IsTerminal() bool {
	return s == StageEnd
}

// HasAgent reports whether an agent executes at this stage.
func (s Stage) HasAgent() bool {
	return s != StageStart && s != StageEnd
}

// AllStages returns every stage, Start and End included.
func AllStages() []Stage {
	return []Stage{
		StageStart,
		StageRelevanceFilter,
		StageGuardrailCheck,
		StageResponder,
		StageModerator,
		StageSafetyResponder,
		StageEnd,
	}
}

// AgentStages returns the stages that have agents behind them.
func AgentStages() []Stage {
	return []Stage{
		StageRelevanceFilter,
		StageGuardrailCheck,
		StageResponder,
		StageModerator,
		StageSafetyResponder,
	}
}

// StageAgent is one node of the pipeline.
//
// # Description
//
// Invoke reads the conversation state and returns a PartialUpdate limited
// to the stage's declared write set. Agents never mutate the state they are
// handed; the router applies (and validates) the update. Streaming agents
// publish deltas and tool events to pub as they work; non-streaming agents
// ignore it.
//
// An agent that cannot produce its update returns an error, classified via
// datatypes.StageFailure. Returning (nil, nil) or an empty update is a
// contract violation the router turns into a RoutingInconsistency.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the router invokes the
// same agent instance for many threads at once.
type StageAgent interface {
	// Kind returns the stage this agent serves.
	Kind() Stage

	// Invoke executes the stage against a read-only view of state.
	Invoke(ctx context.Context, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error)
}

// Config tunes the router loop.
type Config struct {
	// IterationLimit caps stage executions per turn. A turn that exceeds
	// it aborts with a RoutingInconsistency.
	IterationLimit int

	// StageTimeout bounds a single stage execution, retries excluded.
	StageTimeout time.Duration

	// MaxRetries is the per-stage retry budget for retryable failures.
	MaxRetries int

	// RetryBackoff is the initial backoff between retries; it doubles on
	// each attempt.
	RetryBackoff time.Duration
}

// DefaultConfig returns the standard router tuning.
func DefaultConfig() Config {
	return Config{
		IterationLimit: 10,
		StageTimeout:   60 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   500 * time.Millisecond,
	}
}
