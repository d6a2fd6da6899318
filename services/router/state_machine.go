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
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned for a stage transition outside the
// pipeline graph.
var ErrInvalidTransition = errors.New("invalid stage transition")

// StateMachine encodes the closed transition graph of the pipeline.
//
// The graph is:
//
//	START → RELEVANCE_FILTER        : Turn begins, relevance unknown
//	RELEVANCE_FILTER → GUARDRAIL_CHECK : Query is on-topic
//	RELEVANCE_FILTER → MODERATOR    : Query is off-topic
//	GUARDRAIL_CHECK → RESPONDER     : Guardrails passed
//	GUARDRAIL_CHECK → SAFETY_RESPONDER : Guardrails failed
//	RESPONDER → END                 : Answer produced
//	MODERATOR → END                 : Redirect produced
//	SAFETY_RESPONDER → END          : Refusal produced
//
// Defensive re-entry edges cover checkpoints resumed with cleared flags:
//
//	GUARDRAIL_CHECK → RELEVANCE_FILTER
//	RESPONDER → RELEVANCE_FILTER
//	MODERATOR → RELEVANCE_FILTER
//	SAFETY_RESPONDER → RELEVANCE_FILTER
//
// Thread Safety:
//
//	StateMachine is safe for concurrent use.
type StateMachine struct {
	mu sync.RWMutex

	// transitions maps (from, to) pairs that are valid.
	transitions map[Stage]map[Stage]bool
}

// NewStateMachine creates a state machine with all valid transitions.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[Stage]map[Stage]bool),
	}

	for _, stage := range AllStages() {
		sm.transitions[stage] = make(map[Stage]bool)
	}

	sm.addTransition(StageStart, StageRelevanceFilter)

	sm.addTransition(StageRelevanceFilter, StageGuardrailCheck)
	sm.addTransition(StageRelevanceFilter, StageModerator)

	sm.addTransition(StageGuardrailCheck, StageResponder)
	sm.addTransition(StageGuardrailCheck, StageSafetyResponder)
	sm.addTransition(StageGuardrailCheck, StageRelevanceFilter)

	sm.addTransition(StageResponder, StageEnd)
	sm.addTransition(StageResponder, StageRelevanceFilter)

	sm.addTransition(StageModerator, StageEnd)
	sm.addTransition(StageModerator, StageRelevanceFilter)

	sm.addTransition(StageSafetyResponder, StageEnd)
	sm.addTransition(StageSafetyResponder, StageRelevanceFilter)

	return sm
}

// addTransition registers a valid transition.
func (sm *StateMachine) addTransition(from, to Stage) {
	sm.transitions[from][to] = true
}

// CanTransition checks whether a transition is valid.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) CanTransition(from, to Stage) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Validate returns ErrInvalidTransition if the transition is outside the
// graph.
func (sm *StateMachine) Validate(from, to Stage) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns all valid target stages for a source stage.
//
// Thread Safety: This method is safe for concurrent use.
func (sm *StateMachine) ValidTransitionsFrom(from Stage) []Stage {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var result []Stage
	if toMap, ok := sm.transitions[from]; ok {
		for stage, valid := range toMap {
			if valid {
				result = append(result, stage)
			}
		}
	}
	return result
}

// TransitionReason provides a human-readable description of a transition.
func (sm *StateMachine) TransitionReason(from, to Stage) string {
	key := from.String() + "->" + to.String()

	reasons := map[string]string{
		"START->RELEVANCE_FILTER":            "Turn begins, relevance unknown",
		"RELEVANCE_FILTER->GUARDRAIL_CHECK":  "Query is on-topic",
		"RELEVANCE_FILTER->MODERATOR":        "Query is off-topic",
		"GUARDRAIL_CHECK->RESPONDER":         "Guardrails passed",
		"GUARDRAIL_CHECK->SAFETY_RESPONDER":  "Guardrails failed",
		"GUARDRAIL_CHECK->RELEVANCE_FILTER":  "Relevance flag missing, re-evaluating",
		"RESPONDER->END":                     "Answer produced",
		"RESPONDER->RELEVANCE_FILTER":        "Relevance flag missing, re-evaluating",
		"MODERATOR->END":                     "Redirect produced",
		"MODERATOR->RELEVANCE_FILTER":        "Relevance flag missing, re-evaluating",
		"SAFETY_RESPONDER->END":              "Refusal produced",
		"SAFETY_RESPONDER->RELEVANCE_FILTER": "Relevance flag missing, re-evaluating",
	}

	if reason, ok := reasons[key]; ok {
		return reason
	}
	return "Unknown transition"
}

// DefaultStateMachine is the shared state machine instance.
var DefaultStateMachine = NewStateMachine()
