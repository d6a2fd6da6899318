// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the router and its stores.
var (
	// ErrThreadNotFound is returned when a threadID has no checkpoint.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrTurnCancelled is returned when a turn is cancelled before a
	// terminal stage produced an answer. The thread remains resumable.
	ErrTurnCancelled = errors.New("turn cancelled")

	// ErrEmptyUpdate is returned when a stage produced neither an update
	// nor an error.
	ErrEmptyUpdate = errors.New("stage returned empty update")
)

// StageFailure is a failure of a single stage execution.
//
// Retryable failures (timeouts, transport errors, rate limits) may be
// retried by the router within its retry budget. Non-retryable failures
// escalate directly to a TurnFailure.
type StageFailure struct {
	Stage     string
	Retryable bool
	Err       error
}

func (e *StageFailure) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, kind, e.Err)
}

func (e *StageFailure) Unwrap() error { return e.Err }

// NewStageFailure wraps err as a retryable stage failure.
func NewStageFailure(stage string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Retryable: true, Err: err}
}

// NewFatalStageFailure wraps err as a non-retryable stage failure.
func NewFatalStageFailure(stage string, err error) *StageFailure {
	return &StageFailure{Stage: stage, Retryable: false, Err: err}
}

// IsRetryable reports whether err is (or wraps) a retryable StageFailure.
func IsRetryable(err error) bool {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf.Retryable
	}
	return false
}

// TurnFailure aborts the current turn. The thread's last checkpoint remains
// the authoritative state; a later turn may resume from it.
type TurnFailure struct {
	ThreadID string
	Stage    string
	Err      error
}

func (e *TurnFailure) Error() string {
	return fmt.Sprintf("turn failed on thread %s at stage %s: %v", e.ThreadID, e.Stage, e.Err)
}

func (e *TurnFailure) Unwrap() error { return e.Err }

// RoutingInconsistency signals that routing state violated an invariant the
// transition rules depend on: an unknown stage, a write outside a stage's
// declared write set, or a turn exceeding the iteration ceiling. It always
// aborts the turn.
type RoutingInconsistency struct {
	Stage  string
	Reason string
}

func (e *RoutingInconsistency) Error() string {
	return fmt.Sprintf("routing inconsistency at stage %s: %s", e.Stage, e.Reason)
}
