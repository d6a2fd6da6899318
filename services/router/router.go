// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package router drives one conversation turn through the stage pipeline:
// relevance filter, guardrail check, and one of responder, moderator, or
// safety responder.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/aitwin-labs/aitwin/services/router/checkpoint"
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// clientErrMsg is the only failure text that crosses the stream boundary.
const clientErrMsg = "The assistant hit an internal error. Please try again."

// Router runs turns against the stage pipeline.
//
// # Description
//
// A Router owns the transition logic between stages. After every completed
// stage it applies the stage's partial update, validates the update against
// the stage's declared write set, checkpoints the thread, and picks the
// next stage from the routing rules (highest priority first):
//
//  1. FinalAnswer set → END
//  2. IsRelevant unset → RELEVANCE_FILTER
//  3. IsRelevant false → MODERATOR
//  4. GuardrailsResult unset → GUARDRAIL_CHECK
//  5. GuardrailsResult pass → RESPONDER
//  6. GuardrailsResult fail → SAFETY_RESPONDER
//  7. otherwise → END
//
// Rule 2 also covers checkpoints resumed with cleared flags: a turn that
// lost its flags re-enters the relevance filter instead of guessing.
//
// Each stage execution increments the turn's iteration count; exceeding the
// configured ceiling aborts the turn as a routing inconsistency rather than
// looping forever.
//
// # Concurrency
//
// Stages within one thread run strictly sequentially; turns for the same
// thread queue behind a per-thread lock. Turns on different threads run
// fully concurrently. Cancellation is observed between stages: the running
// stage finishes and its checkpoint is written before the turn aborts.
//
// # Thread Safety
//
// Router is safe for concurrent use.
type Router struct {
	agents  map[Stage]StageAgent
	store   checkpoint.Store
	sm      *StateMachine
	cfg     Config
	emitter *events.Emitter
	logger  *slog.Logger
	tracer  oteltrace.Tracer

	// turnLocks serializes turns per thread.
	turnLocksMu sync.Mutex
	turnLocks   map[string]*sync.Mutex
}

// Option configures a Router.
type Option func(*Router)

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(r *Router) {
		r.cfg = cfg
	}
}

// WithEmitter sets the lifecycle emitter.
func WithEmitter(e *events.Emitter) Option {
	return func(r *Router) {
		r.emitter = e
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithStateMachine overrides the transition graph. Tests only.
func WithStateMachine(sm *StateMachine) Option {
	return func(r *Router) {
		r.sm = sm
	}
}

// New creates a Router over the given store and agent set.
//
// Inputs:
//
//	store - Checkpoint store. Must not be nil.
//	agents - One agent per pipeline stage; all five must be present.
//	opts - Optional configuration.
//
// Outputs:
//
//	*Router - Ready to run turns.
//	error - Non-nil if the agent set is incomplete.
func New(store checkpoint.Store, agents map[Stage]StageAgent, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	for _, stage := range AgentStages() {
		if agents[stage] == nil {
			return nil, fmt.Errorf("missing agent for stage %s", stage)
		}
	}

	r := &Router{
		agents:    agents,
		store:     store,
		sm:        DefaultStateMachine,
		cfg:       DefaultConfig(),
		emitter:   events.NewEmitter(),
		logger:    slog.Default(),
		tracer:    otel.Tracer("aitwin/router"),
		turnLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Emitter returns the lifecycle emitter for observer wiring.
func (r *Router) Emitter() *events.Emitter {
	return r.emitter
}

// Store returns the checkpoint store.
func (r *Router) Store() checkpoint.Store {
	return r.store
}

// RunTurn executes one full turn for threadID.
//
// # Description
//
// Loads (or creates) the thread state, appends the user query, then walks
// the pipeline until a terminal stage sets FinalAnswer. Stage agents
// publish deltas and tool events to pub as they work; RunTurn itself
// publishes status, messageComplete, error, and done events. The caller
// owns the stream and closes it after RunTurn returns.
//
// On failure the last checkpoint remains authoritative: the returned error
// wraps the cause and the thread stays resumable.
//
// # Inputs
//
//   - ctx: Cancellation and deadline for the whole turn. Cancellation is
//     honored between stages; the in-flight stage completes and
//     checkpoints first.
//   - threadID: Thread to run against. Created on first use.
//   - query: The user's query for this turn.
//   - pub: Destination for stream events. Use events.NopPublisher for
//     non-streamed turns.
//
// # Outputs
//
//   - *datatypes.ConversationState: Final state snapshot on success.
//   - error: TurnFailure or RoutingInconsistency on abort.
func (r *Router) RunTurn(ctx context.Context, threadID, query string, pub events.Publisher) (*datatypes.ConversationState, error) {
	lock := r.turnLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	turnStart := time.Now()
	ctx, span := r.tracer.Start(ctx, "router.turn",
		oteltrace.WithAttributes(attribute.String("thread.id", threadID)))
	defer span.End()

	state, err := r.loadOrCreate(ctx, threadID)
	if err != nil {
		return nil, &datatypes.TurnFailure{ThreadID: threadID, Stage: StageStart.String(), Err: err}
	}

	state.BeginTurn(query)
	if err := r.saveCheckpoint(ctx, state, StageStart); err != nil {
		return nil, &datatypes.TurnFailure{ThreadID: threadID, Stage: StageStart.String(), Err: err}
	}

	r.emitter.Emit(events.LifecycleEvent{Type: events.TypeTurnStarted, ThreadID: threadID})
	r.logger.Info("turn started", "thread_id", threadID, "messages", len(state.Messages))

	current := StageStart
	for {
		next, err := r.nextStage(state)
		if err != nil {
			return nil, r.failTurn(ctx, span, state, current, pub, err)
		}
		if next == StageEnd {
			break
		}
		if err := r.sm.Validate(current, next); err != nil {
			inc := &datatypes.RoutingInconsistency{Stage: current.String(), Reason: err.Error()}
			return nil, r.failTurn(ctx, span, state, current, pub, inc)
		}

		// Cancellation is observed here, between stages. The stage below
		// runs on a detached context so an in-flight stage can finish and
		// checkpoint even when the client goes away mid-stage.
		if err := ctx.Err(); err != nil {
			cancelErr := fmt.Errorf("%w: %w", datatypes.ErrTurnCancelled, err)
			return nil, r.failTurn(ctx, span, state, current, pub, cancelErr)
		}

		update, err := r.invokeStage(ctx, next, state, pub)
		if err != nil {
			return nil, r.failTurn(ctx, span, state, next, pub, err)
		}

		if err := r.applyUpdate(state, next, update); err != nil {
			return nil, r.failTurn(ctx, span, state, next, pub, err)
		}

		state.IterationCount++
		if state.IterationCount > r.cfg.IterationLimit {
			inc := &datatypes.RoutingInconsistency{
				Stage:  next.String(),
				Reason: fmt.Sprintf("iteration count %d exceeds limit %d", state.IterationCount, r.cfg.IterationLimit),
			}
			return nil, r.failTurn(ctx, span, state, next, pub, inc)
		}

		if err := r.saveCheckpoint(ctx, state, next); err != nil {
			return nil, r.failTurn(ctx, span, state, next, pub, err)
		}

		if update.Reply != nil {
			if err := r.publishDetached(ctx, pub, events.Event{
				Kind:      events.KindMessageComplete,
				MessageID: update.Reply.ID,
				Message:   update.Reply,
			}); err != nil && !errors.Is(err, events.ErrStreamClosed) {
				r.logger.Warn("publish messageComplete failed", "thread_id", threadID, "error", err)
			}
		}

		current = next
	}

	if err := r.publishDetached(ctx, pub, events.Event{
		Kind:        events.KindDone,
		FinalAnswer: state.FinalAnswer,
	}); err != nil && !errors.Is(err, events.ErrStreamClosed) {
		r.logger.Warn("publish done failed", "thread_id", threadID, "error", err)
	}

	r.emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeTurnCompleted,
		ThreadID: threadID,
		Duration: time.Since(turnStart),
	})
	r.logger.Info("turn completed",
		"thread_id", threadID,
		"iterations", state.IterationCount,
		"duration", time.Since(turnStart),
	)
	span.SetStatus(codes.Ok, "")
	return state.Clone(), nil
}

// turnLock returns the per-thread turn lock, creating it on first use.
func (r *Router) turnLock(threadID string) *sync.Mutex {
	r.turnLocksMu.Lock()
	defer r.turnLocksMu.Unlock()

	lock, ok := r.turnLocks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		r.turnLocks[threadID] = lock
	}
	return lock
}

func (r *Router) loadOrCreate(ctx context.Context, threadID string) (*datatypes.ConversationState, error) {
	state, err := r.store.Load(ctx, threadID)
	if errors.Is(err, datatypes.ErrThreadNotFound) {
		return datatypes.NewConversationState(threadID), nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

// nextStage evaluates the routing rules in priority order.
func (r *Router) nextStage(state *datatypes.ConversationState) (Stage, error) {
	flags := state.Flags
	switch {
	case state.FinalAnswer != "":
		return StageEnd, nil
	case flags.IsRelevant == nil:
		return StageRelevanceFilter, nil
	case !*flags.IsRelevant:
		return StageModerator, nil
	case flags.GuardrailsResult == datatypes.GuardrailUnset:
		return StageGuardrailCheck, nil
	case flags.GuardrailsResult == datatypes.GuardrailPass:
		return StageResponder, nil
	case flags.GuardrailsResult == datatypes.GuardrailFail:
		return StageSafetyResponder, nil
	default:
		return StageEnd, &datatypes.RoutingInconsistency{
			Stage:  StageStart.String(),
			Reason: fmt.Sprintf("unrecognized guardrail verdict %q", flags.GuardrailsResult),
		}
	}
}

// invokeStage runs one stage with timeout and bounded retries.
//
// The stage context is detached from turn cancellation so a stage that is
// already running when the client disconnects can finish and be
// checkpointed. It still carries the per-stage deadline.
func (r *Router) invokeStage(ctx context.Context, stage Stage, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	agent := r.agents[stage]

	if err := r.publishDetached(ctx, pub, events.Event{Kind: events.KindStatus, Stage: stage.String()}); err != nil && !errors.Is(err, events.ErrStreamClosed) {
		r.logger.Warn("publish status failed", "thread_id", state.ThreadID, "error", err)
	}

	backoff := r.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.emitter.Emit(events.LifecycleEvent{
				Type:      events.TypeStageRetried,
				ThreadID:  state.ThreadID,
				Stage:     stage.String(),
				Iteration: attempt,
			})
			time.Sleep(backoff)
			backoff *= 2
		}

		update, err := r.invokeOnce(ctx, agent, stage, state, pub)
		if err == nil {
			return update, nil
		}
		lastErr = err
		if !datatypes.IsRetryable(err) {
			break
		}
		r.logger.Warn("stage failed, retrying",
			"thread_id", state.ThreadID,
			"stage", stage,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return nil, lastErr
}

func (r *Router) invokeOnce(ctx context.Context, agent StageAgent, stage Stage, state *datatypes.ConversationState, pub events.Publisher) (*datatypes.PartialUpdate, error) {
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.StageTimeout)
	defer cancel()

	stageCtx, span := r.tracer.Start(stageCtx, "router.stage",
		oteltrace.WithAttributes(
			attribute.String("thread.id", state.ThreadID),
			attribute.String("stage", stage.String()),
		))
	defer span.End()

	start := time.Now()
	r.emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageStarted,
		ThreadID: state.ThreadID,
		Stage:    stage.String(),
	})

	update, err := agent.Invoke(stageCtx, state.Clone(), pub)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		r.emitter.Emit(events.LifecycleEvent{
			Type:     events.TypeStageFailed,
			ThreadID: state.ThreadID,
			Stage:    stage.String(),
			Error:    err.Error(),
			Duration: time.Since(start),
		})
		if errors.Is(err, context.DeadlineExceeded) && !datatypes.IsRetryable(err) {
			// A plain deadline expiry is transient even when the agent
			// did not classify it.
			return nil, datatypes.NewStageFailure(stage.String(), err)
		}
		return nil, err
	}
	if update == nil || update.IsEmpty() {
		return nil, &datatypes.RoutingInconsistency{
			Stage:  stage.String(),
			Reason: datatypes.ErrEmptyUpdate.Error(),
		}
	}

	r.emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageCompleted,
		ThreadID: state.ThreadID,
		Stage:    stage.String(),
		Duration: time.Since(start),
	})
	return update, nil
}

// applyUpdate validates the update against the stage's declared write set
// and merges it into state.
func (r *Router) applyUpdate(state *datatypes.ConversationState, stage Stage, update *datatypes.PartialUpdate) error {
	if err := checkWriteSet(stage, update); err != nil {
		return err
	}

	switch stage {
	case StageRelevanceFilter:
		state.Flags.IsRelevant = update.IsRelevant
	case StageGuardrailCheck:
		state.Flags.GuardrailsResult = update.GuardrailsResult
	case StageResponder, StageModerator, StageSafetyResponder:
		for _, msg := range update.Exchange {
			state.AppendMessage(msg)
		}
		state.AppendMessage(*update.Reply)
		state.FinalAnswer = update.Reply.Content
	}
	state.Touch()
	return nil
}

// checkWriteSet enforces the disjoint write sets of §stage contracts: a
// stage writing outside its declared set is a routing inconsistency.
func checkWriteSet(stage Stage, update *datatypes.PartialUpdate) error {
	violation := func(field string) error {
		return &datatypes.RoutingInconsistency{
			Stage:  stage.String(),
			Reason: fmt.Sprintf("stage wrote %s outside its write set", field),
		}
	}

	switch stage {
	case StageRelevanceFilter:
		if update.IsRelevant == nil {
			return violation("nothing (IsRelevant missing)")
		}
		if update.GuardrailsResult != datatypes.GuardrailUnset {
			return violation("GuardrailsResult")
		}
		if update.Reply != nil || len(update.Exchange) > 0 {
			return violation("messages")
		}
	case StageGuardrailCheck:
		if update.GuardrailsResult == datatypes.GuardrailUnset {
			return violation("nothing (GuardrailsResult missing)")
		}
		if update.IsRelevant != nil {
			return violation("IsRelevant")
		}
		if update.Reply != nil || len(update.Exchange) > 0 {
			return violation("messages")
		}
	case StageResponder, StageModerator, StageSafetyResponder:
		if update.Reply == nil {
			return violation("nothing (Reply missing)")
		}
		if update.IsRelevant != nil {
			return violation("IsRelevant")
		}
		if update.GuardrailsResult != datatypes.GuardrailUnset {
			return violation("GuardrailsResult")
		}
		if len(update.Exchange) > 0 && stage != StageResponder {
			return violation("Exchange")
		}
	default:
		return &datatypes.RoutingInconsistency{
			Stage:  stage.String(),
			Reason: "no agent write set for stage",
		}
	}
	return nil
}

// saveCheckpoint persists state and emits the lifecycle event. Checkpoint
// writes survive turn cancellation.
func (r *Router) saveCheckpoint(ctx context.Context, state *datatypes.ConversationState, stage Stage) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := r.store.Save(saveCtx, state.ThreadID, state); err != nil {
		return fmt.Errorf("checkpoint after %s: %w", stage, err)
	}
	r.emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeCheckpointSaved,
		ThreadID: state.ThreadID,
		Stage:    stage.String(),
	})
	return nil
}

// publishDetached publishes a router-origin event without inheriting turn
// cancellation, so terminal events still reach a consumer that is draining
// the stream after cancelling the turn.
func (r *Router) publishDetached(ctx context.Context, pub events.Publisher, ev events.Event) error {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return pub.Publish(pubCtx, ev)
}

// failTurn finalizes an aborted turn: emits lifecycle + stream error
// events and wraps the cause. The last checkpoint stays authoritative.
func (r *Router) failTurn(ctx context.Context, span oteltrace.Span, state *datatypes.ConversationState, stage Stage, pub events.Publisher, cause error) error {
	span.SetStatus(codes.Error, cause.Error())
	r.emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeTurnFailed,
		ThreadID: state.ThreadID,
		Stage:    stage.String(),
		Error:    cause.Error(),
	})
	r.logger.Error("turn failed", "thread_id", state.ThreadID, "stage", stage, "error", cause)

	if !errors.Is(cause, datatypes.ErrTurnCancelled) {
		if err := r.publishDetached(ctx, pub, events.Event{
			Kind:  events.KindError,
			Error: clientErrMsg,
			Code:  errorCode(cause),
		}); err != nil && !errors.Is(err, events.ErrStreamClosed) {
			r.logger.Warn("publish error event failed", "thread_id", state.ThreadID, "error", err)
		}
	}

	return &datatypes.TurnFailure{ThreadID: state.ThreadID, Stage: stage.String(), Err: cause}
}

// errorCode classifies a turn failure for the error event.
func errorCode(err error) string {
	var inc *datatypes.RoutingInconsistency
	if errors.As(err, &inc) {
		return events.CodeRoutingInconsistency
	}
	var sf *datatypes.StageFailure
	if errors.As(err, &sf) {
		return events.CodeStageFailed
	}
	return events.CodeInternal
}
