// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aitwin-labs/aitwin/services/router/events"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return New(prometheus.NewRegistry())
}

func TestNew_RegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	// Touch one child of every vec so the registry has something to gather.
	m.TurnsTotal.WithLabelValues(TurnCompleted)
	m.TurnDurationSeconds.WithLabelValues(TurnCompleted)
	m.StageDurationSeconds.WithLabelValues("RESPONDER")
	m.StageRetriesTotal.WithLabelValues("RESPONDER")
	m.StageFailuresTotal.WithLabelValues("RESPONDER")
	m.ActiveStreams.WithLabelValues(TransportSSE)
	m.EventsTotal.WithLabelValues("messageDelta")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 10)
}

func TestObserve_StageLifecycle(t *testing.T) {
	m := newTestMetrics(t)
	emitter := events.NewEmitter()
	m.Observe(emitter)

	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageCompleted,
		ThreadID: "t1",
		Stage:    "RELEVANCE_FILTER",
		Duration: 120 * time.Millisecond,
	})
	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageRetried,
		ThreadID: "t1",
		Stage:    "RESPONDER",
	})
	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageRetried,
		ThreadID: "t1",
		Stage:    "RESPONDER",
	})
	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeStageFailed,
		ThreadID: "t1",
		Stage:    "RESPONDER",
		Error:    "model unavailable",
	})

	assert.Equal(t, float64(2), testutil.ToFloat64(m.StageRetriesTotal.WithLabelValues("RESPONDER")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StageFailuresTotal.WithLabelValues("RESPONDER")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDurationSeconds))
}

func TestObserve_TurnOutcomes(t *testing.T) {
	m := newTestMetrics(t)
	emitter := events.NewEmitter()
	m.Observe(emitter)

	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeTurnCompleted,
		ThreadID: "t1",
		Duration: 2 * time.Second,
	})
	emitter.Emit(events.LifecycleEvent{
		Type:     events.TypeTurnFailed,
		ThreadID: "t2",
		Error:    "stage RESPONDER failed",
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnsTotal.WithLabelValues(TurnCompleted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnsTotal.WithLabelValues(TurnFailed)))

	// The failed turn carried no duration, so only the completed child has
	// a duration series.
	assert.Equal(t, 1, testutil.CollectAndCount(m.TurnDurationSeconds))
}

func TestObserve_Checkpoints(t *testing.T) {
	m := newTestMetrics(t)
	emitter := events.NewEmitter()
	m.Observe(emitter)

	for i := 0; i < 3; i++ {
		emitter.Emit(events.LifecycleEvent{Type: events.TypeCheckpointSaved, ThreadID: "t1"})
	}

	assert.Equal(t, float64(3), testutil.ToFloat64(m.CheckpointsTotal))
}

func TestObserve_IgnoresUnrelatedTypes(t *testing.T) {
	m := newTestMetrics(t)
	emitter := events.NewEmitter()
	m.Observe(emitter)

	emitter.Emit(events.LifecycleEvent{Type: events.TypeTurnStarted, ThreadID: "t1"})
	emitter.Emit(events.LifecycleEvent{Type: events.TypeStageStarted, ThreadID: "t1", Stage: "RESPONDER"})

	assert.Equal(t, float64(0), testutil.ToFloat64(m.TurnsTotal.WithLabelValues(TurnCompleted)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.CheckpointsTotal))
}

func TestMetrics_ActiveStreams(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamStarted(TransportSSE)
	m.StreamStarted(TransportSSE)
	m.StreamStarted(TransportWebSocket)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveStreams.WithLabelValues(TransportSSE)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveStreams.WithLabelValues(TransportWebSocket)))

	m.StreamEnded(TransportSSE)
	m.StreamEnded(TransportSSE)
	m.StreamEnded(TransportWebSocket)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveStreams.WithLabelValues(TransportSSE)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveStreams.WithLabelValues(TransportWebSocket)))
}

func TestMetrics_RecordEvent(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEvent(events.KindMessageDelta)
	m.RecordEvent(events.KindMessageDelta)
	m.RecordEvent(events.KindDone)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsTotal.WithLabelValues("messageDelta")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsTotal.WithLabelValues("done")))
}

func TestMetrics_TransportCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordKeepAlive()
	m.RecordKeepAlive()
	m.RecordClientDisconnect()
	m.RecordCancelledTurn()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.KeepAlivesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ClientDisconnectsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnsTotal.WithLabelValues(TurnCancelled)))
}
