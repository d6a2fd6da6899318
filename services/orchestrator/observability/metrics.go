// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the orchestrator.
//
// # Description
//
// Metrics cover two planes:
//   - the conversation pipeline (turns, stages, retries, checkpoints),
//     fed from the router's lifecycle emitter via Observe
//   - the streaming transport (active streams, events, keep-alives,
//     client disconnects), recorded directly by the handlers
//
// Expose them on /metrics and scrape with Prometheus.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aitwin-labs/aitwin/services/router/events"
)

const (
	metricsNamespace = "aitwin"

	routerSubsystem    = "router"
	streamingSubsystem = "streaming"
)

// Turn outcome labels.
const (
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnCancelled = "cancelled"
)

// Transport labels for streaming metrics.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Metrics holds all Prometheus metrics of the orchestrator.
//
// Create one instance per process with New and share it between the
// handlers and the router lifecycle subscription.
type Metrics struct {
	// TurnsTotal counts finished turns by outcome.
	// Labels: status (completed, failed, cancelled)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures wall time of whole turns.
	// Labels: status
	TurnDurationSeconds *prometheus.HistogramVec

	// StageDurationSeconds measures wall time of individual stages.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// StageRetriesTotal counts stage retry attempts.
	// Labels: stage
	StageRetriesTotal *prometheus.CounterVec

	// StageFailuresTotal counts stage failures after retries were spent.
	// Labels: stage
	StageFailuresTotal *prometheus.CounterVec

	// CheckpointsTotal counts persisted conversation snapshots.
	CheckpointsTotal prometheus.Counter

	// ActiveStreams tracks currently connected stream consumers.
	// Labels: transport (sse, websocket)
	ActiveStreams *prometheus.GaugeVec

	// EventsTotal counts stream events delivered to clients.
	// Labels: kind (messageDelta, messageComplete, ...)
	EventsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts keep-alive pings sent.
	KeepAlivesTotal prometheus.Counter

	// ClientDisconnectsTotal counts clients that dropped mid-stream.
	ClientDisconnectsTotal prometheus.Counter
}

// New creates and registers all metrics against the given registerer.
// Tests pass a fresh prometheus.NewRegistry; the server passes
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "turns_total",
				Help:      "Total finished conversation turns by outcome",
			},
			[]string{"status"},
		),

		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "turn_duration_seconds",
				Help:      "Wall time of whole turns in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Wall time of pipeline stages in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		StageRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "stage_retries_total",
				Help:      "Total stage retry attempts",
			},
			[]string{"stage"},
		),

		StageFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "stage_failures_total",
				Help:      "Total stage failures after retries were exhausted",
			},
			[]string{"stage"},
		),

		CheckpointsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: routerSubsystem,
				Name:      "checkpoints_total",
				Help:      "Total persisted conversation snapshots",
			},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "active_streams",
				Help:      "Currently connected stream consumers",
			},
			[]string{"transport"},
		),

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "events_total",
				Help:      "Total stream events delivered to clients by kind",
			},
			[]string{"kind"},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keep-alive pings sent",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: streamingSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total clients that dropped mid-stream",
			},
		),
	}
}

// Observe subscribes the pipeline metrics to the router's lifecycle
// emitter. Call once at startup; the subscription lives for the process.
func (m *Metrics) Observe(emitter *events.Emitter) {
	emitter.Subscribe(func(ev *events.LifecycleEvent) {
		switch ev.Type {
		case events.TypeStageCompleted:
			m.StageDurationSeconds.WithLabelValues(ev.Stage).Observe(ev.Duration.Seconds())
		case events.TypeStageRetried:
			m.StageRetriesTotal.WithLabelValues(ev.Stage).Inc()
		case events.TypeStageFailed:
			m.StageFailuresTotal.WithLabelValues(ev.Stage).Inc()
		case events.TypeCheckpointSaved:
			m.CheckpointsTotal.Inc()
		case events.TypeTurnCompleted:
			m.TurnsTotal.WithLabelValues(TurnCompleted).Inc()
			m.TurnDurationSeconds.WithLabelValues(TurnCompleted).Observe(ev.Duration.Seconds())
		case events.TypeTurnFailed:
			m.TurnsTotal.WithLabelValues(TurnFailed).Inc()
			if ev.Duration > 0 {
				m.TurnDurationSeconds.WithLabelValues(TurnFailed).Observe(ev.Duration.Seconds())
			}
		}
	})
}

// StreamStarted increments the active stream gauge for the transport.
func (m *Metrics) StreamStarted(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamEnded decrements the active stream gauge for the transport.
func (m *Metrics) StreamEnded(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// RecordEvent counts one delivered stream event.
func (m *Metrics) RecordEvent(kind events.Kind) {
	m.EventsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordKeepAlive counts one keep-alive ping.
func (m *Metrics) RecordKeepAlive() {
	m.KeepAlivesTotal.Inc()
}

// RecordClientDisconnect counts one client dropped mid-stream.
func (m *Metrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// RecordCancelledTurn counts a turn ended by client cancellation. Cancelled
// turns do not reach the emitter's completion events, so the handler
// records them directly.
func (m *Metrics) RecordCancelledTurn() {
	m.TurnsTotal.WithLabelValues(TurnCancelled).Inc()
}
