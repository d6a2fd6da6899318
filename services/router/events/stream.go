// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrStreamClosed is returned by Publish after Close.
var ErrStreamClosed = errors.New("event stream closed")

// DefaultStreamBuffer is the bounded buffer size between the router and a
// transport consumer.
const DefaultStreamBuffer = 64

// Stream is the bounded event buffer for one turn.
//
// # Description
//
// A Stream decouples the router (producer) from the transport (consumer).
// The buffer is bounded: a slow consumer applies backpressure by blocking
// the producer rather than causing events to be dropped or reordered.
//
// Publish assigns each event an ID, a monotonically increasing Seq, and a
// timestamp. Events are delivered to the consumer in publish order.
//
// # Thread Safety
//
// Publish is safe for concurrent use. Close must be called exactly once,
// by the producing side, after its final Publish; the consumer then sees
// the channel close and can range to completion.
type Stream struct {
	threadID string
	ch       chan Event
	seq      atomic.Int64
	closed   atomic.Bool
}

// NewStream creates a stream for one turn of the given thread. A size of
// zero selects DefaultStreamBuffer.
func NewStream(threadID string, size int) *Stream {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &Stream{
		threadID: threadID,
		ch:       make(chan Event, size),
	}
}

// Publish places an event on the stream, blocking while the buffer is full.
//
// Outputs:
//
//	error - ctx.Err() on cancellation, ErrStreamClosed after Close.
func (s *Stream) Publish(ctx context.Context, ev Event) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}

	ev.ID = uuid.NewString()
	ev.ThreadID = s.threadID
	ev.Seq = s.seq.Add(1)
	ev.CreatedAt = time.Now()

	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ThreadID returns the thread this stream carries events for.
func (s *Stream) ThreadID() string {
	return s.threadID
}

// Events returns the consumer side of the stream. The channel closes after
// the producer calls Close.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Close ends the stream. Subsequent Publish calls fail with
// ErrStreamClosed; already buffered events remain readable.
func (s *Stream) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

var _ Publisher = (*Stream)(nil)
