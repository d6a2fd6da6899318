// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists conversation state per thread. The router
// saves after every stage so a crashed or cancelled turn resumes from the
// last completed stage.
package checkpoint

import (
	"context"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// Store is the durable thread-state contract.
//
// # Thread Safety
//
// Implementations must serialize writes per threadID: two concurrent Saves
// for the same thread are queued, never raced. Operations on different
// threads proceed concurrently.
type Store interface {
	// Load returns the state for threadID, or datatypes.ErrThreadNotFound.
	Load(ctx context.Context, threadID string) (*datatypes.ConversationState, error)

	// Save persists the full state snapshot for threadID.
	Save(ctx context.Context, threadID string, state *datatypes.ConversationState) error

	// List returns up to limit thread summaries, most recently updated
	// first. limit <= 0 means no limit.
	List(ctx context.Context, limit int) ([]datatypes.ThreadInfo, error)

	// Delete removes a thread. Deleting an absent thread is not an error.
	Delete(ctx context.Context, threadID string) error

	// Close releases the underlying storage.
	Close() error
}
