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
	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// ChatRequest starts one conversation turn.
//
// ThreadId is optional: when empty the server creates a new thread and
// the client learns its id from the first stream event.
type ChatRequest struct {
	ThreadId string `json:"threadId"`
	Query    string `json:"query" binding:"required"`
}

// ThreadStateResponse is the full replayable state of one thread. A client
// that lost its stream fetches this, seeds its local view from Messages,
// and reconnects.
type ThreadStateResponse struct {
	ThreadId    string              `json:"threadId"`
	Messages    []datatypes.Message `json:"messages"`
	FinalAnswer string              `json:"finalAnswer,omitempty"`
	CreatedAt   int64               `json:"createdAt"`
	UpdatedAt   int64               `json:"updatedAt"`
}

// ThreadListResponse lists known threads, most recently active first.
type ThreadListResponse struct {
	Threads []datatypes.ThreadInfo `json:"threads"`
}

// ErrorResponse is the JSON error body for non-streaming endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
