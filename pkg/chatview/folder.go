// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chatview

import (
	"strings"
	"time"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
	"github.com/aitwin-labs/aitwin/services/router/events"
)

// Folder incrementally folds a turn's event stream into a message log,
// from which Blocks derives the display state. It tolerates replayed
// events (deduplicated by sequence number) and out-of-order tool results.
//
// Thread Safety: Folder is not safe for concurrent use; drive it from one
// goroutine (the stream consumer).
type Folder struct {
	messages []datatypes.Message
	index    map[string]int // message ID -> messages offset
	lastSeq  int64
	stage    string
	errMsg   string
	done     bool
}

// NewFolder creates an empty folder.
func NewFolder() *Folder {
	return &Folder{index: make(map[string]int)}
}

// Seed replaces the folder's log with a server-side snapshot. Used on
// reconnect: the client fetches the thread state, seeds the folder, and
// resumes folding live events. The sequence guard resets because a new
// stream restarts numbering.
func (f *Folder) Seed(messages []datatypes.Message) {
	f.messages = make([]datatypes.Message, len(messages))
	copy(f.messages, messages)
	f.index = make(map[string]int, len(messages))
	for i, msg := range messages {
		f.index[msg.ID] = i
	}
	f.lastSeq = 0
	f.errMsg = ""
	f.done = false
}

// Apply folds one stream event. Replayed events (Seq at or below the last
// applied) are ignored.
func (f *Folder) Apply(ev events.Event) {
	if ev.Seq > 0 {
		if ev.Seq <= f.lastSeq {
			return
		}
		f.lastSeq = ev.Seq
	}

	switch ev.Kind {
	case events.KindMessageDelta:
		msg := f.ensureMessage(ev.MessageID, datatypes.RoleAssistant)
		msg.Content += ev.Delta

	case events.KindMessageComplete:
		if ev.Message == nil {
			return
		}
		if i, ok := f.index[ev.Message.ID]; ok {
			f.messages[i] = *ev.Message
			return
		}
		f.append(*ev.Message)

	case events.KindToolCallStart:
		if ev.ToolCall == nil {
			return
		}
		msg := f.ensureMessage(ev.MessageID, datatypes.RoleAssistant)
		for _, tc := range msg.ToolCalls {
			if tc.ID == ev.ToolCall.ID {
				return
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, *ev.ToolCall)

	case events.KindToolCallResult:
		if _, ok := f.index[ev.MessageID]; ok {
			return
		}
		f.append(datatypes.Message{
			ID:         ev.MessageID,
			Role:       datatypes.RoleTool,
			Content:    ev.Result,
			ToolCallID: ev.ToolCallID,
			ToolStatus: ev.Status,
			CreatedAt:  ev.CreatedAt.UnixMilli(),
		})

	case events.KindStatus:
		f.stage = ev.Stage

	case events.KindError:
		f.errMsg = ev.Error

	case events.KindDone:
		f.done = true
	}
}

// ensureMessage returns the message with the given ID, creating an empty
// one of the given role when a delta or tool event arrives first.
func (f *Folder) ensureMessage(id string, role datatypes.Role) *datatypes.Message {
	if i, ok := f.index[id]; ok {
		return &f.messages[i]
	}
	f.append(datatypes.Message{
		ID:        id,
		Role:      role,
		CreatedAt: time.Now().UnixMilli(),
	})
	return &f.messages[len(f.messages)-1]
}

func (f *Folder) append(msg datatypes.Message) {
	f.index[msg.ID] = len(f.messages)
	f.messages = append(f.messages, msg)
}

// Messages returns a copy of the folded log.
func (f *Folder) Messages() []datatypes.Message {
	out := make([]datatypes.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

// Blocks reconstructs the display blocks from the folded log.
func (f *Folder) Blocks() ([]DisplayBlock, []Anomaly) {
	return Reconstruct(f.messages)
}

// Stage returns the most recent stage announcement, or "".
func (f *Folder) Stage() string { return f.stage }

// Err returns the turn error message, or "".
func (f *Folder) Err() string { return f.errMsg }

// Done reports whether the turn completed.
func (f *Folder) Done() bool { return f.done }

// FinalAnswer returns the content of the last assistant message without
// tool calls, or "".
func (f *Folder) FinalAnswer() string {
	for i := len(f.messages) - 1; i >= 0; i-- {
		msg := f.messages[i]
		if msg.Role == datatypes.RoleAssistant && len(msg.ToolCalls) == 0 && strings.TrimSpace(msg.Content) != "" {
			return msg.Content
		}
	}
	return ""
}
