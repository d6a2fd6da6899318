// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package profile is the boundary to the portfolio content store. The store
// itself lives outside this service; the responder only sees this
// interface.
package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("profile entry not found")

// Entry is one piece of portfolio content.
type Entry struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Kind    string `json:"kind"` // project, experience, writing, bio
	Summary string `json:"summary"`
	Body    string `json:"body,omitempty"`
}

// Source answers the responder's content lookups.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Search returns entries matching the query, best first.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)

	// Get returns one entry by slug.
	Get(ctx context.Context, slug string) (*Entry, error)
}

// StaticSource is an in-memory Source. It backs tests and single-tenant
// deployments whose profile content ships with the binary.
type StaticSource struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewStaticSource creates a source over a fixed entry set.
func NewStaticSource(entries []Entry) *StaticSource {
	return &StaticSource{entries: entries}
}

// Search implements Source with case-insensitive substring matching over
// title, summary, and body.
func (s *StaticSource) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	var out []Entry
	for _, e := range s.entries {
		if needle == "" || matches(e, needle) {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Get implements Source.
func (s *StaticSource) Get(ctx context.Context, slug string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.Slug == slug {
			entry := e
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

func matches(e Entry, needle string) bool {
	return strings.Contains(strings.ToLower(e.Title), needle) ||
		strings.Contains(strings.ToLower(e.Summary), needle) ||
		strings.Contains(strings.ToLower(e.Body), needle)
}

var _ Source = (*StaticSource)(nil)
