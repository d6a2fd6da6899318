// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleProfile = `
entries:
  - slug: stream-kit
    title: Stream Kit
    kind: project
    summary: Event streaming toolkit.
    body: |
      Built a reusable toolkit for server-sent event pipelines.
  - slug: bio
    title: About Me
    kind: bio
    summary: Backend engineer.
`

func TestLoadYAML(t *testing.T) {
	source, err := LoadYAML([]byte(sampleProfile))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}

	entry, err := source.Get(context.Background(), "stream-kit")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Title != "Stream Kit" || entry.Kind != "project" {
		t.Errorf("unexpected entry: %+v", entry)
	}

	results, err := source.Search(context.Background(), "backend", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Slug != "bio" {
		t.Errorf("Search results = %+v", results)
	}
}

func TestLoadYAML_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no entries", "entries: []"},
		{"missing slug", "entries:\n  - title: X"},
		{"missing title", "entries:\n  - slug: x"},
		{"duplicate slug", "entries:\n  - slug: x\n    title: A\n  - slug: x\n    title: B"},
		{"malformed yaml", "entries: ["},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadYAML([]byte(tt.in)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(sampleProfile), 0o600); err != nil {
		t.Fatal(err)
	}

	source, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if _, err := source.Get(context.Background(), "bio"); err != nil {
		t.Errorf("Get after LoadFile: %v", err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
