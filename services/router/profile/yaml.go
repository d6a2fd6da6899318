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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// profileFile is the on-disk shape of a profile entries file:
//
//	entries:
//	  - slug: my-project
//	    title: My Project
//	    kind: project
//	    summary: One-line summary shown in search results.
//	    body: |
//	      Longer markdown body.
type profileFile struct {
	Entries []yamlEntry `yaml:"entries"`
}

type yamlEntry struct {
	Slug    string `yaml:"slug"`
	Title   string `yaml:"title"`
	Kind    string `yaml:"kind"`
	Summary string `yaml:"summary"`
	Body    string `yaml:"body"`
}

// LoadYAML parses profile entries from YAML bytes and returns a
// StaticSource over them. Entries without a slug or title are rejected;
// duplicate slugs are rejected because Get resolves by slug.
func LoadYAML(data []byte) (*StaticSource, error) {
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if len(file.Entries) == 0 {
		return nil, fmt.Errorf("profile has no entries")
	}

	seen := make(map[string]bool, len(file.Entries))
	entries := make([]Entry, 0, len(file.Entries))
	for i, e := range file.Entries {
		if e.Slug == "" || e.Title == "" {
			return nil, fmt.Errorf("profile entry %d: slug and title are required", i)
		}
		if seen[e.Slug] {
			return nil, fmt.Errorf("profile entry %d: duplicate slug %q", i, e.Slug)
		}
		seen[e.Slug] = true
		entries = append(entries, Entry{
			Slug:    e.Slug,
			Title:   e.Title,
			Kind:    e.Kind,
			Summary: e.Summary,
			Body:    e.Body,
		})
	}
	return NewStaticSource(entries), nil
}

// LoadFile reads and parses a profile entries file.
func LoadFile(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	return LoadYAML(data)
}
