// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

// Metadata stores arbitrary key-value claims attached to an identity.
//
// A defined type rather than a raw map keeps signatures self-documenting
// and gives a home to type-safe accessors. Not safe for concurrent
// mutation.
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set adds or updates a key and returns the Metadata for chaining:
//
//	meta := NewMetadata().Set("session_id", id).Set("mfa", true)
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// GetString returns the value for key when it is a string.
func (m Metadata) GetString(key string) (string, bool) {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetBool returns the value for key when it is a bool.
func (m Metadata) GetBool(key string) (bool, bool) {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}
