// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// StaticTokenProvider authenticates against one pre-shared API token.
//
// This is the auth mode for a publicly reachable deployment that still
// has a single owner: the token lives in the server config and in the
// owner's client. Comparison is constant-time.
type StaticTokenProvider struct {
	token string
	user  AuthInfo
}

// NewStaticTokenProvider creates a provider for the given token. The
// returned identity is the portfolio owner.
func NewStaticTokenProvider(token string) (*StaticTokenProvider, error) {
	if token == "" {
		return nil, fmt.Errorf("static token must not be empty")
	}
	return &StaticTokenProvider{
		token: token,
		user: AuthInfo{
			UserID: "owner",
			Roles:  []string{"owner", "admin"},
		},
	}, nil
}

// Validate accepts exactly the configured token.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.token)) != 1 {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}

	info := p.user
	return &info, nil
}

var _ AuthProvider = (*StaticTokenProvider)(nil)
