// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap it with additional context:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity returned after successful authentication.
//
// UserID is the only required field. Metadata lets providers attach
// provider-specific claims without changing the core type.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	UserID string

	// Email is the user's email address; may be empty.
	Email string

	// Roles contains role memberships for authorization decisions.
	// Common roles: "owner", "visitor", "admin".
	Roles []string

	// Metadata holds additional claims from the identity provider.
	Metadata Metadata
}

// HasRole checks whether the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
//
// The token format is implementation-specific: a shared API key for the
// static provider, a JWT or session id for hosted identity providers.
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks the token and returns the user's identity, or
	// ErrUnauthorized (possibly wrapped) when the token is invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes one authorization check as (subject, action,
// resource).
type AuthzRequest struct {
	// User is the authenticated user making the request.
	User *AuthInfo

	// Action is the operation being attempted: "read", "delete", ...
	Action string

	// ResourceType is the category of resource: "thread", "profile", ...
	ResourceType string

	// ResourceID is the specific instance; empty means the type as a whole.
	ResourceID string
}

// AuthzProvider checks whether a user may perform an action.
// Implementations must be safe for concurrent use.
type AuthzProvider interface {
	// Authorize returns nil when permitted and ErrUnauthorized (possibly
	// wrapped) when denied.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token and returns the local user. This is
// the default for single-user deployments where the process itself is
// the trust boundary.
type NopAuthProvider struct{}

// Validate always succeeds with the local admin user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
