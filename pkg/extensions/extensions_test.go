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
	"testing"
)

func TestNopAuthProviderAcceptsAnything(t *testing.T) {
	provider := &NopAuthProvider{}

	for _, token := range []string{"", "anything", "Bearer junk"} {
		info, err := provider.Validate(context.Background(), token)
		if err != nil {
			t.Fatalf("Validate(%q): %v", token, err)
		}
		if info.UserID != "local-user" {
			t.Errorf("UserID = %q, want local-user", info.UserID)
		}
		if !info.HasRole("admin") {
			t.Error("local user should have admin role")
		}
	}
}

func TestStaticTokenProvider(t *testing.T) {
	provider, err := NewStaticTokenProvider("secret-key")
	if err != nil {
		t.Fatalf("NewStaticTokenProvider: %v", err)
	}

	info, err := provider.Validate(context.Background(), "secret-key")
	if err != nil {
		t.Fatalf("Validate with correct token: %v", err)
	}
	if info.UserID != "owner" || !info.HasRole("owner") {
		t.Errorf("unexpected identity: %+v", info)
	}

	for _, token := range []string{"", "wrong", "secret-key "} {
		if _, err := provider.Validate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Validate(%q) = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestStaticTokenProviderRejectsEmptyConfig(t *testing.T) {
	if _, err := NewStaticTokenProvider(""); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.AuthProvider == nil || opts.AuthzProvider == nil {
		t.Fatal("defaults must be non-nil")
	}

	if err := opts.AuthzProvider.Authorize(context.Background(), AuthzRequest{
		User:         &AuthInfo{UserID: "anyone"},
		Action:       "delete",
		ResourceType: "thread",
	}); err != nil {
		t.Errorf("nop authz should allow: %v", err)
	}

	custom, err := NewStaticTokenProvider("t")
	if err != nil {
		t.Fatal(err)
	}
	opts = opts.WithAuth(custom)
	if opts.AuthProvider != custom {
		t.Error("WithAuth did not replace the provider")
	}
}

func TestMetadataAccessors(t *testing.T) {
	meta := NewMetadata().Set("department", "engineering").Set("mfa", true)

	if got, ok := meta.GetString("department"); !ok || got != "engineering" {
		t.Errorf("GetString = %q, %v", got, ok)
	}
	if got, ok := meta.GetBool("mfa"); !ok || !got {
		t.Errorf("GetBool = %v, %v", got, ok)
	}
	if _, ok := meta.GetString("mfa"); ok {
		t.Error("GetString on bool value should fail")
	}
	if _, ok := meta.GetBool("missing"); ok {
		t.Error("GetBool on missing key should fail")
	}
}
