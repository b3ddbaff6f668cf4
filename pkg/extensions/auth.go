// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
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

// ErrUnauthorized is returned when authentication fails.
// Hosted implementations should wrap this error with additional context:
//
//	if !validToken {
//	    return nil, fmt.Errorf("invalid token format: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication.
//
// The struct is extensible via the Metadata field, so hosted
// implementations can attach additional claims without modifying the
// core type.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated caller.
	// This is the only required field and must never be empty.
	UserID string

	// Email is the caller's email address. May be empty.
	Email string

	// Roles contains role memberships for authorization decisions.
	// Common roles: "admin", "resident", "guest"
	Roles []string

	// Metadata holds additional claims from the identity provider,
	// such as the home or hub the token is scoped to.
	Metadata Metadata
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns caller identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
//
// The default NopAuthProvider always returns a valid "local-user" with
// admin privileges, so a bridge on a trusted home network works without
// any authentication infrastructure. Hosted versions validate tokens
// against an identity provider or the hub's long-lived access tokens.
type AuthProvider interface {
	// Validate checks if the token is valid and returns the caller's
	// identity. Returns ErrUnauthorized (possibly wrapped) if the token
	// is invalid; other errors indicate provider failures.
	//
	// The token format is implementation-specific: a JWT, an API key, or
	// a hub long-lived access token.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider is the default authentication provider for open source.
//
// It always returns a valid local user with admin privileges, enabling
// the bridge to run on a trusted network without auth infrastructure.
//
// Thread-safe: this implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns a valid local user with admin privileges.
//
// The token parameter is ignored. Any value, including the empty string,
// results in successful authentication. This is intentional for local
// single-home deployments.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Email:  "",
		Roles:  []string{"admin"},
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
