// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for hosted-deployment functionality.
//
// This package provides extension points that allow hosted deployments to
// add capabilities without modifying the core bridge codebase. The open
// source version uses no-op defaults for all interfaces.
//
// # Design Philosophy
//
// The Hearth bridge is designed as a fully functional local service that
// runs on a home network without any external infrastructure. Hosted
// features are implemented by providing concrete implementations of these
// interfaces and injecting them via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Hook endpoint authentication (AuthProvider)
//   - audit.go: Request audit logging (AuditLogger)
//
// # Usage (Open Source)
//
// The open source version uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	routes.SetupRoutes(router, bridge, opts)
//
// # Usage (Hosted)
//
// Hosted deployments provide concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider: hosted.NewTokenProvider(config),
//	    AuditLogger:  hosted.NewSIEMAuditor(config),
//	}
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with no-op defaults
// when DefaultOptions() is called or when services check for nil.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on the hook endpoints.
	// Default: NopAuthProvider (always returns a valid local user)
	AuthProvider AuthProvider

	// AuditLogger records authenticated hook requests.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source version: all requests
// are allowed and no audit trail is kept.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
