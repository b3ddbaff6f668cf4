// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"time"
)

// AuditEvent represents a security-relevant event on the hook surface.
//
// # Event Categories
//
// Events are categorized by type for filtering and alerting:
//   - Authentication: "auth.accepted", "auth.failed"
//   - Hooks: "hook.process_request", "hook.process_workflow",
//     "hook.process_response"
//
// Example:
//
//	event := AuditEvent{
//	    EventType: "hook.process_request",
//	    Timestamp: time.Now().UTC(),
//	    UserID:    authInfo.UserID,
//	    Outcome:   "success",
//	    Metadata:  NewMetadata().Set("session_id", sessionID),
//	}
type AuditEvent struct {
	// EventType categorizes the event, formatted "category.action".
	EventType string

	// Timestamp is when the event occurred (always UTC).
	// If zero, implementations should set it to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "anonymous" when authentication did not complete.
	UserID string

	// Outcome indicates the result: "success", "failure", or "blocked".
	Outcome string

	// Metadata holds additional event-specific data such as the session
	// id, client address, or failure reason.
	Metadata Metadata
}

// AuditLogger records security-relevant events for later analysis.
//
// Implementations must be safe for concurrent use by multiple goroutines
// and should return quickly; the auth middleware calls Log on the request
// path.
//
// The default NopAuditLogger discards all events, which is appropriate
// for local single-user deployments. Hosted versions send events to SIEM
// systems or cloud logging.
type AuditLogger interface {
	// Log records an event. Implementations should set Timestamp if zero
	// and must not block for long.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures all buffered events are persisted. Call before
	// shutdown. Sync implementations may treat this as a no-op.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events without recording them.
//
// Thread-safe: this implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event. Always returns nil.
func (l *NopAuditLogger) Log(_ context.Context, _ AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(_ context.Context) error {
	return nil
}

var _ AuditLogger = (*NopAuditLogger)(nil)
