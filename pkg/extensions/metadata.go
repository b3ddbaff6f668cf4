// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import "time"

// =============================================================================
// Metadata Type
// =============================================================================

// Metadata stores arbitrary key-value pairs for context and logging.
//
// Using a defined type rather than map[string]any provides:
//   - Clearer intent in function signatures
//   - Ability to add methods for type-safe access
//   - Compile-time distinction from arbitrary maps
//
// # Common Keys
//
// While Metadata is flexible, these keys are commonly used:
//   - "session_id": Conversation session identifier
//   - "endpoint": Hook endpoint that handled the request
//   - "client_ip": Client address for security analysis
//   - "error": Failure reason if applicable
//   - "duration_ms": Request duration
//
// # Thread Safety
//
// Metadata is NOT thread-safe. Do not share a single Metadata instance
// across goroutines without external synchronization.
//
// Example:
//
//	meta := extensions.NewMetadata().
//	    Set("session_id", sessionID).
//	    Set("duration_ms", 150)
//
//	if sessionID, ok := meta.GetString("session_id"); ok {
//	    slog.Info("session", "id", sessionID)
//	}
type Metadata map[string]any

// NewMetadata creates an empty Metadata instance ready for use.
func NewMetadata() Metadata {
	return make(Metadata)
}

// Set stores a value and returns the Metadata for chaining.
func (m Metadata) Set(key string, value any) Metadata {
	m[key] = value
	return m
}

// GetString retrieves a string value. The second return is false when the
// key is missing or holds a non-string value.
func (m Metadata) GetString(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// GetInt retrieves an integer value, accepting int and int64 storage.
func (m Metadata) GetInt(key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

// GetBool retrieves a boolean value.
func (m Metadata) GetBool(key string) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

// GetTime retrieves a time.Time value.
func (m Metadata) GetTime(key string) (time.Time, bool) {
	v, ok := m[key].(time.Time)
	return v, ok
}

// Clone returns a shallow copy. Mutating the copy does not affect the
// original, but shared reference values are not deep-copied.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies entries from other into m, overwriting existing keys,
// and returns m for chaining.
func (m Metadata) Merge(other Metadata) Metadata {
	for k, v := range other {
		m[k] = v
	}
	return m
}
