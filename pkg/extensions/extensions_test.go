// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopAuthProvider_AlwaysValid(t *testing.T) {
	provider := &NopAuthProvider{}

	for _, token := range []string{"", "any-token", "Bearer junk"} {
		info, err := provider.Validate(context.Background(), token)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "local-user", info.UserID)
		assert.True(t, info.HasRole("admin"))
	}
}

func TestAuthInfo_HasRole(t *testing.T) {
	info := &AuthInfo{UserID: "u1", Roles: []string{"resident", "guest"}}

	assert.True(t, info.HasRole("guest"))
	assert.False(t, info.HasRole("admin"))
	assert.False(t, (&AuthInfo{UserID: "u2"}).HasRole("admin"))
}

func TestNopAuditLogger(t *testing.T) {
	logger := &NopAuditLogger{}
	ctx := context.Background()

	require.NoError(t, logger.Log(ctx, AuditEvent{EventType: "auth.accepted"}))
	require.NoError(t, logger.Flush(ctx))
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	require.NotNil(t, opts.AuthProvider)
	require.NotNil(t, opts.AuditLogger)

	custom := &NopAuditLogger{}
	opts = opts.WithAudit(custom)
	assert.Same(t, custom, opts.AuditLogger.(*NopAuditLogger))
}

func TestMetadata_TypedAccess(t *testing.T) {
	now := time.Now()
	meta := NewMetadata().
		Set("session_id", "abc").
		Set("duration_ms", 150).
		Set("cached", true).
		Set("seen_at", now)

	s, ok := meta.GetString("session_id")
	require.True(t, ok)
	assert.Equal(t, "abc", s)

	n, ok := meta.GetInt("duration_ms")
	require.True(t, ok)
	assert.Equal(t, 150, n)

	b, ok := meta.GetBool("cached")
	require.True(t, ok)
	assert.True(t, b)

	ts, ok := meta.GetTime("seen_at")
	require.True(t, ok)
	assert.Equal(t, now, ts)

	_, ok = meta.GetString("missing")
	assert.False(t, ok)
	_, ok = meta.GetInt("session_id")
	assert.False(t, ok, "type mismatch must not coerce")
}

func TestMetadata_CloneAndMerge(t *testing.T) {
	base := NewMetadata().Set("a", 1)
	clone := base.Clone().Set("b", 2)

	_, ok := base.GetInt("b")
	assert.False(t, ok, "clone must not write through to the original")

	base.Merge(Metadata{"a": 3, "c": 4})
	n, _ := base.GetInt("a")
	assert.Equal(t, 3, n)
	n, _ = clone.GetInt("a")
	assert.Equal(t, 1, n)
}
