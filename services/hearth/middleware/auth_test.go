// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HearthRAG/pkg/extensions"
)

// tokenProvider accepts exactly one token.
type tokenProvider struct {
	token string
}

func (p *tokenProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token != p.token {
		return nil, fmt.Errorf("token mismatch: %w", extensions.ErrUnauthorized)
	}
	return &extensions.AuthInfo{UserID: "hub-1", Roles: []string{"resident"}}, nil
}

// recordingAuditor captures events for assertions.
type recordingAuditor struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (a *recordingAuditor) Log(_ context.Context, event extensions.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAuditor) Flush(_ context.Context) error { return nil }

func serve(provider extensions.AuthProvider, auditor extensions.AuditLogger, header string) (*httptest.ResponseRecorder, *extensions.AuthInfo) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	var seen *extensions.AuthInfo
	router.GET("/probe", AuthMiddleware(provider, auditor), func(c *gin.Context) {
		seen = GetAuthInfo(c)
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	router.ServeHTTP(w, req)
	return w, seen
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	auditor := &recordingAuditor{}
	w, info := serve(&tokenProvider{token: "secret"}, auditor, "Bearer secret")

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, info)
	assert.Equal(t, "hub-1", info.UserID)

	require.Len(t, auditor.events, 1)
	assert.Equal(t, "auth.accepted", auditor.events[0].EventType)
	assert.Equal(t, "hub-1", auditor.events[0].UserID)
	assert.False(t, auditor.events[0].Timestamp.IsZero())
}

func TestAuthMiddleware_RejectsBadToken(t *testing.T) {
	auditor := &recordingAuditor{}
	w, info := serve(&tokenProvider{token: "secret"}, auditor, "Bearer wrong")

	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, info, "handler must not run on rejection")

	require.Len(t, auditor.events, 1)
	assert.Equal(t, "auth.failed", auditor.events[0].EventType)
	assert.Equal(t, "blocked", auditor.events[0].Outcome)
}

func TestAuthMiddleware_MissingHeaderIsEmptyToken(t *testing.T) {
	// NopAuthProvider accepts the empty token, keeping local
	// deployments working without configuration.
	w, info := serve(&extensions.NopAuthProvider{}, nil, "")

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, info)
	assert.Equal(t, "local-user", info.UserID)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"standard", "Bearer abc123", "abc123"},
		{"lowercase scheme", "bearer abc123", "abc123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"no token", "Bearer", ""},
		{"padded token", "Bearer   abc123", "abc123"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				c.Request.Header.Set("Authorization", tc.header)
			}
			assert.Equal(t, tc.want, extractBearerToken(c))
		})
	}
}
