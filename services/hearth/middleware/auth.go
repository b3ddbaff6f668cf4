// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the Hearth bridge.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it using the configured AuthProvider, and stores the resulting
// AuthInfo in the Gin context for downstream handlers.
//
// # Open Source Behavior
//
// When using NopAuthProvider (default), all requests are authenticated as
// "local-user" with admin privileges, so a local proxy hook works without
// any authentication infrastructure. Enterprise implementations validate
// tokens against identity providers and return real user identity.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthRAG/pkg/extensions"
)

// authInfoKey is the context key for storing AuthInfo. A typed key prevents
// collisions with other context values.
const authInfoKey = "aleutian_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context,
// or nil when the request was not authenticated.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// using the provided AuthProvider, and stores the resulting AuthInfo in the
// context. A missing or malformed header validates as the empty token,
// which NopAuthProvider accepts. Accepted and rejected requests are
// recorded through the AuditLogger; a nil auditor disables auditing.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider, auditor extensions.AuditLogger) gin.HandlerFunc {
	if auditor == nil {
		auditor = &extensions.NopAuditLogger{}
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			audit(c, auditor, extensions.AuditEvent{
				EventType: "auth.failed",
				UserID:    "anonymous",
				Outcome:   "blocked",
				Metadata: extensions.NewMetadata().
					Set("error", err.Error()),
			})
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "unauthorized",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication failed",
			})
			return
		}

		SetAuthInfo(c, authInfo)
		audit(c, auditor, extensions.AuditEvent{
			EventType: "auth.accepted",
			UserID:    authInfo.UserID,
			Outcome:   "success",
		})
		c.Next()
	}
}

// audit records an auth event, filling in the shared request fields.
// Audit failures are logged but never block the request.
func audit(c *gin.Context, auditor extensions.AuditLogger, event extensions.AuditEvent) {
	event.Timestamp = time.Now().UTC()
	if event.Metadata == nil {
		event.Metadata = extensions.NewMetadata()
	}
	event.Metadata.
		Set("endpoint", c.FullPath()).
		Set("client_ip", c.ClientIP())
	if err := auditor.Log(c.Request.Context(), event); err != nil {
		slog.Warn("Audit log write failed", "eventType", event.EventType, "error", err)
	}
}

// extractBearerToken parses "Authorization: Bearer <token>", returning ""
// when the header is missing or malformed. The prefix is case-insensitive
// per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
