// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HearthRAG/pkg/extensions"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/handlers"
)

type nopPipeline struct{}

func (nopPipeline) Process(ctx context.Context, state *datatypes.RAGState) error {
	state.FormattedContext = "ok"
	return nil
}

// denyAllProvider rejects every token.
type denyAllProvider struct{}

func (denyAllProvider) Validate(_ context.Context, _ string) (*extensions.AuthInfo, error) {
	return nil, fmt.Errorf("bad token: %w", extensions.ErrUnauthorized)
}

func setup(auth extensions.AuthProvider) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	opts := extensions.DefaultOptions().WithAuth(auth)
	SetupRoutes(router, &handlers.Bridge{Pipeline: nopPipeline{}}, opts)
	return router
}

func TestSetupRoutes_Endpoints(t *testing.T) {
	router := setup(&extensions.NopAuthProvider{})

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/process-request", `{"user_message":"hi"}`, http.StatusOK},
		{http.MethodPost, "/process-request-workflow", `{"user_message":"hi"}`, http.StatusOK},
		{http.MethodPost, "/process-response", `{}`, http.StatusAccepted},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		assert.Equal(t, tc.want, w.Code, "%s %s", tc.method, tc.path)
	}
}

func TestSetupRoutes_AuthRejection(t *testing.T) {
	router := setup(denyAllProvider{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/process-request",
		bytes.NewBufferString(`{"user_message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	// Health and metrics stay open for probes and scrapers.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
