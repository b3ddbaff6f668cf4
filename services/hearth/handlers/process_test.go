// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

// fakePipeline fills the state with a canned result.
type fakePipeline struct {
	err       error
	fallbacks []string
	empty     bool
	lastState *datatypes.RAGState
}

func (f *fakePipeline) Process(ctx context.Context, state *datatypes.RAGState) error {
	f.lastState = state
	if f.err != nil {
		return f.err
	}
	for _, reason := range f.fallbacks {
		state.Diagnostics.AddFallback("stage", reason, "")
	}
	state.Diagnostics.Scope = datatypes.ScopeMicro
	state.Diagnostics.OptimalK = 5
	state.FormattedContext = "formatted"
	if !f.empty {
		state.Reranked = []datatypes.ScoredEntity{{
			Entity: datatypes.Entity{
				EntityID:     "sensor.garden_temp",
				Domain:       "sensor",
				FriendlyName: "kerti hőmérő",
				State:        "18",
				Unit:         "°C",
			},
			RerankScore: 0.83,
		}}
	}
	return nil
}

func newRouter(p *fakePipeline) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	bridge := &Bridge{Pipeline: p}
	router.POST("/process-request", HandleProcessRequest(bridge))
	router.POST("/process-request-workflow", HandleWorkflowRequest(bridge))
	router.POST("/process-response", HandleProcessResponse())
	router.GET("/health", HealthCheck)
	return router
}

func post(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleProcessRequest_Success(t *testing.T) {
	p := &fakePipeline{}
	w := post(newRouter(p), "/process-request", `{"user_message":"hány fok van kint?"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.RelevantEntities, 1)
	assert.Equal(t, "sensor.garden_temp", resp.RelevantEntities[0].EntityID)
	assert.Equal(t, "formatted", resp.FormattedContent)
	assert.NotEmpty(t, resp.SessionID, "a session id must be generated")
}

func TestHandleProcessRequest_SessionIDEchoed(t *testing.T) {
	p := &fakePipeline{}
	w := post(newRouter(p), "/process-request",
		`{"user_message":"hány fok van kint?","session_id":"abc-123"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc-123", resp.SessionID)
	assert.Equal(t, "abc-123", p.lastState.SessionID)
}

func TestHandleProcessRequest_InvalidBody(t *testing.T) {
	w := post(newRouter(&fakePipeline{}), "/process-request", `{"user_message":""}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")
}

func TestHandleWorkflowRequest_QualityFull(t *testing.T) {
	p := &fakePipeline{}
	w := post(newRouter(p), "/process-request-workflow",
		`{"messages":[{"role":"user","content":"mi van a nappaliban?"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "full", resp.WorkflowQuality)
	assert.Equal(t, datatypes.ScopeMicro, resp.Scope)
	assert.Equal(t, 5, resp.OptimalK)
}

func TestHandleWorkflowRequest_QualityDegraded(t *testing.T) {
	p := &fakePipeline{fallbacks: []string{"scope.rule_based"}}
	w := post(newRouter(p), "/process-request-workflow",
		`{"user_message":"mi van a nappaliban?"}`)

	require.Equal(t, http.StatusOK, w.Code, "degraded requests still return 200")
	var resp datatypes.WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.WorkflowQuality)
	require.Len(t, resp.Diagnostics.Fallbacks, 1)
	assert.Equal(t, "scope.rule_based", resp.Diagnostics.Fallbacks[0].Reason)
}

func TestHandleWorkflowRequest_QualityEmpty(t *testing.T) {
	p := &fakePipeline{empty: true}
	w := post(newRouter(p), "/process-request-workflow",
		`{"user_message":"nonexistent gadget"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "empty", resp.WorkflowQuality)
	assert.Empty(t, resp.RelevantEntities)
	assert.NotEmpty(t, resp.FormattedContent, "empty results still carry a marker context")
}

func TestHandleWorkflowRequest_NoUserTurn(t *testing.T) {
	w := post(newRouter(&fakePipeline{}), "/process-request-workflow",
		`{"messages":[{"role":"assistant","content":"23°C"}]}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWorkflowRequest_DeadlineExceeded(t *testing.T) {
	p := &fakePipeline{err: context.DeadlineExceeded}
	w := post(newRouter(p), "/process-request-workflow",
		`{"user_message":"hány fok van?"}`)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "deadline_exceeded")
	assert.Contains(t, w.Body.String(), `"retriable":true`)
}

func TestHandleWorkflowRequest_TurnsReachPipeline(t *testing.T) {
	p := &fakePipeline{}
	body := `{"messages":[
		{"role":"user","content":"hány fok van a nappaliban?"},
		{"role":"assistant","content":"23°C"},
		{"role":"user","content":"és kint?"}]}`
	w := post(newRouter(p), "/process-request-workflow", body)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, p.lastState.Turns, 3)
	assert.Equal(t, "és kint?", p.lastState.LatestUserTurn())
	assert.Equal(t, "hány fok van a nappaliban?", p.lastState.PriorUserTurn())
}

func TestHandleProcessResponse_DoesNotTouchPipeline(t *testing.T) {
	p := &fakePipeline{}
	w := post(newRouter(p), "/process-response", `{"tool_calls":[]}`)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Nil(t, p.lastState, "the post-call hook must not enter the pipeline")
}

func TestHealthCheck(t *testing.T) {
	router := newRouter(&fakePipeline{})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ok"))
}
