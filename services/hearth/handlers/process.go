// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the Hearth bridge: the
// retrieval entry points used by the LLM-proxy hook plus health.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/observability"
)

// Processor runs the retrieval pipeline over a request state.
type Processor interface {
	Process(ctx context.Context, state *datatypes.RAGState) error
}

// Bridge bundles the handler dependencies.
type Bridge struct {
	Pipeline Processor

	// Metrics may be nil (tests, metrics disabled).
	Metrics *observability.BridgeMetrics
}

// workflowQuality summarizes how cleanly a request went through.
func workflowQuality(state *datatypes.RAGState) string {
	switch {
	case len(state.Reranked) == 0:
		return "empty"
	case len(state.Diagnostics.Fallbacks) > 0 || len(state.Errors) > 0:
		return "degraded"
	default:
		return "full"
	}
}

// writeAPIError renders the error envelope from the taxonomy.
func writeAPIError(c *gin.Context, apiErr *datatypes.APIError) {
	c.JSON(apiErr.HTTPStatus(), gin.H{"error": apiErr})
}

// run executes the pipeline and translates the outcome to HTTP semantics.
// Returns the state and true when a response body should be written.
//
// Cancellation produces no body: the caller is gone, and the proxy hook
// treats a dropped connection as "no context available".
func (b *Bridge) run(c *gin.Context, endpoint, sessionID string, turns []datatypes.ConversationTurn) (*datatypes.RAGState, bool) {
	state := datatypes.NewRAGState(sessionID, turns)

	err := b.Pipeline.Process(c.Request.Context(), state)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Debug("Request cancelled mid-pipeline", "sessionID", sessionID)
			c.Abort()
			return nil, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			if b.Metrics != nil {
				b.Metrics.RecordRequest(endpoint, "error")
			}
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrDeadlineExceeded,
				"request deadline exceeded"))
			return nil, false
		}
		if b.Metrics != nil {
			b.Metrics.RecordRequest(endpoint, "error")
		}
		writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInternal, "pipeline failed: %v", err))
		return nil, false
	}

	if b.Metrics != nil {
		b.Metrics.RecordRequest(endpoint, workflowQuality(state))
		b.Metrics.RecordStages(state.Diagnostics.StageTimings)
		b.Metrics.RecordSizes(len(state.Candidates), len(state.Reranked))
		for _, f := range state.Diagnostics.Fallbacks {
			b.Metrics.RecordFallback(f.Stage, f.Reason)
		}
	}
	return state, true
}

// HandleProcessRequest serves POST /process-request, the legacy single-query
// entry.
func HandleProcessRequest(b *Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ProcessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInvalidRequest,
				"malformed request body: %v", err))
			return
		}
		if err := req.Validate(); err != nil {
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInvalidRequest, "%v", err))
			return
		}
		sessionID := req.EnsureSessionID()

		turns := []datatypes.ConversationTurn{
			{Role: datatypes.RoleUser, Content: req.UserMessage, Position: 0},
		}
		state, ok := b.run(c, "process_request", sessionID, turns)
		if !ok {
			return
		}

		c.JSON(http.StatusOK, datatypes.ProcessResponse{
			RelevantEntities: datatypes.NewRelevantEntities(state.Reranked),
			FormattedContent: state.FormattedContext,
			Diagnostics:      state.Diagnostics,
			SessionID:        sessionID,
		})
	}
}

// HandleWorkflowRequest serves POST /process-request-workflow, the entry
// used by the LLM-proxy pre-call hook.
func HandleWorkflowRequest(b *Bridge) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.WorkflowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInvalidRequest,
				"malformed request body: %v", err))
			return
		}
		if err := req.Validate(); err != nil {
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInvalidRequest, "%v", err))
			return
		}
		sessionID := req.EnsureSessionID()

		state, ok := b.run(c, "process_workflow", sessionID, req.Turns())
		if !ok {
			return
		}

		c.JSON(http.StatusOK, datatypes.WorkflowResponse{
			ProcessResponse: datatypes.ProcessResponse{
				RelevantEntities: datatypes.NewRelevantEntities(state.Reranked),
				FormattedContent: state.FormattedContext,
				Diagnostics:      state.Diagnostics,
				SessionID:        sessionID,
			},
			WorkflowQuality: workflowQuality(state),
			Scope:           state.Diagnostics.Scope,
			OptimalK:        state.Diagnostics.OptimalK,
			StageTimings:    state.Diagnostics.StageTimings,
		})
	}
}

// HandleProcessResponse serves POST /process-response, the proxy's post-call
// hook that forwards LLM tool-calls to the smart-home controller.
//
// Execution is delegated to the controller bridge; this endpoint only
// validates and acknowledges. It deliberately has no access to the retrieval
// pipeline or its per-request state.
func HandleProcessResponse() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			writeAPIError(c, datatypes.NewAPIError(datatypes.ErrInvalidRequest,
				"malformed request body: %v", err))
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

// HealthCheck serves GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "hearth-bridge"})
}
