// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the Hearth bridge service.
//
// This file contains the HTTP request and response contracts for the
// retrieval endpoints, plus the surface-level error taxonomy.
package datatypes

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single turn's content.
	// Checked in bytes, not runes, to bound memory use.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxTurnsPerRequest is the maximum number of conversation turns in a
	// workflow request.
	MaxTurnsPerRequest = 50
)

// requestValidate is the validator instance for bridge datatypes.
var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields tagged
// with `maxbytes`. Byte length, not rune count.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Requests
// =============================================================================

// ProcessRequest is the legacy single-query entry body for
// POST /process-request.
type ProcessRequest struct {
	UserMessage string `json:"user_message" validate:"required,maxbytes"`
	SessionID   string `json:"session_id,omitempty"`
}

// Validate checks the request against its validation tags.
func (r *ProcessRequest) Validate() error {
	return requestValidate.Struct(r)
}

// EnsureSessionID returns the request's session id, generating one when the
// caller did not provide any. The generated id is written back so the
// response echoes it.
func (r *ProcessRequest) EnsureSessionID() string {
	if r.SessionID == "" {
		r.SessionID = uuid.New().String()
	}
	return r.SessionID
}

// WorkflowMessage is one conversation message in a workflow request.
type WorkflowMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// WorkflowRequest is the body of POST /process-request-workflow, the entry
// used by the LLM-proxy pre-call hook. Either Messages or UserMessage must be
// present; Messages wins when both are set.
type WorkflowRequest struct {
	Messages    []WorkflowMessage `json:"messages,omitempty" validate:"max=50,dive"`
	UserMessage string            `json:"user_message,omitempty" validate:"maxbytes"`
	SessionID   string            `json:"session_id,omitempty"`
	Language    string            `json:"language,omitempty"`
}

// Validate checks the request against its validation tags and the
// one-of-messages-or-user-message rule.
func (r *WorkflowRequest) Validate() error {
	if len(r.Messages) == 0 && r.UserMessage == "" {
		return fmt.Errorf("either messages or user_message is required")
	}
	hasUser := r.UserMessage != ""
	for _, m := range r.Messages {
		if m.Role == RoleUser && m.Content != "" {
			hasUser = true
		}
	}
	if !hasUser {
		return fmt.Errorf("conversation contains no user turn")
	}
	return requestValidate.Struct(r)
}

// EnsureSessionID mirrors ProcessRequest.EnsureSessionID.
func (r *WorkflowRequest) EnsureSessionID() string {
	if r.SessionID == "" {
		r.SessionID = uuid.New().String()
	}
	return r.SessionID
}

// Turns converts the request body into pipeline conversation turns. A bare
// UserMessage becomes a single user turn.
func (r *WorkflowRequest) Turns() []ConversationTurn {
	if len(r.Messages) == 0 {
		return []ConversationTurn{{Role: RoleUser, Content: r.UserMessage, Position: 0}}
	}
	turns := make([]ConversationTurn, 0, len(r.Messages))
	for i, m := range r.Messages {
		turns = append(turns, ConversationTurn{Role: m.Role, Content: m.Content, Position: i})
	}
	return turns
}

// =============================================================================
// Responses
// =============================================================================

// RelevantEntity is the wire form of one ranked entity in a response.
type RelevantEntity struct {
	EntityID     string             `json:"entity_id"`
	Domain       string             `json:"domain"`
	AreaName     string             `json:"area_name,omitempty"`
	FriendlyName string             `json:"friendly_name"`
	State        string             `json:"state,omitempty"`
	Unit         string             `json:"unit,omitempty"`
	Score        float64            `json:"score"`
	Scores       map[string]float64 `json:"scores,omitempty"`
}

// ProcessResponse is the body returned by POST /process-request.
type ProcessResponse struct {
	RelevantEntities []RelevantEntity `json:"relevant_entities"`
	FormattedContent string           `json:"formatted_content"`
	Diagnostics      Diagnostics      `json:"diagnostics"`
	SessionID        string           `json:"session_id"`
}

// WorkflowResponse extends ProcessResponse with the workflow-level fields the
// LLM-proxy hook consumes.
type WorkflowResponse struct {
	ProcessResponse

	// WorkflowQuality summarizes how cleanly the request went through:
	// "full", "degraded", or "empty".
	WorkflowQuality string `json:"workflow_quality"`

	Scope        Scope                    `json:"scope"`
	OptimalK     int                      `json:"optimal_k"`
	StageTimings map[string]time.Duration `json:"stage_timings"`
}

// NewRelevantEntities converts reranked pipeline output to wire form.
func NewRelevantEntities(ranked []ScoredEntity) []RelevantEntity {
	out := make([]RelevantEntity, 0, len(ranked))
	for _, se := range ranked {
		out = append(out, RelevantEntity{
			EntityID:     se.Entity.EntityID,
			Domain:       se.Entity.Domain,
			AreaName:     se.Entity.AreaName,
			FriendlyName: se.Entity.FriendlyName,
			State:        se.Entity.State,
			Unit:         se.Entity.Unit,
			Score:        se.RerankScore,
			Scores:       se.Factors,
		})
	}
	return out
}

// =============================================================================
// Error taxonomy
// =============================================================================

// ErrorKind is the surface-level classification of a request failure.
type ErrorKind string

const (
	ErrInvalidRequest     ErrorKind = "invalid_request"
	ErrBackendUnavailable ErrorKind = "backend_unavailable"
	ErrDeadlineExceeded   ErrorKind = "deadline_exceeded"
	ErrDegraded           ErrorKind = "degraded"
	ErrInternal           ErrorKind = "internal"
)

// APIError is the error body returned to HTTP callers.
//
// # Description
//
// Wraps an underlying failure with its surface classification, whether the
// caller may retry, and the HTTP status to respond with. Degraded requests
// never produce an APIError; they return HTTP 200 with
// diagnostics.fallbacks populated.
type APIError struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retriable bool      `json:"retriable"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus maps the error kind to its response status code.
func (e *APIError) HTTPStatus() int {
	switch e.Kind {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	case ErrDeadlineExceeded:
		return http.StatusGatewayTimeout
	case ErrInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError builds an APIError of the given kind. Retriability follows the
// taxonomy: backend and deadline failures are retriable, the rest are not.
func NewAPIError(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retriable: kind == ErrBackendUnavailable || kind == ErrDeadlineExceeded,
	}
}

// IsAPIError extracts an *APIError when err is one.
func IsAPIError(err error) (*APIError, bool) {
	ae, ok := err.(*APIError)
	return ae, ok
}
