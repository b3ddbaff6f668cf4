// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// =============================================================================
// Conversation input
// =============================================================================

// Role values accepted on conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ConversationTurn is one input message of the conversation being answered.
type ConversationTurn struct {
	// Role is one of RoleUser, RoleAssistant, RoleSystem.
	Role string `json:"role"`

	// Content is the raw message text.
	Content string `json:"content"`

	// Position is the zero-based index of this turn in the conversation.
	Position int `json:"position"`
}

// Intent classifies what the user wants to do with the matched entities.
type Intent string

const (
	IntentRead    Intent = "read"
	IntentControl Intent = "control"
	IntentUnknown Intent = "unknown"
)

// ConversationContext is the analyzer's summary of the conversation.
//
// Written by the ConversationAnalyzer stage; read by every later stage.
type ConversationContext struct {
	// Areas are canonical area ids mentioned anywhere in the conversation,
	// most recent turn first.
	Areas []string `json:"areas,omitempty"`

	// Domains are canonical domains mentioned in the conversation.
	Domains []string `json:"domains,omitempty"`

	// Intent is the detected read/control intent of the latest user turn.
	Intent Intent `json:"intent"`

	// IsFollowUp is true when the latest user turn depends on prior turns
	// (pronoun or ellipsis with at least one earlier turn present).
	IsFollowUp bool `json:"is_follow_up"`

	// Confidence is the minimum of the sub-signal confidences, 0..1.
	Confidence float64 `json:"confidence"`

	// Summary is the async-enricher summary of the previous turn, when one
	// exists in conversation memory. Empty on first turns.
	Summary string `json:"summary,omitempty"`
}

// HasArea reports whether the canonical area id was detected.
func (c *ConversationContext) HasArea(areaID string) bool {
	return containsString(c.Areas, areaID)
}

// HasDomain reports whether the canonical domain was detected.
func (c *ConversationContext) HasDomain(domain string) bool {
	return containsString(c.Domains, domain)
}

// =============================================================================
// Scope
// =============================================================================

// Scope classifies a query by how wide a slice of the home it asks about.
type Scope string

const (
	ScopeMicro    Scope = "micro"
	ScopeMacro    Scope = "macro"
	ScopeOverview Scope = "overview"
)

// ValidScope reports whether s is one of the three known scopes.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeMicro, ScopeMacro, ScopeOverview:
		return true
	}
	return false
}

// ScopeResult is the scope detector's output: the chosen scope, the derived
// result-size target K, and how the decision was made.
type ScopeResult struct {
	Scope      Scope   `json:"scope"`
	Confidence float64 `json:"confidence"`
	OptimalK   int     `json:"optimal_k"`

	// Reasoning is a short human-readable explanation, for diagnostics.
	Reasoning string `json:"reasoning,omitempty"`

	// Classifier names which classifier produced the result: "llm" or
	// "rules".
	Classifier string `json:"classifier,omitempty"`
}

// =============================================================================
// Diagnostics
// =============================================================================

// FallbackRecord documents one routing or degradation decision taken during
// a request.
type FallbackRecord struct {
	// Stage is the pipeline stage the decision was taken at.
	Stage string `json:"stage"`

	// Reason is a short stable code, e.g. "scope.rule_based",
	// "rewriter.skipped", "retriever.relaxed_retry".
	Reason string `json:"reason"`

	// Detail optionally carries a human-readable explanation.
	Detail string `json:"detail,omitempty"`
}

// Diagnostics is the per-request report returned to callers and used by the
// end-to-end tests. It always reflects what actually happened, including
// every fallback taken.
type Diagnostics struct {
	Scope        Scope                         `json:"scope,omitempty"`
	OptimalK     int                           `json:"optimal_k,omitempty"`
	StageTimings map[string]time.Duration      `json:"stage_timings,omitempty"`
	Fallbacks    []FallbackRecord              `json:"fallbacks,omitempty"`
	Factors      map[string]map[string]float64 `json:"factors,omitempty"`

	// ClusterSkipped is true when cluster search contributed nothing
	// (no clusters defined, or the sub-retriever failed).
	ClusterSkipped bool `json:"cluster_skipped,omitempty"`

	// Errors carries stage errors that were degraded rather than surfaced.
	Errors []string `json:"errors,omitempty"`
}

// AddFallback appends a fallback record; nil-safe on maps is not needed
// because Diagnostics is always allocated with the state.
func (d *Diagnostics) AddFallback(stage, reason, detail string) {
	d.Fallbacks = append(d.Fallbacks, FallbackRecord{Stage: stage, Reason: reason, Detail: detail})
}

// HasFallback reports whether the given reason code was recorded.
func (d *Diagnostics) HasFallback(reason string) bool {
	for _, f := range d.Fallbacks {
		if f.Reason == reason {
			return true
		}
	}
	return false
}

// =============================================================================
// RAGState
// =============================================================================

// RAGState is the mutable carrier passed through the retrieval pipeline.
//
// # Description
//
// Each stage reads the fields its contract lists and writes the fields its
// contract lists; no stage mutates a field owned by a later stage. The state
// is owned by the request handler and discarded at end of request, after the
// async enricher snapshot has been queued.
//
// # Stage ownership
//
//	ConversationAnalyzer  writes Context
//	QueryRewriter         writes RewrittenQuery
//	ScopeDetector         writes Scope
//	QueryExpander         writes QueryVariants
//	CandidateRetriever    writes Candidates
//	Reranker              writes Reranked
//	ContextFormatter      writes FormattedContext
//	Diagnostics stage     finalizes Diagnostics, memory write-back
//
// # Thread Safety
//
// RAGState is confined to a single request goroutine. Parallel sub-tasks
// inside a stage must merge into the state only from the stage goroutine.
type RAGState struct {
	// Turns is the input conversation, oldest first. Never empty.
	Turns []ConversationTurn

	// SessionID identifies the conversation across requests.
	SessionID string

	// Context is the analyzer output.
	Context *ConversationContext

	// RewrittenQuery is the self-contained form of the latest user turn.
	RewrittenQuery string

	// Scope is the detector output.
	Scope *ScopeResult

	// QueryVariants are the expansion output; variant #1 is always the
	// rewritten query itself.
	QueryVariants []string

	// Candidates is the unranked retrieval output.
	Candidates []ScoredEntity

	// Reranked is the final ordered entity list, at most Scope.OptimalK long.
	Reranked []ScoredEntity

	// FormattedContext is the system-prompt context string for the LLM.
	FormattedContext string

	// FormatterShape names the output shape that was used.
	FormatterShape string

	// Diagnostics accumulates timings, fallbacks, and factor breakdowns.
	Diagnostics Diagnostics

	// Errors collects stage failures that were degraded rather than fatal.
	Errors []error

	// RetrievalRetried marks that the post-rerank re-expansion loop already
	// ran once; the router never retries retrieval twice.
	RetrievalRetried bool
}

// NewRAGState builds the initial state for a request.
func NewRAGState(sessionID string, turns []ConversationTurn) *RAGState {
	return &RAGState{
		SessionID: sessionID,
		Turns:     turns,
		Diagnostics: Diagnostics{
			StageTimings: make(map[string]time.Duration),
			Factors:      make(map[string]map[string]float64),
		},
	}
}

// LatestUserTurn returns the content of the most recent user turn, or "".
func (s *RAGState) LatestUserTurn() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleUser {
			return s.Turns[i].Content
		}
	}
	return ""
}

// PriorUserTurn returns the user turn immediately before the latest one,
// or "" when the conversation has a single user turn.
func (s *RAGState) PriorUserTurn() string {
	seen := false
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role != RoleUser {
			continue
		}
		if seen {
			return s.Turns[i].Content
		}
		seen = true
	}
	return ""
}

// LastTurns returns up to n most recent turns, oldest first.
func (s *RAGState) LastTurns(n int) []ConversationTurn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// RecordError appends a degraded stage error to both the error list and the
// diagnostics block.
func (s *RAGState) RecordError(err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, err)
	s.Diagnostics.Errors = append(s.Diagnostics.Errors, err.Error())
}

// OptimalK returns the chosen K, or the provided fallback when scope
// detection has not run or failed.
func (s *RAGState) OptimalK(fallback int) int {
	if s.Scope != nil && s.Scope.OptimalK > 0 {
		return s.Scope.OptimalK
	}
	return fallback
}
