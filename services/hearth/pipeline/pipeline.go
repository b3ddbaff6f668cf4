// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline orchestrates the retrieval stages and routes between
// them: analyzer, rewriter, scope detector, expander, retriever, reranker,
// formatter, diagnostics.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/memory"
)

var tracer = otel.Tracer("aleutian.hearth.pipeline")

// =============================================================================
// Stage contracts
// =============================================================================

// The orchestrator depends on the stage behaviors, not the concrete types,
// so routing tests can drive it with fakes.

type Analyzer interface {
	Analyze(ctx context.Context, state *datatypes.RAGState) *datatypes.ConversationContext
}

type Rewriter interface {
	Rewrite(ctx context.Context, state *datatypes.RAGState) string
}

type ScopeDetector interface {
	Detect(ctx context.Context, state *datatypes.RAGState) *datatypes.ScopeResult
}

type Expander interface {
	Expand(ctx context.Context, query string) []string
	ExpandParaphrase(ctx context.Context, query string) []string
}

type Retriever interface {
	Retrieve(ctx context.Context, state *datatypes.RAGState) ([]datatypes.ScoredEntity, error)
	RetrieveRelaxed(ctx context.Context, state *datatypes.RAGState) ([]datatypes.ScoredEntity, error)
}

type Reranker interface {
	Rerank(ctx context.Context, state *datatypes.RAGState) []datatypes.ScoredEntity
}

type Formatter interface {
	Format(ctx context.Context, state *datatypes.RAGState)
}

// MemoryReader is the slice of the conversation memory the pipeline needs.
type MemoryReader interface {
	Get(ctx context.Context, sessionID string) (*memory.Entry, bool)
	RecordSurfaced(ctx context.Context, sessionID string, entityIDs []string)
}

// Enqueuer receives the end-of-request snapshot for async enrichment.
type Enqueuer interface {
	Enqueue(snapshot memory.Snapshot)
}

// =============================================================================
// Configuration
// =============================================================================

// Config carries the per-stage deadlines and routing thresholds.
type Config struct {
	AnalyzerTimeout  time.Duration
	RewriterTimeout  time.Duration
	ScopeTimeout     time.Duration
	ExpanderTimeout  time.Duration
	RetrieverTimeout time.Duration
	RerankerTimeout  time.Duration
	FormatterTimeout time.Duration

	// RequestTimeout bounds the whole pipeline run.
	RequestTimeout time.Duration

	// SkipRewriteBelow is the analyzer confidence under which a first-turn
	// query skips the rewriter.
	SkipRewriteBelow float64

	// AcceptableScore is the retrieval score the top reranked candidate must
	// reach, else the router re-expands and retries retrieval once.
	AcceptableScore float64
}

// DefaultConfig returns the stage budgets the service runs with.
func DefaultConfig() Config {
	return Config{
		AnalyzerTimeout:  100 * time.Millisecond,
		RewriterTimeout:  1500 * time.Millisecond,
		ScopeTimeout:     1500 * time.Millisecond,
		ExpanderTimeout:  500 * time.Millisecond,
		RetrieverTimeout: 3 * time.Second,
		RerankerTimeout:  1500 * time.Millisecond,
		FormatterTimeout: 100 * time.Millisecond,
		RequestTimeout:   30 * time.Second,
		SkipRewriteBelow: 0.3,
		AcceptableScore:  0.72,
	}
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline wires the stages together and applies the routing rules between
// them.
//
// # Description
//
// Stage failures degrade: the request still produces a formatted context
// plus a diagnostics block recording every fallback taken. The only errors
// Process returns are context cancellation and deadline exhaustion of the
// whole request; callers must not send a response body for those.
//
// # Thread Safety
//
// Safe for concurrent use. Per-request state is confined to the RAGState.
type Pipeline struct {
	config    Config
	analyzer  Analyzer
	rewriter  Rewriter
	scope     ScopeDetector
	expander  Expander
	retriever Retriever
	reranker  Reranker
	formatter Formatter
	memory    MemoryReader
	enricher  Enqueuer
}

// New creates a Pipeline. memory and enricher may be nil.
func New(config Config, analyzer Analyzer, rewriter Rewriter, scope ScopeDetector,
	expander Expander, retriever Retriever, reranker Reranker, formatter Formatter,
	mem MemoryReader, enricher Enqueuer) *Pipeline {
	defaults := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.AnalyzerTimeout <= 0 {
		config.AnalyzerTimeout = defaults.AnalyzerTimeout
	}
	if config.RewriterTimeout <= 0 {
		config.RewriterTimeout = defaults.RewriterTimeout
	}
	if config.ScopeTimeout <= 0 {
		config.ScopeTimeout = defaults.ScopeTimeout
	}
	if config.ExpanderTimeout <= 0 {
		config.ExpanderTimeout = defaults.ExpanderTimeout
	}
	if config.RetrieverTimeout <= 0 {
		config.RetrieverTimeout = defaults.RetrieverTimeout
	}
	if config.RerankerTimeout <= 0 {
		config.RerankerTimeout = defaults.RerankerTimeout
	}
	if config.FormatterTimeout <= 0 {
		config.FormatterTimeout = defaults.FormatterTimeout
	}
	if config.SkipRewriteBelow <= 0 {
		config.SkipRewriteBelow = defaults.SkipRewriteBelow
	}
	if config.AcceptableScore <= 0 {
		config.AcceptableScore = defaults.AcceptableScore
	}
	return &Pipeline{
		config:    config,
		analyzer:  analyzer,
		rewriter:  rewriter,
		scope:     scope,
		expander:  expander,
		retriever: retriever,
		reranker:  reranker,
		formatter: formatter,
		memory:    mem,
		enricher:  enricher,
	}
}

// Process runs the full pipeline over the state. On return the state carries
// the reranked entities, the formatted context, and complete diagnostics.
func (p *Pipeline) Process(ctx context.Context, state *datatypes.RAGState) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "pipeline.Process")
	defer span.End()

	start := time.Now()
	defer func() {
		state.Diagnostics.StageTimings["total"] = time.Since(start)
	}()

	// --- ConversationAnalyzer ---
	p.runStage(ctx, state, "analyzer", p.config.AnalyzerTimeout, func(sctx context.Context) error {
		state.Context = p.analyzer.Analyze(sctx, state)
		return nil
	})
	if err := ctx.Err(); err != nil {
		return err
	}
	p.attachMemorySummary(ctx, state)

	// --- QueryRewriter ---
	if p.shouldSkipRewrite(state) {
		state.Diagnostics.AddFallback("rewriter", "rewriter.skipped",
			"low analyzer confidence on a single-turn conversation")
		state.RewrittenQuery = state.LatestUserTurn()
	} else {
		p.runStage(ctx, state, "rewriter", p.config.RewriterTimeout, func(sctx context.Context) error {
			state.RewrittenQuery = p.rewriter.Rewrite(sctx, state)
			return nil
		})
	}
	if state.RewrittenQuery == "" {
		state.RewrittenQuery = state.LatestUserTurn()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// --- ScopeDetector ---
	p.runStage(ctx, state, "scope", p.config.ScopeTimeout, func(sctx context.Context) error {
		state.Scope = p.scope.Detect(sctx, state)
		return nil
	})
	if state.Scope != nil {
		state.Diagnostics.Scope = state.Scope.Scope
		state.Diagnostics.OptimalK = state.Scope.OptimalK
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// --- QueryExpander ---
	if p.shouldSkipExpand(state) {
		state.Diagnostics.AddFallback("expander", "expander.skipped",
			"query unchanged by rewrite and not a follow-up")
		state.QueryVariants = []string{state.RewrittenQuery}
	} else {
		p.runStage(ctx, state, "expander", p.config.ExpanderTimeout, func(sctx context.Context) error {
			state.QueryVariants = p.expander.Expand(sctx, state.RewrittenQuery)
			return nil
		})
	}
	if len(state.QueryVariants) == 0 {
		state.QueryVariants = []string{state.RewrittenQuery}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// --- CandidateRetriever + Reranker, with the single retry loop ---
	p.retrieveAndRerank(ctx, state)
	if err := ctx.Err(); err != nil {
		return err
	}

	// --- ContextFormatter ---
	p.runStage(ctx, state, "formatter", p.config.FormatterTimeout, func(sctx context.Context) error {
		p.formatter.Format(sctx, state)
		return nil
	})

	// --- Diagnostics: memory write-back and async enrichment ---
	p.finalize(ctx, state)
	return ctx.Err()
}

func (p *Pipeline) shouldSkipRewrite(state *datatypes.RAGState) bool {
	if state.Context == nil {
		return false
	}
	return state.Context.Confidence < p.config.SkipRewriteBelow && countUserTurns(state) == 1
}

func (p *Pipeline) shouldSkipExpand(state *datatypes.RAGState) bool {
	if state.RewrittenQuery != state.LatestUserTurn() {
		return false
	}
	return state.Context == nil || !state.Context.IsFollowUp
}

// retrieveAndRerank runs retrieval and reranking, applying both router
// retries: the empty-result relaxed pass and the weak-top-score paraphrase
// pass. Neither runs more than once per request.
func (p *Pipeline) retrieveAndRerank(ctx context.Context, state *datatypes.RAGState) {
	p.runRetrieval(ctx, state, false)

	if len(state.Candidates) == 0 {
		state.Diagnostics.AddFallback("retriever", "retriever.empty_retry",
			"no candidates at acceptable threshold, relaxing to minimum")
		p.runRetrieval(ctx, state, true)
		if len(state.Candidates) == 0 {
			// Straight to the formatter with an empty list.
			state.Reranked = nil
			return
		}
	}

	p.runStage(ctx, state, "reranker", p.config.RerankerTimeout, func(sctx context.Context) error {
		state.Reranked = p.reranker.Rerank(sctx, state)
		return nil
	})

	if !p.needsRerankRetry(state) {
		return
	}
	state.RetrievalRetried = true
	state.Diagnostics.AddFallback("pipeline", "pipeline.rerank_retry",
		"top candidate below acceptable score, re-expanding with paraphrases")

	previous := state.Reranked
	p.runStage(ctx, state, "expander", p.config.ExpanderTimeout, func(sctx context.Context) error {
		state.QueryVariants = p.expander.ExpandParaphrase(sctx, state.RewrittenQuery)
		return nil
	})
	p.runRetrieval(ctx, state, false)
	if len(state.Candidates) == 0 {
		state.Reranked = previous
		return
	}
	p.runStage(ctx, state, "reranker", p.config.RerankerTimeout, func(sctx context.Context) error {
		state.Reranked = p.reranker.Rerank(sctx, state)
		return nil
	})
	if topRetrievalScore(state.Reranked) < topRetrievalScore(previous) {
		state.Reranked = previous
	}
}

func (p *Pipeline) runRetrieval(ctx context.Context, state *datatypes.RAGState, relaxed bool) {
	p.runStage(ctx, state, "retriever", p.config.RetrieverTimeout, func(sctx context.Context) error {
		var (
			candidates []datatypes.ScoredEntity
			err        error
		)
		if relaxed {
			candidates, err = p.retriever.RetrieveRelaxed(sctx, state)
		} else {
			candidates, err = p.retriever.Retrieve(sctx, state)
		}
		if err != nil {
			state.Candidates = nil
			state.Diagnostics.AddFallback("retriever", "retriever.failed", err.Error())
			return err
		}
		state.Candidates = candidates
		return nil
	})
}

func (p *Pipeline) needsRerankRetry(state *datatypes.RAGState) bool {
	if state.RetrievalRetried || len(state.Reranked) == 0 {
		return false
	}
	return topRetrievalScore(state.Reranked) < p.config.AcceptableScore
}

func topRetrievalScore(ranked []datatypes.ScoredEntity) float64 {
	if len(ranked) == 0 {
		return 0
	}
	return ranked[0].BestRetrievalScore()
}

// attachMemorySummary surfaces the enricher's summary of the previous turn
// to the downstream stages.
func (p *Pipeline) attachMemorySummary(ctx context.Context, state *datatypes.RAGState) {
	if p.memory == nil || state.Context == nil {
		return
	}
	if entry, ok := p.memory.Get(ctx, state.SessionID); ok {
		state.Context.Summary = entry.Summary
	}
}

// finalize records the surfaced entity ids into conversation memory and
// queues the enrichment snapshot. Both are best-effort.
func (p *Pipeline) finalize(ctx context.Context, state *datatypes.RAGState) {
	if len(state.Reranked) == 0 {
		return
	}
	ids := make([]string, 0, len(state.Reranked))
	for _, se := range state.Reranked {
		ids = append(ids, se.Entity.EntityID)
	}
	if p.memory != nil {
		p.memory.RecordSurfaced(ctx, state.SessionID, ids)
	}
	if p.enricher != nil {
		// The timings map keeps being written after finalize (the "total"
		// entry lands on return), so the enricher gets its own copy.
		timings := make(map[string]time.Duration, len(state.Diagnostics.StageTimings))
		for k, v := range state.Diagnostics.StageTimings {
			timings[k] = v
		}
		p.enricher.Enqueue(memory.Snapshot{
			SessionID:      state.SessionID,
			RewrittenQuery: state.RewrittenQuery,
			TopEntities:    ids,
			Timings:        timings,
		})
	}
}

// runStage runs fn under the stage deadline with timing and panic
// containment. A panicking stage is degraded like a failing one; the
// request keeps going.
func (p *Pipeline) runStage(ctx context.Context, state *datatypes.RAGState, name string, timeout time.Duration, fn func(context.Context) error) {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Pipeline stage panicked", "stage", name, "panic", r)
				state.Diagnostics.AddFallback(name, name+".panic", fmt.Sprint(r))
				err = fmt.Errorf("stage %s panicked: %v", name, r)
			}
		}()
		return fn(sctx)
	}()
	state.Diagnostics.StageTimings[name] += time.Since(start)

	if err != nil && ctx.Err() == nil {
		state.RecordError(fmt.Errorf("stage %s: %w", name, err))
	}
}

func countUserTurns(state *datatypes.RAGState) int {
	n := 0
	for _, t := range state.Turns {
		if t.Role == datatypes.RoleUser {
			n++
		}
	}
	return n
}
