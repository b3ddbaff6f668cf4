// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rerank orders the candidate set by a weighted blend of semantic,
// lexical, contextual, memory, and recency signals.
package rerank

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/crossencoder"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/memory"
)

var tracer = otel.Tracer("aleutian.hearth.rerank")

// Factor names used in the diagnostics breakdown.
const (
	FactorSemantic    = "semantic"
	FactorLexical     = "lexical"
	FactorAreaMatch   = "area_match"
	FactorDomainMatch = "domain_match"
	FactorIntentFit   = "intent_fit"
	FactorMemoryBoost = "memory_boost"
	FactorRecency     = "recency"
)

// Weights holds the seven factor weights. They are normalized to sum to 1
// at construction, so any positive scaling yields identical orderings.
type Weights struct {
	Semantic    float64
	Lexical     float64
	AreaMatch   float64
	DomainMatch float64
	IntentFit   float64
	MemoryBoost float64
	Recency     float64
}

// DefaultWeights returns the calibrated weights, each overridable from the
// environment (HEARTH_RERANK_WEIGHT_*).
func DefaultWeights() Weights {
	return Weights{
		Semantic:    getEnvFloat("HEARTH_RERANK_WEIGHT_SEMANTIC", 0.40),
		Lexical:     getEnvFloat("HEARTH_RERANK_WEIGHT_LEXICAL", 0.20),
		AreaMatch:   getEnvFloat("HEARTH_RERANK_WEIGHT_AREA", 0.10),
		DomainMatch: getEnvFloat("HEARTH_RERANK_WEIGHT_DOMAIN", 0.10),
		IntentFit:   getEnvFloat("HEARTH_RERANK_WEIGHT_INTENT", 0.05),
		MemoryBoost: getEnvFloat("HEARTH_RERANK_WEIGHT_MEMORY", 0.10),
		Recency:     getEnvFloat("HEARTH_RERANK_WEIGHT_RECENCY", 0.05),
	}
}

func (w Weights) sum() float64 {
	return w.Semantic + w.Lexical + w.AreaMatch + w.DomainMatch + w.IntentFit + w.MemoryBoost + w.Recency
}

// normalized scales the weights to sum to 1. A degenerate all-zero input
// falls back to the defaults.
func (w Weights) normalized() Weights {
	total := w.sum()
	if total <= 0 {
		slog.Warn("Reranker weights sum to zero, using defaults")
		return DefaultWeights()
	}
	return Weights{
		Semantic:    w.Semantic / total,
		Lexical:     w.Lexical / total,
		AreaMatch:   w.AreaMatch / total,
		DomainMatch: w.DomainMatch / total,
		IntentFit:   w.IntentFit / total,
		MemoryBoost: w.MemoryBoost / total,
		Recency:     w.Recency / total,
	}
}

// Config controls the reranker.
type Config struct {
	Weights Weights

	// MemoryDecay is the per-turn multiplier applied to the memory boost.
	// Default 0.7.
	MemoryDecay float64

	// RecencyHalfLife is the entity age at which the recency factor
	// reaches 0.5. Default 24h.
	RecencyHalfLife time.Duration

	// CrossEncoderTimeout bounds the batched scoring call. Default 1500ms.
	CrossEncoderTimeout time.Duration
}

// DefaultConfig returns the reranker configuration from the environment.
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		MemoryDecay:         getEnvFloat("HEARTH_RERANK_MEMORY_DECAY", 0.7),
		RecencyHalfLife:     time.Duration(getEnvInt("HEARTH_RERANK_RECENCY_HALFLIFE_MIN", 24*60)) * time.Minute,
		CrossEncoderTimeout: time.Duration(getEnvInt("HEARTH_RERANK_CE_TIMEOUT_MS", 1500)) * time.Millisecond,
	}
}

// actionableByIntent lists which domains the intent factor rewards.
var actionableByIntent = map[datatypes.Intent]map[string]bool{
	datatypes.IntentControl: {
		"light": true, "switch": true, "climate": true, "cover": true,
		"lock": true, "media_player": true, "vacuum": true, "fan": true,
	},
	datatypes.IntentRead: {
		"sensor": true, "binary_sensor": true, "camera": true, "climate": true,
		"weather": true, "light": true, "lock": true, "cover": true,
	},
}

// Reranker scores and orders candidates.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reranker struct {
	config Config
	scorer crossencoder.Scorer
	memory *memory.Store
	clock  memory.Clock
}

// NewReranker creates a Reranker. scorer may be nil (f2-only semantic
// fallback); clock may be nil (system clock).
func NewReranker(config Config, scorer crossencoder.Scorer, mem *memory.Store, clock memory.Clock) *Reranker {
	defaults := DefaultConfig()
	if config.MemoryDecay <= 0 || config.MemoryDecay >= 1 {
		config.MemoryDecay = defaults.MemoryDecay
	}
	if config.RecencyHalfLife <= 0 {
		config.RecencyHalfLife = defaults.RecencyHalfLife
	}
	if config.CrossEncoderTimeout <= 0 {
		config.CrossEncoderTimeout = defaults.CrossEncoderTimeout
	}
	config.Weights = config.Weights.normalized()
	if clock == nil {
		clock = memory.SystemClock{}
	}
	return &Reranker{config: config, scorer: scorer, memory: mem, clock: clock}
}

// Rerank orders state.Candidates and returns the top optimal_k entries,
// recording the per-entity factor breakdown into diagnostics.
func (r *Reranker) Rerank(ctx context.Context, state *datatypes.RAGState) []datatypes.ScoredEntity {
	ctx, span := tracer.Start(ctx, "rerank.Rerank")
	defer span.End()

	candidates := state.Candidates
	if len(candidates) == 0 {
		return nil
	}

	semantic := r.semanticScores(ctx, state, candidates)

	var memEntry *memory.Entry
	if r.memory != nil {
		memEntry, _ = r.memory.Get(ctx, state.SessionID)
	}

	now := r.clock.Now()
	ranked := make([]datatypes.ScoredEntity, len(candidates))
	copy(ranked, candidates)

	for i := range ranked {
		se := &ranked[i]
		factors := map[string]float64{
			FactorSemantic:    semantic[i],
			FactorLexical:     clamp01(se.BestRetrievalScore()),
			FactorAreaMatch:   boolFactor(state.Context != nil && state.Context.HasArea(se.Entity.AreaID)),
			FactorDomainMatch: boolFactor(state.Context != nil && state.Context.HasDomain(se.Entity.Domain)),
			FactorIntentFit:   r.intentFit(state.Context, se.Entity.Domain),
			FactorMemoryBoost: r.memoryBoost(memEntry, se.Entity.EntityID),
			FactorRecency:     r.recency(se.Entity, now),
		}
		w := r.config.Weights
		se.Factors = factors
		se.RerankScore = w.Semantic*factors[FactorSemantic] +
			w.Lexical*factors[FactorLexical] +
			w.AreaMatch*factors[FactorAreaMatch] +
			w.DomainMatch*factors[FactorDomainMatch] +
			w.IntentFit*factors[FactorIntentFit] +
			w.MemoryBoost*factors[FactorMemoryBoost] +
			w.Recency*factors[FactorRecency]
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].RerankScore != ranked[j].RerankScore {
			return ranked[i].RerankScore > ranked[j].RerankScore
		}
		return ranked[i].Entity.EntityID < ranked[j].Entity.EntityID
	})

	k := state.OptimalK(len(ranked))
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	for _, se := range ranked {
		state.Diagnostics.Factors[se.Entity.EntityID] = se.Factors
	}
	return ranked
}

// semanticScores runs the batched cross-encoder call, min-max normalized
// to [0, 1]. On timeout or failure every candidate falls back to its
// lexical score, which keeps the ordering sane without the model.
func (r *Reranker) semanticScores(ctx context.Context, state *datatypes.RAGState, candidates []datatypes.ScoredEntity) []float64 {
	fallback := func() []float64 {
		out := make([]float64, len(candidates))
		for i := range candidates {
			out[i] = clamp01(candidates[i].BestRetrievalScore())
		}
		return out
	}
	if r.scorer == nil {
		return fallback()
	}

	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Entity.SystemText
		if docs[i] == "" {
			docs[i] = candidates[i].Entity.DisplayLabel()
		}
	}

	ceCtx, cancel := context.WithTimeout(ctx, r.config.CrossEncoderTimeout)
	defer cancel()

	scores, err := r.scorer.Score(ceCtx, state.RewrittenQuery, docs)
	if err != nil {
		slog.Warn("Cross-encoder failed, falling back to lexical ranking", "error", err)
		state.Diagnostics.AddFallback("reranker", "reranker.lexical_only", err.Error())
		return fallback()
	}
	if len(scores) != len(docs) {
		slog.Warn("Cross-encoder returned a mismatched score count",
			"want", len(docs), "got", len(scores))
		state.Diagnostics.AddFallback("reranker", "reranker.lexical_only", "score count mismatch")
		return fallback()
	}
	return normalize01(scores)
}

func (r *Reranker) intentFit(convCtx *datatypes.ConversationContext, domain string) float64 {
	if convCtx == nil || convCtx.Intent == datatypes.IntentUnknown {
		// Unknown intent discriminates nothing.
		return 1
	}
	if actionableByIntent[convCtx.Intent][domain] {
		return 1
	}
	return 0
}

// memoryBoost returns decay^(turns since the entity was last surfaced),
// or 0 when the session has no memory of it.
func (r *Reranker) memoryBoost(entry *memory.Entry, entityID string) float64 {
	if entry == nil {
		return 0
	}
	rec, ok := entry.Entities[entityID]
	if !ok {
		return 0
	}
	boost := 1.0
	for turn := rec.LastSeenTurn; turn < entry.TurnCount; turn++ {
		boost *= r.config.MemoryDecay
	}
	return boost
}

// recency maps entity age to (0, 1] with an exponential half-life. A
// never-updated entity scores 0.
func (r *Reranker) recency(e datatypes.Entity, now time.Time) float64 {
	if e.LastUpdated <= 0 {
		return 0
	}
	age := e.Age(now)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(r.config.RecencyHalfLife))
}

func normalize01(scores []float64) []float64 {
	lo, hi := scores[0], scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	out := make([]float64, len(scores))
	if hi == lo {
		for i := range out {
			out[i] = clamp01(scores[0])
		}
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

func boolFactor(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
