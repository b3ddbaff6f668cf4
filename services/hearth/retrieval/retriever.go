// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval produces the unranked candidate set by running cluster
// search and hybrid vector search in parallel and merging by entity id.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/embedding"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/hearth/store"
)

var tracer = otel.Tracer("aleutian.hearth.retrieval")

// Thresholds are the adaptive similarity cutoffs for hybrid search, in
// certainty space [0, 1]. The first attempt discards below Acceptable; the
// relaxed retry discards below Minimum.
type Thresholds struct {
	Excellent  float64
	Good       float64
	Acceptable float64
	Minimum    float64
}

// thresholdTable maps embedding model families to their cutoffs. Certainty
// distributions differ per model; these come from offline calibration runs.
var thresholdTable = map[string]Thresholds{
	"default":  {Excellent: 0.92, Good: 0.85, Acceptable: 0.72, Minimum: 0.55},
	"local":    {Excellent: 0.92, Good: 0.85, Acceptable: 0.72, Minimum: 0.55},
	"openai": {Excellent: 0.90, Good: 0.82, Acceptable: 0.68, Minimum: 0.50},
	"huggingface": {Excellent: 0.91, Good: 0.84, Acceptable: 0.70, Minimum: 0.52},
}

// ThresholdsForBackend returns the calibrated cutoffs for an embedding
// backend selector, each overridable via HEARTH_SIMILARITY_*.
func ThresholdsForBackend(backend string) Thresholds {
	t, ok := thresholdTable[backend]
	if !ok {
		t = thresholdTable["default"]
	}
	return Thresholds{
		Excellent:  getEnvFloat("HEARTH_SIMILARITY_EXCELLENT", t.Excellent),
		Good:       getEnvFloat("HEARTH_SIMILARITY_GOOD", t.Good),
		Acceptable: getEnvFloat("HEARTH_SIMILARITY_ACCEPTABLE", t.Acceptable),
		Minimum:    getEnvFloat("HEARTH_SIMILARITY_MINIMUM", t.Minimum),
	}
}

// Config controls the candidate retriever.
type Config struct {
	// ClusterTopM is how many clusters each variant selects. Default 5.
	ClusterTopM int

	// ClusterFanOut bounds concurrent per-variant cluster searches.
	// Default 4.
	ClusterFanOut int

	// VectorWeight is the hybrid fusion weight for the vector side; the
	// text side gets 1-VectorWeight. Default 0.7.
	VectorWeight float64

	// ClusterTimeout bounds the cluster sub-search; hybrid search keeps the
	// full stage budget. Default 2s.
	ClusterTimeout time.Duration

	// Thresholds are the similarity cutoffs. Zero value means: use the
	// per-model table for the configured backend.
	Thresholds Thresholds
}

// DefaultConfig returns the retriever configuration from the environment,
// with thresholds calibrated for the backend.
func DefaultConfig(backend string) Config {
	return Config{
		ClusterTopM:    getEnvInt("HEARTH_RETRIEVER_CLUSTER_TOP_M", 5),
		ClusterFanOut:  getEnvInt("HEARTH_RETRIEVER_CLUSTER_FANOUT", 4),
		VectorWeight:   getEnvFloat("HEARTH_RETRIEVER_VECTOR_WEIGHT", 0.7),
		ClusterTimeout: time.Duration(getEnvInt("HEARTH_RETRIEVER_CLUSTER_TIMEOUT_MS", 2000)) * time.Millisecond,
		Thresholds:     ThresholdsForBackend(backend),
	}
}

// Retriever merges cluster and hybrid candidates.
//
// # Thread Safety
//
// Safe for concurrent use; per-request state lives on the stack.
type Retriever struct {
	config   Config
	store    store.EntityStore
	embedder embedding.Client
}

// NewRetriever creates a Retriever.
func NewRetriever(config Config, st store.EntityStore, embedder embedding.Client) *Retriever {
	if config.ClusterTopM <= 0 {
		config.ClusterTopM = 5
	}
	if config.ClusterFanOut <= 0 {
		config.ClusterFanOut = 4
	}
	if config.VectorWeight <= 0 || config.VectorWeight > 1 {
		slog.Warn("Invalid vector weight, using default", "provided", config.VectorWeight)
		config.VectorWeight = 0.7
	}
	if config.ClusterTimeout <= 0 {
		config.ClusterTimeout = 2 * time.Second
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = thresholdTable["default"]
	}
	return &Retriever{config: config, store: st, embedder: embedder}
}

// compatibleClusterTypes returns the cluster types a scope may draw from.
// Narrow scopes must not surface umbrella clusters; wide scopes may use
// everything.
func compatibleClusterTypes(scope datatypes.Scope) []datatypes.ClusterType {
	switch scope {
	case datatypes.ScopeMicro:
		return []datatypes.ClusterType{datatypes.ClusterMicro}
	case datatypes.ScopeMacro:
		return []datatypes.ClusterType{datatypes.ClusterMicro, datatypes.ClusterMacro}
	default:
		return []datatypes.ClusterType{datatypes.ClusterMicro, datatypes.ClusterMacro, datatypes.ClusterOverview}
	}
}

// Retrieve produces the candidate set, sized between 2K and 3K when the
// index has that much to give.
//
// Failure semantics: a cluster-side failure degrades to hybrid-only; a
// hybrid-side failure triggers one relaxed retry, then degrades to
// cluster-only; both sides empty is an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, state *datatypes.RAGState) ([]datatypes.ScoredEntity, error) {
	return r.retrieve(ctx, state, state.OptimalK(15), r.config.Thresholds.Acceptable)
}

// RetrieveRelaxed re-runs retrieval with the Minimum cutoff and a doubled
// result target. The router calls it once when the strict pass came back
// empty.
func (r *Retriever) RetrieveRelaxed(ctx context.Context, state *datatypes.RAGState) ([]datatypes.ScoredEntity, error) {
	return r.retrieve(ctx, state, 2*state.OptimalK(15), r.config.Thresholds.Minimum)
}

func (r *Retriever) retrieve(ctx context.Context, state *datatypes.RAGState, k int, cutoff float64) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	variants := state.QueryVariants
	if len(variants) == 0 {
		variants = []string{state.RewrittenQuery}
	}

	// One batch call embeds every variant; both sub-retrievers share the
	// vectors.
	vectors, err := r.embedder.Embed(ctx, variants, embedding.KindQuery)
	if err != nil {
		return nil, datatypes.NewAPIError(datatypes.ErrBackendUnavailable, "embedding backend failed: %v", err)
	}

	scope := datatypes.ScopeMicro
	if state.Scope != nil {
		scope = state.Scope.Scope
	}

	var (
		clusterCands []datatypes.ScoredEntity
		hybridCands  []datatypes.ScoredEntity
		clusterErr   error
		hybridErr    error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clusterCands, clusterErr = r.clusterSearch(gctx, vectors, scope)
		return nil
	})
	g.Go(func() error {
		hybridCands, hybridErr = r.hybridSearch(gctx, state, variants[0], vectors[0], 3*k, cutoff)
		return nil
	})
	_ = g.Wait()

	if clusterErr != nil {
		slog.Warn("Cluster search failed, proceeding hybrid-only", "error", clusterErr)
		state.Diagnostics.AddFallback("retriever", "retriever.cluster_skipped", clusterErr.Error())
		state.Diagnostics.ClusterSkipped = true
		clusterCands = nil
	}
	if len(clusterCands) == 0 && clusterErr == nil {
		state.Diagnostics.ClusterSkipped = true
	}

	if hybridErr != nil {
		slog.Warn("Hybrid search failed, retrying relaxed", "error", hybridErr)
		state.Diagnostics.AddFallback("retriever", "retriever.relaxed_retry", hybridErr.Error())
		hybridCands, hybridErr = r.hybridSearch(ctx, state, variants[0], vectors[0], 6*k, r.config.Thresholds.Minimum)
		if hybridErr != nil {
			slog.Error("Relaxed hybrid retry failed, cluster candidates only", "error", hybridErr)
			state.Diagnostics.AddFallback("retriever", "retriever.hybrid_skipped", hybridErr.Error())
			hybridCands = nil
		}
	}

	merged := mergeCandidates(clusterCands, hybridCands)

	// Cap at 3K, keeping the best by any retrieval score.
	if len(merged) > 3*k {
		sort.SliceStable(merged, func(i, j int) bool {
			return merged[i].BestRetrievalScore() > merged[j].BestRetrievalScore()
		})
		merged = merged[:3*k]
	}
	return merged, nil
}

// clusterSearch fans out over the query variants with bounded concurrency,
// collects the top-M compatible clusters per variant, and emits their
// members with cluster_score = similarity * membership weight.
func (r *Retriever) clusterSearch(ctx context.Context, vectors [][]float32, scope datatypes.Scope) ([]datatypes.ScoredEntity, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ClusterTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "retrieval.clusterSearch")
	defer span.End()

	types := compatibleClusterTypes(scope)

	var mu sync.Mutex
	bestScore := make(map[string]float64)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.ClusterFanOut)
	for _, vector := range vectors {
		vector := vector
		g.Go(func() error {
			clusters, err := r.store.SearchClusters(gctx, vector, types, r.config.ClusterTopM)
			if err != nil {
				return err
			}
			for _, sc := range clusters {
				members, err := r.store.GetClusterMembers(gctx, sc.Cluster.ClusterID)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, m := range members {
					score := sc.Similarity * m.Weight
					if score > bestScore[m.EntityID] {
						bestScore[m.EntityID] = score
					}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("cluster search failed: %w", err)
	}
	if len(bestScore) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(bestScore))
	for id := range bestScore {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities, err := r.store.GetEntities(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("cluster member fetch failed: %w", err)
	}

	out := make([]datatypes.ScoredEntity, 0, len(entities))
	for _, e := range entities {
		out = append(out, datatypes.ScoredEntity{
			Entity:       e,
			ClusterScore: bestScore[e.EntityID],
			Sources:      []string{"cluster"},
		})
	}
	return out, nil
}

// hybridSearch runs vector and BM25 sides in parallel, normalizes both to
// [0, 1], fuses with the configured weights, and discards results whose
// fused score falls below cutoff.
func (r *Retriever) hybridSearch(ctx context.Context, state *datatypes.RAGState, query string, vector []float32, limit int, cutoff float64) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "retrieval.hybridSearch")
	defer span.End()

	filter := contextFilter(state)

	var (
		vecResults  []datatypes.ScoredEntity
		textResults []datatypes.ScoredEntity
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vecResults, err = r.store.VectorSearch(gctx, vector, limit, filter)
		return err
	})
	g.Go(func() error {
		var err error
		textResults, err = r.store.TextSearch(gctx, query, limit, filter)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid search failed: %w", err)
	}

	// BM25 scores are unbounded; normalize by the batch maximum. Certainty
	// is already [0, 1].
	maxText := 0.0
	for _, se := range textResults {
		if se.TextScore > maxText {
			maxText = se.TextScore
		}
	}

	byID := make(map[string]*datatypes.ScoredEntity, len(vecResults)+len(textResults))
	order := make([]string, 0, len(vecResults)+len(textResults))
	for i := range vecResults {
		se := vecResults[i]
		byID[se.Entity.EntityID] = &se
		order = append(order, se.Entity.EntityID)
	}
	for i := range textResults {
		se := textResults[i]
		if maxText > 0 {
			se.TextScore /= maxText
		}
		if existing, ok := byID[se.Entity.EntityID]; ok {
			existing.TextScore = se.TextScore
		} else {
			byID[se.Entity.EntityID] = &se
			order = append(order, se.Entity.EntityID)
		}
	}

	out := make([]datatypes.ScoredEntity, 0, len(order))
	for _, id := range order {
		se := byID[id]
		se.HybridScore = r.config.VectorWeight*se.VectorScore + (1-r.config.VectorWeight)*se.TextScore
		// The cutoff compares against the stronger of the two normalized
		// signals: a strong exact-name match must survive a mediocre
		// vector certainty, and vice versa.
		if max(se.VectorScore, se.TextScore) < cutoff {
			continue
		}
		se.Sources = []string{"hybrid"}
		out = append(out, *se)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].HybridScore > out[j].HybridScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// contextFilter narrows hybrid search to the detected areas and domains
// when the analyzer was confident. A weak analysis must not hide the rest
// of the house.
func contextFilter(state *datatypes.RAGState) *store.Filter {
	if state.Context == nil || state.Context.Confidence < 0.5 {
		return nil
	}
	if len(state.Context.Areas) == 0 && len(state.Context.Domains) == 0 {
		return nil
	}
	return &store.Filter{AreaIDs: state.Context.Areas, Domains: state.Context.Domains}
}

// mergeCandidates unions the two candidate lists by entity id with
// max-score fusion, cluster candidates first.
func mergeCandidates(cluster, hybrid []datatypes.ScoredEntity) []datatypes.ScoredEntity {
	byID := make(map[string]int, len(cluster)+len(hybrid))
	out := make([]datatypes.ScoredEntity, 0, len(cluster)+len(hybrid))

	for _, se := range cluster {
		byID[se.Entity.EntityID] = len(out)
		out = append(out, se)
	}
	for _, se := range hybrid {
		if idx, ok := byID[se.Entity.EntityID]; ok {
			if err := out[idx].MergeFrom(se); err != nil {
				slog.Warn("Candidate merge failed", "error", err)
			}
			continue
		}
		byID[se.Entity.EntityID] = len(out)
		out = append(out, se)
	}
	return out
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
