// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the Hearth RAG bridge:
// smart-home entities, semantic clusters, the per-request pipeline state, the
// HTTP request/response contracts, and typed Weaviate query parsing.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Entity
// =============================================================================

// Entity is an addressable device or sensor ingested from the smart-home
// controller.
//
// # Description
//
// One Entity row exists per stable id ("domain.name", e.g.
// "sensor.living_room_temperature"). The stored vector is computed from
// SystemText, the normalized English rendering of the entity; DisplayText is
// the localized form shown to users and indexed for text search.
//
// # Invariants
//
//   - EntityID is unique within the Entity collection.
//   - len(Vector) equals the deployment embedding dimension (or 0 when the
//     vector was not requested from the store).
type Entity struct {
	// EntityID is the controller-stable identifier, "domain.name".
	EntityID string `json:"entity_id"`

	// Domain is the entity class prefix: "sensor", "light", "climate", ...
	Domain string `json:"domain"`

	// AreaID and AreaName locate the entity; both may be empty.
	AreaID   string `json:"area_id,omitempty"`
	AreaName string `json:"area_name,omitempty"`

	// DeviceID and DeviceName identify the owning physical device.
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`

	// FriendlyName is the localized display name.
	FriendlyName string `json:"friendly_name"`

	// DeviceClass is the technical class ("temperature", "motion"), optional.
	DeviceClass string `json:"device_class,omitempty"`

	// State and Unit carry the last known value; both may be stale or empty.
	State string `json:"state,omitempty"`
	Unit  string `json:"unit,omitempty"`

	// LastUpdated is the controller timestamp of the last state change,
	// Unix milliseconds. Zero when unknown.
	LastUpdated int64 `json:"last_updated,omitempty"`

	// DisplayText is the localized embedding-source text (text indexed).
	DisplayText string `json:"display_text"`

	// SystemText is the normalized English text the stored vector was
	// computed from.
	SystemText string `json:"system_text"`

	// ContentHash is a stable hash of the embedding inputs, used by the
	// ingestion path for change detection. Read-only here.
	ContentHash string `json:"content_hash,omitempty"`

	// Attributes preserves controller attributes that have no dedicated
	// field. The formatter passes them through verbatim.
	Attributes map[string]string `json:"attributes,omitempty"`

	// Vector is the stored embedding, present only when requested.
	Vector []float32 `json:"-"`
}

// Age returns how long ago the entity state was last updated, relative to now.
// Returns a negative duration when LastUpdated is in the future (clock skew)
// and a very large duration when LastUpdated is unknown.
func (e *Entity) Age(now time.Time) time.Duration {
	if e.LastUpdated == 0 {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(time.UnixMilli(e.LastUpdated))
}

// DisplayLabel returns the name the formatter should print: the English
// system name when present, otherwise the localized friendly name, otherwise
// the raw id.
func (e *Entity) DisplayLabel() string {
	if s := strings.TrimSpace(e.SystemText); s != "" {
		// SystemText is "name | area | class"; the first segment is the name.
		if i := strings.IndexByte(s, '|'); i > 0 {
			return strings.TrimSpace(s[:i])
		}
		return s
	}
	if e.FriendlyName != "" {
		return e.FriendlyName
	}
	return e.EntityID
}

// =============================================================================
// Cluster
// =============================================================================

// ClusterType constrains the default result-size range and which clusters a
// detected scope may draw candidates from.
type ClusterType string

const (
	ClusterMicro    ClusterType = "micro"
	ClusterMacro    ClusterType = "macro"
	ClusterOverview ClusterType = "overview"
)

// ValidClusterType reports whether t is one of the three known cluster types.
func ValidClusterType(t ClusterType) bool {
	switch t {
	case ClusterMicro, ClusterMacro, ClusterOverview:
		return true
	}
	return false
}

// Cluster is a pre-computed named group of semantically related entities used
// for fast candidate generation. A cluster owns an embedding computed from
// its description and tags. A cluster with zero members is still queryable
// and yields an empty member list.
type Cluster struct {
	ClusterID   string      `json:"cluster_id"`
	Name        string      `json:"name"`
	Type        ClusterType `json:"cluster_type"`
	Scope       string      `json:"scope,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	Description string      `json:"description,omitempty"`

	// Vector is the cluster embedding, present only when requested.
	Vector []float32 `json:"-"`
}

// ClusterMember is a directed cluster→entity edge with a relevance weight in
// [0, 1]. The (ClusterID, EntityID) pair is unique in the edge collection.
type ClusterMember struct {
	ClusterID string  `json:"cluster_id"`
	EntityID  string  `json:"entity_id"`
	Weight    float64 `json:"weight"`
}

// =============================================================================
// Scored candidates
// =============================================================================

// ScoredEntity carries an entity through retrieval and reranking together
// with its per-stage diagnostic scores. Scores default to zero when the
// corresponding source did not surface the entity.
type ScoredEntity struct {
	Entity Entity `json:"entity"`

	// ClusterScore is cluster_similarity * membership_weight from cluster
	// search, max across contributing clusters.
	ClusterScore float64 `json:"cluster_score,omitempty"`

	// VectorScore is the normalized vector similarity from hybrid search.
	VectorScore float64 `json:"vector_score,omitempty"`

	// TextScore is the normalized text-match score from hybrid search.
	TextScore float64 `json:"text_score,omitempty"`

	// HybridScore is the weighted vector+text combination.
	HybridScore float64 `json:"hybrid_score,omitempty"`

	// RerankScore is the final seven-factor score, set by the reranker.
	RerankScore float64 `json:"rerank_score,omitempty"`

	// Factors is the per-factor breakdown recorded for diagnostics.
	Factors map[string]float64 `json:"factors,omitempty"`

	// Sources names the sub-retrievers that surfaced this entity
	// ("cluster", "hybrid").
	Sources []string `json:"sources,omitempty"`
}

// BestRetrievalScore returns the strongest signal any retrieval source
// produced for this entity. Used as the lexical factor in reranking and as
// the fusion key when merging sub-retriever results.
func (s *ScoredEntity) BestRetrievalScore() float64 {
	best := s.ClusterScore
	if s.HybridScore > best {
		best = s.HybridScore
	}
	if s.VectorScore > best {
		best = s.VectorScore
	}
	if s.TextScore > best {
		best = s.TextScore
	}
	return best
}

// MergeFrom folds another observation of the same entity into this one,
// keeping the max of every score and the union of sources.
func (s *ScoredEntity) MergeFrom(other ScoredEntity) error {
	if s.Entity.EntityID != other.Entity.EntityID {
		return fmt.Errorf("cannot merge scores of %q into %q",
			other.Entity.EntityID, s.Entity.EntityID)
	}
	if other.ClusterScore > s.ClusterScore {
		s.ClusterScore = other.ClusterScore
	}
	if other.VectorScore > s.VectorScore {
		s.VectorScore = other.VectorScore
	}
	if other.TextScore > s.TextScore {
		s.TextScore = other.TextScore
	}
	if other.HybridScore > s.HybridScore {
		s.HybridScore = other.HybridScore
	}
	for _, src := range other.Sources {
		if !containsString(s.Sources, src) {
			s.Sources = append(s.Sources, src)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
