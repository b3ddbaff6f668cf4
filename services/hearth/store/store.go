// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store wraps the Weaviate collections the retrieval pipeline reads.
// All access is read-only; ingestion and schema bootstrap live in the bulk
// sync tooling.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/pkg/validation"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

var tracer = otel.Tracer("aleutian.hearth.store")

// Filter narrows a search to detected conversation context. Empty slices
// mean "no restriction".
type Filter struct {
	AreaIDs []string
	Domains []string
}

// Empty reports whether the filter restricts nothing.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.AreaIDs) == 0 && len(f.Domains) == 0)
}

// EntityStore is the read interface over the entity index.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; cluster and hybrid
// retrieval run in parallel against the same store.
type EntityStore interface {
	// VectorSearch runs a nearVector query over the Entity class. Scores are
	// certainties in [0, 1], written to VectorScore.
	VectorSearch(ctx context.Context, vector []float32, limit int, filter *Filter) ([]datatypes.ScoredEntity, error)

	// TextSearch runs a BM25 query over the Entity class. Raw BM25 scores
	// are written to TextScore; normalization is the caller's job.
	TextSearch(ctx context.Context, query string, limit int, filter *Filter) ([]datatypes.ScoredEntity, error)

	// GetEntities fetches entities by id, skipping ids that no longer exist.
	GetEntities(ctx context.Context, entityIDs []string) ([]datatypes.Entity, error)

	// SearchClusters runs a nearVector query over the EntityCluster class,
	// restricted to the given cluster types. Similarity is the certainty.
	SearchClusters(ctx context.Context, vector []float32, types []datatypes.ClusterType, limit int) ([]ScoredCluster, error)

	// GetClusterMembers returns the membership edges of one cluster.
	GetClusterMembers(ctx context.Context, clusterID string) ([]datatypes.ClusterMember, error)
}

// ScoredCluster pairs a cluster with its query similarity.
type ScoredCluster struct {
	Cluster    datatypes.Cluster
	Similarity float64
}

// WeaviateStore implements EntityStore against a live Weaviate instance.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore creates the store. The caller owns schema verification.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// entityFields is the field list fetched on every Entity query.
var entityFields = []graphql.Field{
	{Name: "entity_id"},
	{Name: "domain"},
	{Name: "area_id"},
	{Name: "area_name"},
	{Name: "device_id"},
	{Name: "device_name"},
	{Name: "friendly_name"},
	{Name: "device_class"},
	{Name: "state"},
	{Name: "unit"},
	{Name: "last_updated"},
	{Name: "display_text"},
	{Name: "system_text"},
	{Name: "content_hash"},
	{Name: "attributes_json"},
}

// buildContextFilter converts a Filter into a Weaviate where clause, or nil
// when the filter is empty. Multiple areas (or domains) OR together; the two
// dimensions AND together.
func buildContextFilter(f *Filter) *filters.WhereBuilder {
	if f.Empty() {
		return nil
	}

	var operands []*filters.WhereBuilder
	if clause := orEquals("area_id", f.AreaIDs); clause != nil {
		operands = append(operands, clause)
	}
	if clause := orEquals("domain", f.Domains); clause != nil {
		operands = append(operands, clause)
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)
}

// orEquals builds `field == v1 OR field == v2 OR ...`.
func orEquals(field string, values []string) *filters.WhereBuilder {
	if len(values) == 0 {
		return nil
	}
	if len(values) == 1 {
		return filters.Where().
			WithPath([]string{field}).
			WithOperator(filters.Equal).
			WithValueString(values[0])
	}
	operands := make([]*filters.WhereBuilder, 0, len(values))
	for _, v := range values {
		operands = append(operands, filters.Where().
			WithPath([]string{field}).
			WithOperator(filters.Equal).
			WithValueString(v))
	}
	return filters.Where().
		WithOperator(filters.Or).
		WithOperands(operands)
}

// VectorSearch implements EntityStore.
func (s *WeaviateStore) VectorSearch(ctx context.Context, vector []float32, limit int, filter *Filter) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "store.VectorSearch")
	defer span.End()

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := append(entityFields, graphql.Field{
		Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
			{Name: "vector"},
		},
	})

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassEntity).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit)
	if where := buildContextFilter(filter); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		slog.Error("Entity vector search failed", "error", err)
		return nil, fmt.Errorf("weaviate vector search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.EntityQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse vector search results: %w", err)
	}

	scored := make([]datatypes.ScoredEntity, 0, len(parsed.Get.Entity))
	for i := range parsed.Get.Entity {
		row := &parsed.Get.Entity[i]
		se := datatypes.ScoredEntity{
			Entity:  row.ToEntity(),
			Sources: []string{"vector"},
		}
		if row.Additional.Certainty != nil {
			se.VectorScore = float64(*row.Additional.Certainty)
		}
		scored = append(scored, se)
	}
	return scored, nil
}

// TextSearch implements EntityStore. BM25 runs over the localized and
// normalized text fields plus the display names, so both languages match.
func (s *WeaviateStore) TextSearch(ctx context.Context, query string, limit int, filter *Filter) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "store.TextSearch")
	defer span.End()

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("display_text", "system_text", "friendly_name", "area_name", "device_name")

	fields := append(entityFields, graphql.Field{
		Name: "_additional", Fields: []graphql.Field{
			{Name: "score"},
		},
	})

	gq := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassEntity).
		WithFields(fields...).
		WithBM25(bm25).
		WithLimit(limit)
	if where := buildContextFilter(filter); where != nil {
		gq = gq.WithWhere(where)
	}

	result, err := gq.Do(ctx)
	if err != nil {
		slog.Error("Entity text search failed", "error", err)
		return nil, fmt.Errorf("weaviate text search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.EntityQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse text search results: %w", err)
	}

	scored := make([]datatypes.ScoredEntity, 0, len(parsed.Get.Entity))
	for i := range parsed.Get.Entity {
		row := &parsed.Get.Entity[i]
		scored = append(scored, datatypes.ScoredEntity{
			Entity:    row.ToEntity(),
			TextScore: row.Additional.ScoreValue(),
			Sources:   []string{"text"},
		})
	}
	return scored, nil
}

// GetEntities implements EntityStore. Missing ids are skipped silently; the
// cluster index may lag behind entity deletions.
func (s *WeaviateStore) GetEntities(ctx context.Context, entityIDs []string) ([]datatypes.Entity, error) {
	ctx, span := tracer.Start(ctx, "store.GetEntities")
	defer span.End()

	if len(entityIDs) == 0 {
		return nil, nil
	}
	if err := validation.ValidateEntityIDs(entityIDs); err != nil {
		return nil, fmt.Errorf("refusing entity fetch: %w", err)
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassEntity).
		WithFields(entityFields...).
		WithWhere(orEquals("entity_id", entityIDs)).
		WithLimit(len(entityIDs)).
		Do(ctx)
	if err != nil {
		slog.Error("Entity batch fetch failed", "error", err, "requested", len(entityIDs))
		return nil, fmt.Errorf("weaviate entity fetch failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.EntityQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity fetch results: %w", err)
	}

	entities := make([]datatypes.Entity, 0, len(parsed.Get.Entity))
	for i := range parsed.Get.Entity {
		entities = append(entities, parsed.Get.Entity[i].ToEntity())
	}
	if len(entities) < len(entityIDs) {
		slog.Debug("Entity fetch returned fewer rows than requested",
			"requested", len(entityIDs), "found", len(entities))
	}
	return entities, nil
}

// SearchClusters implements EntityStore.
func (s *WeaviateStore) SearchClusters(ctx context.Context, vector []float32, types []datatypes.ClusterType, limit int) ([]ScoredCluster, error) {
	ctx, span := tracer.Start(ctx, "store.SearchClusters")
	defer span.End()

	typeValues := make([]string, 0, len(types))
	for _, t := range types {
		typeValues = append(typeValues, string(t))
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "cluster_id"},
		{Name: "name"},
		{Name: "cluster_type"},
		{Name: "scope"},
		{Name: "tags"},
		{Name: "description"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassEntityCluster).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(limit)
	if where := orEquals("cluster_type", typeValues); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		slog.Error("Cluster search failed", "error", err)
		return nil, fmt.Errorf("weaviate cluster search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cluster search results: %w", err)
	}

	scored := make([]ScoredCluster, 0, len(parsed.Get.EntityCluster))
	for i := range parsed.Get.EntityCluster {
		row := &parsed.Get.EntityCluster[i]
		sc := ScoredCluster{Cluster: row.ToCluster()}
		if row.Additional.Certainty != nil {
			sc.Similarity = float64(*row.Additional.Certainty)
		}
		scored = append(scored, sc)
	}
	return scored, nil
}

// GetClusterMembers implements EntityStore.
func (s *WeaviateStore) GetClusterMembers(ctx context.Context, clusterID string) ([]datatypes.ClusterMember, error) {
	ctx, span := tracer.Start(ctx, "store.GetClusterMembers")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"cluster_id"}).
		WithOperator(filters.Equal).
		WithValueString(clusterID)

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassClusterMembership).
		WithFields(
			graphql.Field{Name: "cluster_id"},
			graphql.Field{Name: "entity_id"},
			graphql.Field{Name: "weight"},
		).
		WithWhere(where).
		WithLimit(1000).
		Do(ctx)
	if err != nil {
		slog.Error("Cluster membership fetch failed", "error", err, "clusterID", clusterID)
		return nil, fmt.Errorf("weaviate membership fetch failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.MembershipQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse membership results: %w", err)
	}

	members := make([]datatypes.ClusterMember, 0, len(parsed.Get.ClusterMembership))
	for _, row := range parsed.Get.ClusterMembership {
		members = append(members, datatypes.ClusterMember{
			ClusterID: row.ClusterID,
			EntityID:  row.EntityID,
			Weight:    row.Weight,
		})
	}
	return members, nil
}
