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
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Collection names used by the query path. The bulk ingestion writer owns
// creation and migration; the bridge only verifies presence at startup.
const (
	ClassEntity            = "Entity"
	ClassEntityCluster     = "EntityCluster"
	ClassClusterMembership = "ClusterMembership"
)

// GetEntitySchema returns the Entity class definition, used for startup
// verification and by the test fixtures.
func GetEntitySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassEntity,
		Description: "An addressable smart-home device or sensor.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "entity_id", DataType: []string{"text"}, Description: "Stable controller id, domain.name.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "domain", DataType: []string{"text"}, Description: "Entity domain: sensor, light, climate, ...", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "area_id", DataType: []string{"text"}, Description: "Canonical area id.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "area_name", DataType: []string{"text"}, Description: "Localized area display name.", Tokenization: "word"},
			{Name: "device_id", DataType: []string{"text"}, Description: "Owning device id.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "device_name", DataType: []string{"text"}, Description: "Owning device display name.", Tokenization: "word"},
			{Name: "friendly_name", DataType: []string{"text"}, Description: "Localized entity display name.", Tokenization: "word"},
			{Name: "device_class", DataType: []string{"text"}, Description: "Technical class (temperature, motion, ...).", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "state", DataType: []string{"text"}, Description: "Last known state value. May be stale.", Tokenization: "field"},
			{Name: "unit", DataType: []string{"text"}, Description: "Unit of the state value.", Tokenization: "field"},
			{Name: "last_updated", DataType: []string{"number"}, Description: "Unix ms of last state change.", IndexFilterable: indexFilterable},
			{Name: "display_text", DataType: []string{"text"}, Description: "Localized embedding-source text; text indexed for hybrid search.", Tokenization: "word"},
			{Name: "system_text", DataType: []string{"text"}, Description: "Normalized English text the stored vector was computed from.", Tokenization: "word"},
			{Name: "content_hash", DataType: []string{"text"}, Description: "Stable hash of embedding inputs, for ingestion change detection.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "attributes_json", DataType: []string{"text"}, Description: "Controller attributes without a dedicated field, JSON object.", Tokenization: "field"},
		},
	}
}

// GetEntityClusterSchema returns the EntityCluster class definition.
func GetEntityClusterSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassEntityCluster,
		Description: "A named group of semantically related entities.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "cluster_id", DataType: []string{"text"}, Description: "Stable cluster id.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "name", DataType: []string{"text"}, Description: "Human name.", Tokenization: "word"},
			{Name: "cluster_type", DataType: []string{"text"}, Description: "micro, macro, or overview.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "scope", DataType: []string{"text"}, Description: "Free-form scope label (area or domain).", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "tags", DataType: []string{"text[]"}, Description: "Tag set used for the cluster embedding."},
			{Name: "description", DataType: []string{"text"}, Description: "Optional description.", Tokenization: "word"},
		},
	}
}

// GetClusterMembershipSchema returns the ClusterMembership edge class
// definition. (cluster_id, entity_id) is unique; the ingestion writer
// enforces it.
func GetClusterMembershipSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassClusterMembership,
		Description: "Directed cluster to entity edge with a relevance weight.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "cluster_id", DataType: []string{"text"}, Description: "Source cluster id.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "entity_id", DataType: []string{"text"}, Description: "Target entity id.", IndexFilterable: indexFilterable, Tokenization: "field"},
			{Name: "weight", DataType: []string{"number"}, Description: "Relevance weight in [0, 1].", IndexFilterable: indexFilterable},
		},
	}
}

// VerifyWeaviateSchema checks that the collections the query path depends on
// exist. It never creates or migrates classes; schema bootstrap belongs to
// the ingestion tooling.
//
// # Outputs
//
//   - error: Non-nil when a required class is missing or unreachable.
func VerifyWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	required := []string{ClassEntity, ClassEntityCluster, ClassClusterMembership}
	for _, class := range required {
		if _, err := client.Schema().ClassGetter().WithClassName(class).Do(ctx); err != nil {
			return fmt.Errorf("required class %s is missing or unreachable: %w", class, err)
		}
	}
	return nil
}
