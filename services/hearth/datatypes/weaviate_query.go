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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from the Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if the response is nil, carries GraphQL errors, or
//     parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("Entity").Do(ctx)
//	if err != nil { ... }
//	parsed, err := ParseGraphQLResponse[EntityQueryResponse](resp)
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response
//     structure; type mismatches produce zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("GraphQL error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// AdditionalFields carries Weaviate's _additional block. Certainty is always
// in [0, 1] for nearVector queries; Score is the BM25 score serialized as a
// string by the GraphQL API.
type AdditionalFields struct {
	ID        string   `json:"id"`
	Distance  *float32 `json:"distance"`
	Certainty *float32 `json:"certainty"`
	Score     *string  `json:"score"`
	Vector    []float32 `json:"vector"`
}

// ScoreValue parses the BM25 score string. Returns 0 when absent or
// unparseable.
func (a *AdditionalFields) ScoreValue() float64 {
	if a.Score == nil {
		return 0
	}
	v, err := strconv.ParseFloat(*a.Score, 64)
	if err != nil {
		return 0
	}
	return v
}

// EntityQueryResponse represents the response from querying the Entity class.
type EntityQueryResponse struct {
	Get struct {
		Entity []EntityResult `json:"Entity"`
	} `json:"Get"`
}

// EntityResult is a single entity row from a GraphQL query.
type EntityResult struct {
	EntityID     string           `json:"entity_id"`
	Domain       string           `json:"domain"`
	AreaID       string           `json:"area_id"`
	AreaName     string           `json:"area_name"`
	DeviceID     string           `json:"device_id"`
	DeviceName   string           `json:"device_name"`
	FriendlyName string           `json:"friendly_name"`
	DeviceClass  string           `json:"device_class"`
	State        string           `json:"state"`
	Unit         string           `json:"unit"`
	LastUpdated  int64            `json:"last_updated"`
	DisplayText  string           `json:"display_text"`
	SystemText   string           `json:"system_text"`
	ContentHash  string           `json:"content_hash"`
	AttributesJSON string         `json:"attributes_json"`
	Additional   AdditionalFields `json:"_additional"`
}

// ToEntity converts a query row to the pipeline Entity type. Unknown
// controller attributes round-trip through the attributes_json property.
func (r *EntityResult) ToEntity() Entity {
	e := Entity{
		EntityID:     r.EntityID,
		Domain:       r.Domain,
		AreaID:       r.AreaID,
		AreaName:     r.AreaName,
		DeviceID:     r.DeviceID,
		DeviceName:   r.DeviceName,
		FriendlyName: r.FriendlyName,
		DeviceClass:  r.DeviceClass,
		State:        r.State,
		Unit:         r.Unit,
		LastUpdated:  r.LastUpdated,
		DisplayText:  r.DisplayText,
		SystemText:   r.SystemText,
		ContentHash:  r.ContentHash,
		Vector:       r.Additional.Vector,
	}
	if r.AttributesJSON != "" {
		attrs := map[string]string{}
		if err := json.Unmarshal([]byte(r.AttributesJSON), &attrs); err == nil {
			e.Attributes = attrs
		}
	}
	return e
}

// ClusterQueryResponse represents the response from querying the
// EntityCluster class.
type ClusterQueryResponse struct {
	Get struct {
		EntityCluster []ClusterResult `json:"EntityCluster"`
	} `json:"Get"`
}

// ClusterResult is a single cluster row from a GraphQL query.
type ClusterResult struct {
	ClusterID   string           `json:"cluster_id"`
	Name        string           `json:"name"`
	ClusterType string           `json:"cluster_type"`
	Scope       string           `json:"scope"`
	Tags        []string         `json:"tags"`
	Description string           `json:"description"`
	Additional  AdditionalFields `json:"_additional"`
}

// ToCluster converts a query row to the pipeline Cluster type.
func (r *ClusterResult) ToCluster() Cluster {
	return Cluster{
		ClusterID:   r.ClusterID,
		Name:        r.Name,
		Type:        ClusterType(r.ClusterType),
		Scope:       r.Scope,
		Tags:        r.Tags,
		Description: r.Description,
		Vector:      r.Additional.Vector,
	}
}

// MembershipQueryResponse represents the response from querying the
// ClusterMembership edge class.
type MembershipQueryResponse struct {
	Get struct {
		ClusterMembership []MembershipResult `json:"ClusterMembership"`
	} `json:"Get"`
}

// MembershipResult is a single cluster→entity edge from a GraphQL query.
type MembershipResult struct {
	ClusterID string  `json:"cluster_id"`
	EntityID  string  `json:"entity_id"`
	Weight    float64 `json:"weight"`
}
