// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for externally supplied identifiers that
// are used in database filters or subprocess calls. Using these validators
// prevents injection attacks (GraphQL filter injection, path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// entityIDPattern matches smart-home entity ids of the form
// "domain.object_id", e.g. "light.kitchen" or "sensor.garden_temp_2".
// Both halves are lowercase alphanumerics and underscores, matching the
// controller's slugified identifiers.
var entityIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z0-9][a-z0-9_]*$`)

// maxEntityIDLength bounds the full id. The controller itself caps slugs
// well below this; anything longer is suspect.
const maxEntityIDLength = 255

// ValidateEntityID validates an entity id before it is embedded in a
// store filter.
//
// Valid ids:
//   - "domain.object_id" shape with exactly one dot
//   - lowercase letters, digits, and underscores in both halves
//   - at most 255 characters total
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateEntityID(id); err != nil {
//	    return nil, fmt.Errorf("invalid entity id: %w", err)
//	}
//	// Safe to use in a where filter
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	if len(id) > maxEntityIDLength {
		return fmt.Errorf("entity id too long: %d chars (max %d)", len(id), maxEntityIDLength)
	}
	if !entityIDPattern.MatchString(id) {
		return fmt.Errorf("invalid entity id format: %q (must be domain.object_id, lowercase alphanumerics and underscores)", id)
	}
	return nil
}

// SanitizeEntityID normalizes an entity id (trims whitespace, lowercases)
// and validates the result. Returns the normalized id or an error.
//
// Hub payloads occasionally carry ids with stray whitespace or uppercase
// from manual configuration; normalization keeps lookups consistent.
func SanitizeEntityID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ValidateEntityID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateEntityIDs validates multiple entity ids.
// Returns an error listing all invalid ids if any fail validation.
func ValidateEntityIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateEntityID(id); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", id))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid entity ids: %s", strings.Join(invalid, ", "))
	}
	return nil
}
