// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rewrite

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// ExpanderConfig controls variant generation.
type ExpanderConfig struct {
	Enabled bool

	// MaxVariants bounds the output including the original, clamped to 1..8.
	MaxVariants int
}

// DefaultExpanderConfig returns the expander configuration from the
// environment.
func DefaultExpanderConfig() ExpanderConfig {
	return ExpanderConfig{
		Enabled:     getEnvBool("HEARTH_EXPANSION_ENABLED", true),
		MaxVariants: getEnvInt("HEARTH_EXPANSION_MAX_VARIANTS", 4),
	}
}

// Expander generates retrieval variants of the rewritten query from the
// synonym table: per-category synonym substitution, bilingual translation
// pairs, and paraphrase templates.
type Expander struct {
	config ExpanderConfig
	table  *SynonymTable
}

// NewExpander creates an Expander over the given synonym table.
func NewExpander(config ExpanderConfig, table *SynonymTable) *Expander {
	if config.MaxVariants < 1 {
		config.MaxVariants = 1
	}
	if config.MaxVariants > 8 {
		config.MaxVariants = 8
	}
	return &Expander{config: config, table: table}
}

// Expand returns the query variants, the original always first. Variants
// that normalize-equal an earlier variant are dropped.
func (e *Expander) Expand(ctx context.Context, query string) []string {
	_, span := tracer.Start(ctx, "rewrite.Expand")
	defer span.End()

	variants := []string{query}
	if !e.config.Enabled || e.config.MaxVariants == 1 {
		return variants
	}

	seen := map[string]bool{normalizeVariant(query): true}
	add := func(candidate string) bool {
		if len(variants) >= e.config.MaxVariants {
			return false
		}
		key := normalizeVariant(candidate)
		if key == "" || seen[key] {
			return true
		}
		seen[key] = true
		variants = append(variants, candidate)
		return len(variants) < e.config.MaxVariants
	}

	lowered := strings.ToLower(query)

	// (a) Synonym substitution for every triggered category. Fixed category
	// order keeps the variant list stable across runs.
	for _, name := range expectedCategories {
		category := e.table.Categories[name]
		trigger := firstTrigger(lowered, category.Triggers)
		if trigger == "" {
			continue
		}
		for _, synonym := range category.Synonyms {
			if strings.EqualFold(synonym, trigger) {
				continue
			}
			if !add(replaceFold(query, trigger, synonym)) {
				return variants
			}
		}
	}

	// (b) Bilingual translation pairs, both directions.
	for _, pair := range e.table.Translations {
		a, b := pair[0], pair[1]
		if strings.Contains(lowered, strings.ToLower(a)) {
			if !add(replaceFold(query, a, b)) {
				return variants
			}
		} else if strings.Contains(lowered, strings.ToLower(b)) {
			if !add(replaceFold(query, b, a)) {
				return variants
			}
		}
	}

	// (c) Paraphrase templates.
	for _, template := range e.table.Templates {
		if !add(fmt.Sprintf(template, query)) {
			return variants
		}
	}

	return variants
}

// ExpandParaphrase returns the query plus template paraphrases only, no
// synonym or translation substitution. The router uses it for the single
// post-rerank retry, where restating the query helps but drifting its
// vocabulary does not.
func (e *Expander) ExpandParaphrase(ctx context.Context, query string) []string {
	_, span := tracer.Start(ctx, "rewrite.ExpandParaphrase")
	defer span.End()

	variants := []string{query}
	seen := map[string]bool{normalizeVariant(query): true}
	for _, template := range e.table.Templates {
		if len(variants) >= e.config.MaxVariants {
			break
		}
		candidate := fmt.Sprintf(template, query)
		key := normalizeVariant(candidate)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		variants = append(variants, candidate)
	}
	return variants
}

// firstTrigger returns the first trigger present in the lowered query.
func firstTrigger(lowered string, triggers []string) string {
	for _, t := range triggers {
		if strings.Contains(lowered, strings.ToLower(t)) {
			return t
		}
	}
	return ""
}

// replaceFold replaces the first case-insensitive occurrence of old in s.
func replaceFold(s, old, new string) string {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(old))
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

// normalizeVariant lowercases, strips punctuation, and collapses
// whitespace, so "Kitchen temp?" and "kitchen temp" compare equal.
func normalizeVariant(s string) string {
	var sb strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			sb.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			sb.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(sb.String())
}
