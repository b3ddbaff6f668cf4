// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scope

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/llm"
)

func stateWith(query string, areas, domains []string, intent datatypes.Intent) *datatypes.RAGState {
	state := datatypes.NewRAGState("s1", []datatypes.ConversationTurn{
		{Role: datatypes.RoleUser, Content: query},
	})
	state.RewrittenQuery = query
	state.Context = &datatypes.ConversationContext{
		Areas:      areas,
		Domains:    domains,
		Intent:     intent,
		Confidence: 0.9,
	}
	return state
}

func TestDetect_RuleBasedWithoutLLM(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		areas     []string
		domains   []string
		intent    datatypes.Intent
		wantScope datatypes.Scope
	}{
		{
			name:      "control verb is micro",
			query:     "kapcsold fel a nappali lámpát",
			areas:     []string{"living_room"},
			domains:   []string{"light"},
			intent:    datatypes.IntentControl,
			wantScope: datatypes.ScopeMicro,
		},
		{
			name:      "two areas is macro",
			query:     "hány fok van a nappaliban és a konyhában?",
			areas:     []string{"living_room", "kitchen"},
			domains:   []string{"sensor"},
			intent:    datatypes.IntentRead,
			wantScope: datatypes.ScopeMacro,
		},
		{
			name:      "house-wide keyword is overview",
			query:     "minden rendben otthon?",
			intent:    datatypes.IntentRead,
			wantScope: datatypes.ScopeOverview,
		},
		{
			name:      "single value lookup is micro",
			query:     "hány fok van a nappaliban?",
			areas:     []string{"living_room"},
			domains:   []string{"sensor"},
			intent:    datatypes.IntentRead,
			wantScope: datatypes.ScopeMicro,
		},
	}

	detector := NewDetector(DefaultConfig(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := stateWith(tt.query, tt.areas, tt.domains, tt.intent)
			result := detector.Detect(context.Background(), state)

			if result.Scope != tt.wantScope {
				t.Errorf("scope = %s, want %s (%s)", result.Scope, tt.wantScope, result.Reasoning)
			}
			r := DefaultConfig().KRanges[tt.wantScope]
			if result.OptimalK < r.Min || result.OptimalK > r.Max {
				t.Errorf("K = %d outside [%d, %d]", result.OptimalK, r.Min, r.Max)
			}
			if !state.Diagnostics.HasFallback("scope.rule_based") {
				t.Error("rule-based classification must be recorded as a fallback")
			}
		})
	}
}

func TestDetect_LLMPrimary(t *testing.T) {
	fake := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		return " overview", nil
	})
	detector := NewDetector(DefaultConfig(), fake)

	state := stateWith("what's happening at home?", nil, nil, datatypes.IntentRead)
	result := detector.Detect(context.Background(), state)

	if result.Scope != datatypes.ScopeOverview {
		t.Errorf("scope = %s, want overview", result.Scope)
	}
	if result.Classifier != "llm" {
		t.Errorf("classifier = %s, want llm", result.Classifier)
	}
}

func TestDetect_RulesTieBreakOverLowConfidenceLLM(t *testing.T) {
	fake := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		return "overview", nil
	})
	detector := NewDetector(DefaultConfig(), fake)

	// Control intent gives the rules 0.9 confidence against the LLM's 0.8.
	state := stateWith("kapcsold fel a lámpát", nil, []string{"light"}, datatypes.IntentControl)
	result := detector.Detect(context.Background(), state)

	if result.Scope != datatypes.ScopeMicro {
		t.Errorf("rules must win the tie-break, got %s", result.Scope)
	}
}

func TestDetect_LLMFailureFallsBackToRules(t *testing.T) {
	fake := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		return "", fmt.Errorf("backend down")
	})
	detector := NewDetector(DefaultConfig(), fake)

	state := stateWith("kapcsold fel a lámpát", nil, []string{"light"}, datatypes.IntentControl)
	result := detector.Detect(context.Background(), state)

	if result.Classifier != "rules" {
		t.Errorf("classifier = %s, want rules", result.Classifier)
	}
	if !state.Diagnostics.HasFallback("scope.rule_based") {
		t.Error("fallback must be recorded")
	}
}

func TestComputeK(t *testing.T) {
	detector := NewDetector(DefaultConfig(), nil)

	tests := []struct {
		scope   datatypes.Scope
		areas   int
		domains int
		want    int
	}{
		{datatypes.ScopeMicro, 0, 0, 5},       // base == min
		{datatypes.ScopeMicro, 1, 1, 10},      // 5 + 3 + 2
		{datatypes.ScopeMicro, 5, 5, 20},      // clamped to max
		{datatypes.ScopeMacro, 0, 0, 15},      // base == min
		{datatypes.ScopeOverview, 0, 0, 30},   // base == min
		{datatypes.ScopeOverview, 10, 10, 50}, // clamped to max
	}
	for _, tt := range tests {
		if got := detector.computeK(tt.scope, tt.areas, tt.domains); got != tt.want {
			t.Errorf("computeK(%s, %d, %d) = %d, want %d", tt.scope, tt.areas, tt.domains, got, tt.want)
		}
	}
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_SCOPE_TIMEOUT_MS", "250")
	t.Setenv("HEARTH_SCOPE_MICRO_K_MAX", "12")
	t.Setenv("HEARTH_SCOPE_OVERVIEW_K_BASE", "40")

	cfg := DefaultConfig()
	if cfg.Timeout != 250*time.Millisecond {
		t.Errorf("Timeout = %s, want 250ms", cfg.Timeout)
	}
	if got := cfg.KRanges[datatypes.ScopeMicro].Max; got != 12 {
		t.Errorf("micro K max = %d, want 12", got)
	}
	if got := cfg.KRanges[datatypes.ScopeOverview].Base; got != 40 {
		t.Errorf("overview K base = %d, want 40", got)
	}
	if got := cfg.KRanges[datatypes.ScopeMacro].Min; got != 15 {
		t.Errorf("macro K min = %d, want untouched default 15", got)
	}
}
