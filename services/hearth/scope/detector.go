// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scope classifies a query by how wide a slice of the home it asks
// about, and derives the result-size target K from the classification.
package scope

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/llm"
)

var tracer = otel.Tracer("aleutian.hearth.scope")

// KRange is the {min, base, max} triplet for one scope.
type KRange struct {
	Min  int
	Base int
	Max  int
}

// Config holds the detector settings.
type Config struct {
	// Timeout bounds the LLM classification call. Default 1500ms.
	Timeout time.Duration

	// KRanges maps each scope to its K triplet.
	KRanges map[datatypes.Scope]KRange
}

// DefaultConfig returns the detector configuration from the environment.
func DefaultConfig() Config {
	return Config{
		Timeout: time.Duration(getEnvInt("HEARTH_SCOPE_TIMEOUT_MS", 1500)) * time.Millisecond,
		// Base equals Min so that a query with no detected areas or
		// domains lands on the bottom of the range.
		KRanges: map[datatypes.Scope]KRange{
			datatypes.ScopeMicro:    kRangeFromEnv("MICRO", KRange{Min: 5, Base: 5, Max: 20}),
			datatypes.ScopeMacro:    kRangeFromEnv("MACRO", KRange{Min: 15, Base: 15, Max: 30}),
			datatypes.ScopeOverview: kRangeFromEnv("OVERVIEW", KRange{Min: 30, Base: 30, Max: 50}),
		},
	}
}

// kRangeFromEnv overlays HEARTH_SCOPE_<scope>_K_{MIN,BASE,MAX} onto the
// built-in triplet.
func kRangeFromEnv(scope string, def KRange) KRange {
	return KRange{
		Min:  getEnvInt("HEARTH_SCOPE_"+scope+"_K_MIN", def.Min),
		Base: getEnvInt("HEARTH_SCOPE_"+scope+"_K_BASE", def.Base),
		Max:  getEnvInt("HEARTH_SCOPE_"+scope+"_K_MAX", def.Max),
	}
}

// Detector classifies queries into micro/macro/overview.
//
// # Description
//
// The primary classifier is the LLM with a compact few-shot prompt. The
// rule-based classifier serves as fallback when the LLM fails, and as
// tie-break when the two disagree and the rules are more certain. K is a
// deterministic function of (scope, area count, domain count) either way.
type Detector struct {
	config Config
	llm    llm.LLMClient
}

// NewDetector creates a Detector. llmClient may be nil; classification is
// then purely rule-based.
func NewDetector(config Config, llmClient llm.LLMClient) *Detector {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.KRanges == nil {
		config.KRanges = defaults.KRanges
	}
	for _, s := range []datatypes.Scope{datatypes.ScopeMicro, datatypes.ScopeMacro, datatypes.ScopeOverview} {
		if _, ok := config.KRanges[s]; !ok {
			slog.Warn("Missing K range for scope, using default", "scope", s)
			config.KRanges[s] = defaults.KRanges[s]
		}
	}
	return &Detector{config: config, llm: llmClient}
}

const scopePromptTemplate = `Classify the smart-home query into exactly one scope.

micro: a specific device or value lookup
macro: an area- or domain-wide view
overview: a house-wide situational question

Examples:
"is the kitchen lamp on?" -> micro
"hány fok van a nappaliban?" -> micro
"show me the living room" -> macro
"milyen a fűtés a házban?" -> macro
"what's going on at home?" -> overview
"minden rendben otthon?" -> overview

Query: %q
Scope:`

// Detect classifies the rewritten query. The returned result always has a
// valid scope and a K inside the configured range.
func (d *Detector) Detect(ctx context.Context, state *datatypes.RAGState) *datatypes.ScopeResult {
	ctx, span := tracer.Start(ctx, "scope.Detect")
	defer span.End()

	areaCount, domainCount := 0, 0
	if state.Context != nil {
		areaCount = len(state.Context.Areas)
		domainCount = len(state.Context.Domains)
	}

	ruled := d.classifyRules(state.RewrittenQuery, state.Context)

	result := ruled
	if d.llm != nil {
		if fromLLM, err := d.classifyLLM(ctx, state.RewrittenQuery); err == nil {
			result = fromLLM
			// Tie-break: when the classifiers disagree and the rules are
			// more certain, the rules win.
			if fromLLM.Scope != ruled.Scope && ruled.Confidence > fromLLM.Confidence {
				result = ruled
				result.Reasoning = fmt.Sprintf("rules overrode llm (%s): %s", fromLLM.Scope, ruled.Reasoning)
			}
		} else {
			slog.Warn("LLM scope classification failed, using rules", "error", err)
			state.Diagnostics.AddFallback("scope", "scope.rule_based", err.Error())
		}
	} else {
		state.Diagnostics.AddFallback("scope", "scope.rule_based", "no LLM configured")
	}

	result.OptimalK = d.computeK(result.Scope, areaCount, domainCount)
	return result
}

// classifyLLM runs the few-shot prompt and parses the scope word out of the
// completion.
func (d *Detector) classifyLLM(ctx context.Context, query string) (*datatypes.ScopeResult, error) {
	llmCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	out, err := d.llm.Generate(llmCtx, fmt.Sprintf(scopePromptTemplate, query), llm.GenerationParams{
		Temperature: llm.Float32Ptr(0),
		MaxTokens:   llm.IntPtr(8),
		Stop:        []string{"\n"},
	})
	if err != nil {
		return nil, err
	}

	lowered := strings.ToLower(out)
	for _, s := range []datatypes.Scope{datatypes.ScopeOverview, datatypes.ScopeMacro, datatypes.ScopeMicro} {
		if strings.Contains(lowered, string(s)) {
			return &datatypes.ScopeResult{
				Scope:      s,
				Confidence: 0.8,
				Reasoning:  "llm classification",
				Classifier: "llm",
			}, nil
		}
	}
	return nil, fmt.Errorf("unparseable scope completion %q", strings.TrimSpace(out))
}

// houseWideCues mark overview queries.
var houseWideCues = []string{
	"everything", "all ", "whole house", "entire house", "at home", "overview", "summary",
	"minden", "összes", "egész ház", "az egész", "otthon", "háznál", "házban",
}

// classifyRules is the deterministic classifier.
func (d *Detector) classifyRules(query string, convCtx *datatypes.ConversationContext) *datatypes.ScopeResult {
	lowered := strings.ToLower(query)
	areaCount, domainCount := 0, 0
	intent := datatypes.IntentUnknown
	if convCtx != nil {
		areaCount = len(convCtx.Areas)
		domainCount = len(convCtx.Domains)
		intent = convCtx.Intent
	}

	result := &datatypes.ScopeResult{Classifier: "rules"}
	switch {
	case containsAny(lowered, houseWideCues) && areaCount == 0:
		result.Scope = datatypes.ScopeOverview
		result.Confidence = 0.8
		result.Reasoning = "house-wide keyword, no specific area"
	case areaCount >= 2:
		result.Scope = datatypes.ScopeMacro
		result.Confidence = 0.8
		result.Reasoning = fmt.Sprintf("%d areas mentioned", areaCount)
	case intent == datatypes.IntentControl:
		result.Scope = datatypes.ScopeMicro
		result.Confidence = 0.9
		result.Reasoning = "control verb targets a specific device"
	case areaCount == 1 && domainCount == 0:
		result.Scope = datatypes.ScopeMacro
		result.Confidence = 0.6
		result.Reasoning = "single area, no specific domain"
	case areaCount == 1 || domainCount >= 1:
		result.Scope = datatypes.ScopeMicro
		result.Confidence = 0.7
		result.Reasoning = "specific area/domain lookup"
	default:
		result.Scope = datatypes.ScopeMicro
		result.Confidence = 0.4
		result.Reasoning = "no signals, defaulting narrow"
	}
	return result
}

// computeK derives K = clamp(base + 3*areas + 2*domains, min, max).
func (d *Detector) computeK(scope datatypes.Scope, areaCount, domainCount int) int {
	r := d.config.KRanges[scope]
	k := r.Base + 3*areaCount + 2*domainCount
	if k < r.Min {
		k = r.Min
	}
	if k > r.Max {
		k = r.Max
	}
	return k
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
