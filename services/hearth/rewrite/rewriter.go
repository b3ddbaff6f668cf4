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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/hearth/analysis"
	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
	"github.com/AleutianAI/HearthRAG/services/llm"
)

var tracer = otel.Tracer("aleutian.hearth.rewrite")

// RewriterConfig controls the query rewriter.
type RewriterConfig struct {
	// Enabled gates the LLM path entirely. The deterministic fallback still
	// runs when disabled.
	Enabled bool

	// Timeout bounds the LLM call. Default 1500ms.
	Timeout time.Duration

	// CacheSize bounds the prompt-hash cache. Default 1024.
	CacheSize int
}

// DefaultRewriterConfig returns the rewriter configuration from the
// environment.
func DefaultRewriterConfig() RewriterConfig {
	return RewriterConfig{
		Enabled:   getEnvBool("HEARTH_REWRITE_ENABLED", true),
		Timeout:   time.Duration(getEnvInt("HEARTH_REWRITE_TIMEOUT_MS", 1500)) * time.Millisecond,
		CacheSize: getEnvInt("HEARTH_REWRITE_CACHE_SIZE", 1024),
	}
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

// Rewriter resolves follow-up turns into self-contained queries.
//
// # Description
//
// When the analyzer flags a follow-up and the LLM path is enabled, the
// rewriter asks the LLM to merge the last turns into one query, keyed by a
// prompt hash so repeated follow-ups in the same session hit the cache. On
// timeout, error, or a disabled LLM it falls back to a deterministic topic
// carry: the latest turn concatenated with the salvageable nouns of the
// prior user turn.
//
// The output is never empty: total failure returns the latest user turn
// verbatim.
type Rewriter struct {
	config RewriterConfig
	llm    llm.LLMClient
	tables *analysis.Tables

	mu    sync.Mutex
	cache map[string]string
}

// NewRewriter creates a Rewriter. llmClient may be nil; the rewriter then
// always uses the deterministic fallback.
func NewRewriter(config RewriterConfig, llmClient llm.LLMClient, tables *analysis.Tables) *Rewriter {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRewriterConfig().Timeout
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultRewriterConfig().CacheSize
	}
	return &Rewriter{
		config: config,
		llm:    llmClient,
		tables: tables,
		cache:  make(map[string]string),
	}
}

const rewritePromptTemplate = `Rewrite the final user message as one self-contained smart-home query.
Resolve pronouns and elliptical references using the earlier messages.
Keep the user's language. Reply with the rewritten query only.

%s
Rewritten query:`

// Rewrite computes the self-contained query for the state.
func (r *Rewriter) Rewrite(ctx context.Context, state *datatypes.RAGState) string {
	ctx, span := tracer.Start(ctx, "rewrite.Rewrite")
	defer span.End()

	latest := state.LatestUserTurn()
	if latest == "" {
		return ""
	}
	if state.Context == nil || !state.Context.IsFollowUp {
		return latest
	}

	if r.config.Enabled && r.llm != nil {
		if rewritten, ok := r.rewriteLLM(ctx, state); ok {
			return rewritten
		}
		state.Diagnostics.AddFallback("rewriter", "rewriter.fallback", "LLM rewrite unavailable, using topic carry")
	} else {
		state.Diagnostics.AddFallback("rewriter", "rewriter.fallback", "LLM rewrite disabled, using topic carry")
	}

	if carried := r.topicCarry(state); carried != "" {
		return carried
	}
	return latest
}

// rewriteLLM runs the cache-then-LLM path. Returns ok=false on any failure.
func (r *Rewriter) rewriteLLM(ctx context.Context, state *datatypes.RAGState) (string, bool) {
	transcript := formatTranscript(state.LastTurns(3))
	prompt := fmt.Sprintf(rewritePromptTemplate, transcript)
	key := promptHash(prompt)

	r.mu.Lock()
	cached, hit := r.cache[key]
	r.mu.Unlock()
	if hit {
		slog.Debug("Rewrite cache hit", "sessionID", state.SessionID)
		return cached, true
	}

	llmCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	out, err := r.llm.Generate(llmCtx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.1),
		MaxTokens:   llm.IntPtr(128),
		Stop:        []string{"\n"},
	})
	if err != nil {
		slog.Warn("LLM rewrite failed", "error", err, "sessionID", state.SessionID)
		return "", false
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", false
	}

	r.mu.Lock()
	if len(r.cache) >= r.config.CacheSize {
		// Drop an arbitrary entry; the cache only needs to absorb repeats
		// within a conversation, not act as an LRU.
		for k := range r.cache {
			delete(r.cache, k)
			break
		}
	}
	r.cache[key] = out
	r.mu.Unlock()
	return out, true
}

// topicCarry builds "latest turn + salvaged topic" deterministically. The
// salvage keeps alias-table nouns from the prior user turn that the latest
// turn does not already mention.
func (r *Rewriter) topicCarry(state *datatypes.RAGState) string {
	latest := state.LatestUserTurn()
	prior := state.PriorUserTurn()
	if prior == "" {
		return latest
	}

	var carry []string
	seen := strings.ToLower(latest)
	for _, token := range domainTokens(prior, r.tables) {
		if !strings.Contains(seen, strings.ToLower(token)) {
			carry = append(carry, token)
			seen += " " + strings.ToLower(token)
		}
	}
	if len(carry) == 0 {
		// No alias nouns to salvage; fall back to the prior turn's longest
		// word as a crude topic anchor.
		if anchor := longestWord(prior); anchor != "" && !strings.Contains(seen, strings.ToLower(anchor)) {
			carry = append(carry, anchor)
		}
	}
	if len(carry) == 0 {
		return latest
	}
	return latest + " " + strings.Join(carry, " ")
}

// domainTokens returns the surface forms in text that matched a domain
// alias, preserving the user's wording.
func domainTokens(text string, tables *analysis.Tables) []string {
	var out []string
	for _, word := range strings.Fields(text) {
		trimmed := strings.Trim(word, "?!.,;:")
		if trimmed == "" {
			continue
		}
		if len(tables.MatchDomains(trimmed)) > 0 {
			out = append(out, trimmed)
		}
	}
	return out
}

// longestWord returns the longest whitespace token of text, punctuation
// trimmed.
func longestWord(text string) string {
	best := ""
	for _, word := range strings.Fields(text) {
		trimmed := strings.Trim(word, "?!.,;:")
		if len(trimmed) > len(best) {
			best = trimmed
		}
	}
	return best
}

func formatTranscript(turns []datatypes.ConversationTurn) string {
	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(turn.Role)
		sb.WriteString(": ")
		sb.WriteString(turn.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func promptHash(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
