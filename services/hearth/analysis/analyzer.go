// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

var tracer = otel.Tracer("aleutian.hearth.analysis")

// Analyzer derives a ConversationContext from the raw conversation turns.
//
// # Description
//
// The analyzer is deterministic and pattern-based: areas and domains come
// from the multilingual alias tables, intent from bilingual verb cues, and
// the follow-up flag from pronoun/ellipsis cues combined with conversation
// length. No LLM or network call happens here; the stage has a tight budget
// and its output only biases later stages, so cheap-and-always beats
// smart-and-sometimes.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use; all state lives in the immutable cue
// lists and the hot-reloadable Tables.
type Analyzer struct {
	tables *Tables
}

// NewAnalyzer creates an Analyzer over the given alias tables.
func NewAnalyzer(tables *Tables) *Analyzer {
	return &Analyzer{tables: tables}
}

// readCues mark value-lookup questions. Lowercase; matched as substrings of
// the lowered latest user turn.
var readCues = []string{
	"how much", "how many", "what is", "what's", "is it", "is the", "are the",
	"hány", "mennyi", "milyen", "mekkora", "van-e", "mi a",
}

// controlCues mark actuation requests.
var controlCues = []string{
	"turn on", "turn off", "switch on", "switch off", "set ", "open", "close",
	"start", "stop", "dim",
	"kapcsold", "kapcsolj", "állítsd", "nyisd", "zárd", "indítsd", "állítsd le",
	"halványítsd",
}

// followUpCues mark turns that lean on earlier context: leading
// conjunctions, bare comparatives, and demonstrative pronouns.
var followUpCues = []string{
	"and ", "what about", "how about", "also", "too?",
	"és ", "hát ", "akkor ", "ott is", "azt is", "az is", "és?",
}

// pronounCues are resolvable pronouns whose referent must come from a prior
// turn.
var pronounCues = []string{
	" it", "it?", " that", "that?", " there", "there?",
	" az ", " azt ", " ott ", " arra ",
}

// Analyze computes the conversation context for the given state.
//
// Confidence is the minimum of the sub-signal confidences; a sub-signal
// that makes no claim is neutral and does not drag the minimum down.
func (a *Analyzer) Analyze(ctx context.Context, state *datatypes.RAGState) *datatypes.ConversationContext {
	_, span := tracer.Start(ctx, "analysis.Analyze")
	defer span.End()

	latest := state.LatestUserTurn()
	lowered := strings.ToLower(latest)

	out := &datatypes.ConversationContext{Intent: datatypes.IntentUnknown}

	// Areas and domains: the latest turn decides first-occurrence order,
	// prior turns append what the latest turn did not mention. Recency wins
	// because a follow-up usually shifts the area, not the topic.
	out.Areas = a.tables.MatchAreas(latest)
	out.Domains = a.tables.MatchDomains(latest)
	areaConf, domainConf := 1.0, 1.0
	if len(out.Areas) > 0 {
		areaConf = 0.9
	}
	if len(out.Domains) > 0 {
		domainConf = 0.9
	}
	for i := len(state.Turns) - 1; i >= 0; i-- {
		turn := state.Turns[i]
		if turn.Role != datatypes.RoleUser || turn.Content == latest {
			continue
		}
		for _, area := range a.tables.MatchAreas(turn.Content) {
			if !out.HasArea(area) {
				out.Areas = append(out.Areas, area)
				areaConf = min(areaConf, 0.6)
			}
		}
		for _, domain := range a.tables.MatchDomains(turn.Content) {
			if !out.HasDomain(domain) {
				out.Domains = append(out.Domains, domain)
				domainConf = min(domainConf, 0.6)
			}
		}
	}

	// Intent: control cues win over read cues; "set" questions are rare and
	// a wrong control call only biases f5.
	intentConf := 0.2
	switch {
	case containsAny(lowered, controlCues):
		out.Intent = datatypes.IntentControl
		intentConf = 0.9
	case containsAny(lowered, readCues):
		out.Intent = datatypes.IntentRead
		intentConf = 0.9
	}

	// Follow-up needs both a linguistic cue and a prior turn to resolve
	// against.
	hasPrior := len(state.Turns) > 1
	if hasPrior && (containsAny(lowered, followUpCues) || containsAny(" "+lowered+" ", pronounCues) || isShortQuestion(lowered)) {
		out.IsFollowUp = true
	}

	out.Confidence = min(areaConf, domainConf, intentConf)
	return out
}

// isShortQuestion treats a very short interrogative as elliptical:
// "és kint?" carries no subject of its own.
func isShortQuestion(lowered string) bool {
	return strings.HasSuffix(strings.TrimSpace(lowered), "?") &&
		len(strings.Fields(lowered)) <= 3
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}
