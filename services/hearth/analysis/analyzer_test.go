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
	"testing"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

func testTables() *Tables {
	return NewTablesFromMaps(
		map[string]map[string][]string{
			"living_room": {
				"en": {"living room", "lounge"},
				"hu": {"nappali", "nappaliban"},
			},
			"garden": {
				"en": {"garden", "outside"},
				"hu": {"kert", "kertben", "kint"},
			},
			"kitchen": {
				"en": {"kitchen"},
				"hu": {"konyha", "konyhában"},
			},
		},
		map[string]map[string][]string{
			"light": {
				"en": {"light", "lamp"},
				"hu": {"lámpa", "lámpát", "villany"},
			},
			"sensor": {
				"en": {"temperature"},
				"hu": {"hőmérséklet", "fok"},
			},
		},
	)
}

func userTurns(contents ...string) []datatypes.ConversationTurn {
	turns := make([]datatypes.ConversationTurn, 0, len(contents))
	for i, c := range contents {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		turns = append(turns, datatypes.ConversationTurn{Role: role, Content: c, Position: i})
	}
	return turns
}

func TestAnalyze_HungarianControlQuery(t *testing.T) {
	analyzer := NewAnalyzer(testTables())
	state := datatypes.NewRAGState("s1", userTurns("kapcsold fel a nappali lámpát"))

	ctx := analyzer.Analyze(context.Background(), state)

	if !ctx.HasArea("living_room") {
		t.Errorf("expected living_room in areas, got %v", ctx.Areas)
	}
	if !ctx.HasDomain("light") {
		t.Errorf("expected light in domains, got %v", ctx.Domains)
	}
	if ctx.Intent != datatypes.IntentControl {
		t.Errorf("expected control intent, got %s", ctx.Intent)
	}
	if ctx.IsFollowUp {
		t.Error("single turn must not be a follow-up")
	}
	if ctx.Confidence < 0.5 {
		t.Errorf("expected confident analysis, got %f", ctx.Confidence)
	}
}

func TestAnalyze_EnglishReadQuery(t *testing.T) {
	analyzer := NewAnalyzer(testTables())
	state := datatypes.NewRAGState("s1", userTurns("what is the temperature in the kitchen?"))

	ctx := analyzer.Analyze(context.Background(), state)

	if ctx.Intent != datatypes.IntentRead {
		t.Errorf("expected read intent, got %s", ctx.Intent)
	}
	if !ctx.HasArea("kitchen") {
		t.Errorf("expected kitchen in areas, got %v", ctx.Areas)
	}
	if !ctx.HasDomain("sensor") {
		t.Errorf("expected sensor in domains, got %v", ctx.Domains)
	}
}

func TestAnalyze_FollowUpDetection(t *testing.T) {
	tests := []struct {
		name       string
		turns      []string
		wantFollow bool
	}{
		{
			name:       "hungarian elliptical follow-up",
			turns:      []string{"hány fok van a nappaliban?", "23°C", "és kint?"},
			wantFollow: true,
		},
		{
			name:       "english pronoun follow-up",
			turns:      []string{"is the lamp on in the lounge?", "Yes.", "turn it off"},
			wantFollow: true,
		},
		{
			name:       "cue without prior turn",
			turns:      []string{"és kint?"},
			wantFollow: false,
		},
		{
			name:       "full question after prior turn",
			turns:      []string{"hány fok van a nappaliban?", "23°C", "kapcsold fel a villanyt a konyhában most azonnal kérlek"},
			wantFollow: false,
		},
	}

	analyzer := NewAnalyzer(testTables())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := datatypes.NewRAGState("s1", userTurns(tt.turns...))
			ctx := analyzer.Analyze(context.Background(), state)
			if ctx.IsFollowUp != tt.wantFollow {
				t.Errorf("IsFollowUp = %v, want %v", ctx.IsFollowUp, tt.wantFollow)
			}
		})
	}
}

func TestAnalyze_PriorTurnAreasAppendAfterLatest(t *testing.T) {
	analyzer := NewAnalyzer(testTables())
	state := datatypes.NewRAGState("s1", userTurns(
		"hány fok van a nappaliban?",
		"23°C",
		"és a kertben?",
	))

	ctx := analyzer.Analyze(context.Background(), state)

	if len(ctx.Areas) < 2 {
		t.Fatalf("expected both areas, got %v", ctx.Areas)
	}
	if ctx.Areas[0] != "garden" {
		t.Errorf("latest turn's area must come first, got %v", ctx.Areas)
	}
	if ctx.Areas[1] != "living_room" {
		t.Errorf("prior turn's area must follow, got %v", ctx.Areas)
	}
}

func TestAnalyze_UnknownIntentLowConfidence(t *testing.T) {
	analyzer := NewAnalyzer(testTables())
	state := datatypes.NewRAGState("s1", userTurns("banana"))

	ctx := analyzer.Analyze(context.Background(), state)

	if ctx.Intent != datatypes.IntentUnknown {
		t.Errorf("expected unknown intent, got %s", ctx.Intent)
	}
	if ctx.Confidence >= 0.3 {
		t.Errorf("expected low confidence for an unparseable turn, got %f", ctx.Confidence)
	}
}

func TestMatchAreas_WordBoundaries(t *testing.T) {
	tables := testTables()

	// "konyha" must not match inside an unrelated longer word.
	if got := tables.MatchAreas("akonyhab nothing here"); len(got) != 0 {
		t.Errorf("expected no match inside a longer word, got %v", got)
	}
	// Inflected forms listed in the table match as whole words.
	if got := tables.MatchAreas("mi van a konyhában?"); len(got) != 1 || got[0] != "kitchen" {
		t.Errorf("expected kitchen, got %v", got)
	}
}
