// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package format

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

func formatState(scope datatypes.Scope, k int, ranked ...datatypes.ScoredEntity) *datatypes.RAGState {
	state := datatypes.NewRAGState("s1", []datatypes.ConversationTurn{
		{Role: datatypes.RoleUser, Content: "mi a helyzet otthon?"},
	})
	state.Scope = &datatypes.ScopeResult{Scope: scope, OptimalK: k}
	state.Reranked = ranked
	return state
}

func entity(id, domain, areaID, areaName, name, stateVal, unit string) datatypes.ScoredEntity {
	return datatypes.ScoredEntity{Entity: datatypes.Entity{
		EntityID:     id,
		Domain:       domain,
		AreaID:       areaID,
		AreaName:     areaName,
		FriendlyName: name,
		SystemText:   name + " | " + areaName + " | " + domain,
		State:        stateVal,
		Unit:         unit,
	}}
}

func TestFormat_DetailedForMicro(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	state := formatState(datatypes.ScopeMicro, 5,
		entity("light.living_room", "light", "living_room", "Living Room", "living room lamp", "on", ""),
		entity("sensor.living_room_temp", "sensor", "living_room", "Living Room", "living room temperature", "23", "°C"),
	)

	f.Format(context.Background(), state)

	if state.FormatterShape != string(ShapeDetailed) {
		t.Fatalf("shape = %s, want detailed", state.FormatterShape)
	}
	if !strings.Contains(state.FormattedContext, "### living room lamp") {
		t.Errorf("missing detailed block header:\n%s", state.FormattedContext)
	}
	if !strings.Contains(state.FormattedContext, "id: light.living_room") {
		t.Error("detailed block must carry the full entity id")
	}
	if !strings.Contains(state.FormattedContext, "state: 23 °C") {
		t.Error("state and unit must appear together")
	}
}

func TestFormat_GroupedForMacro(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	state := formatState(datatypes.ScopeMacro, 15,
		entity("sensor.living_room_temp", "sensor", "living_room", "Living Room", "living room temperature", "23", "°C"),
		entity("light.living_room", "light", "living_room", "Living Room", "living room lamp", "on", ""),
		entity("sensor.garden_temp", "sensor", "garden", "Garden", "outdoor temperature", "18", "°C"),
	)

	f.Format(context.Background(), state)

	if state.FormatterShape != string(ShapeGrouped) {
		t.Fatalf("shape = %s, want grouped_by_area", state.FormatterShape)
	}
	out := state.FormattedContext
	livingRoom := strings.Index(out, "## Living Room")
	garden := strings.Index(out, "## Garden")
	if livingRoom < 0 || garden < 0 {
		t.Fatalf("missing area headers:\n%s", out)
	}
	// Areas appear in rank order of their best entity.
	if livingRoom > garden {
		t.Error("living room ranks first and must be rendered first")
	}
	if !strings.Contains(out, "(sensor.garden_temp): 18 °C [Garden]") {
		t.Errorf("member lines must carry id, state and area:\n%s", out)
	}
}

func TestFormat_GroupedForSingleAreaMacro(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	state := formatState(datatypes.ScopeMacro, 15,
		entity("sensor.living_room_temp", "sensor", "living_room", "Living Room", "living room temperature", "23", "°C"),
		entity("light.living_room", "light", "living_room", "Living Room", "living room lamp", "on", ""),
	)

	f.Format(context.Background(), state)
	if state.FormatterShape != string(ShapeGrouped) {
		t.Errorf("single-area macro still groups, got %s", state.FormatterShape)
	}
}

func TestFormat_TLDRForOverview(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	var ranked []datatypes.ScoredEntity
	areas := []struct{ id, name string }{
		{"living_room", "Living Room"}, {"kitchen", "Kitchen"}, {"garden", "Garden"},
	}
	for i := 0; i < 30; i++ {
		a := areas[i%len(areas)]
		ranked = append(ranked, entity(
			fmt.Sprintf("sensor.e%02d", i), "sensor", a.id, a.name,
			fmt.Sprintf("sensor %d", i), "1", ""))
	}
	state := formatState(datatypes.ScopeOverview, 30, ranked...)

	f.Format(context.Background(), state)

	if state.FormatterShape != string(ShapeTLDR) {
		t.Fatalf("shape = %s, want tldr", state.FormatterShape)
	}
	if !strings.Contains(state.FormattedContext, "- Living Room: 10 entities (sensor)") {
		t.Errorf("missing per-area aggregate line:\n%s", state.FormattedContext)
	}
	if len(state.FormattedContext) > DefaultConfig().MaxChars {
		t.Errorf("output length %d exceeds budget", len(state.FormattedContext))
	}
}

func TestFormat_CompactFallback(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	// Overview with K below the tldr cutoff falls back to compact.
	state := formatState(datatypes.ScopeOverview, 20,
		entity("sensor.a", "sensor", "garden", "Garden", "outdoor temperature", "18", "°C"),
	)

	f.Format(context.Background(), state)
	if state.FormatterShape != string(ShapeCompact) {
		t.Fatalf("shape = %s, want compact", state.FormatterShape)
	}
	if !strings.Contains(state.FormattedContext, "- outdoor temperature (sensor.a): 18 °C [Garden]") {
		t.Errorf("unexpected compact line:\n%s", state.FormattedContext)
	}
}

func TestFormat_PrimaryAndRelatedSplit(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	var ranked []datatypes.ScoredEntity
	for i := 0; i < 12; i++ {
		ranked = append(ranked, entity(
			fmt.Sprintf("sensor.e%02d", i), "sensor", "", "", fmt.Sprintf("sensor %d", i), "", ""))
	}
	state := formatState(datatypes.ScopeMacro, 15, ranked...)

	f.Format(context.Background(), state)

	// No area info on any entity, so macro degrades to compact.
	if state.FormatterShape != string(ShapeCompact) {
		t.Fatalf("shape = %s, want compact", state.FormatterShape)
	}
	out := state.FormattedContext
	if !strings.Contains(out, "Related:") {
		t.Fatal("expected a related section")
	}
	// Primary is the top 4; related the next 6; the remainder is dropped.
	if !strings.Contains(out, "sensor.e03") || strings.Contains(out, "sensor.e10") {
		t.Errorf("primary/related split is off:\n%s", out)
	}
	related := out[strings.Index(out, "Related:"):]
	if !strings.Contains(related, "sensor.e04") || !strings.Contains(related, "sensor.e09") {
		t.Errorf("related must hold ranks 5..10:\n%s", related)
	}
}

func TestFormat_EmptyResultMarker(t *testing.T) {
	f := NewFormatter(DefaultConfig())
	state := formatState(datatypes.ScopeMicro, 5)

	f.Format(context.Background(), state)
	if state.FormattedContext != EmptyResultMarker {
		t.Errorf("empty result must render the marker, got %q", state.FormattedContext)
	}
}

func TestFormat_TruncatesAtBlockBoundary(t *testing.T) {
	f := NewFormatter(Config{MaxChars: 120})
	state := formatState(datatypes.ScopeMicro, 5,
		entity("light.living_room", "light", "living_room", "Living Room", "living room lamp", "on", ""),
		entity("sensor.living_room_temp", "sensor", "living_room", "Living Room", "living room temperature", "23", "°C"),
	)

	f.Format(context.Background(), state)

	out := state.FormattedContext
	if len(out) > 2*120 {
		t.Fatalf("truncation did not engage: %d chars", len(out))
	}
	// The first block always survives whole; the second was dropped whole.
	if !strings.Contains(out, "id: light.living_room") {
		t.Error("first block must survive intact")
	}
	if strings.Contains(out, "living room temperature") && strings.Contains(out, "id: sensor.living_room_temp") == false {
		t.Error("blocks must never be cut mid-block")
	}
}

func TestFormat_OversizedSingleBlockStaysUnderHardCap(t *testing.T) {
	f := NewFormatter(Config{MaxChars: HardMaxChars})
	huge := entity("media_player.living_room_tv", "media_player",
		"living_room", "Living Room", "nappali tévé", "playing", "")
	huge.Entity.Attributes = map[string]string{
		"source_list": strings.Repeat("x", 9000),
	}
	state := formatState(datatypes.ScopeMicro, 5, huge)

	f.Format(context.Background(), state)

	out := state.FormattedContext
	if len(out) > HardMaxChars {
		t.Fatalf("context length %d exceeds the hard cap %d", len(out), HardMaxChars)
	}
	if !strings.HasPrefix(out, "### nappali tévé") {
		t.Errorf("the oversized block must be cut, not dropped:\n%.80s", out)
	}
}

func TestFormat_OversizedBlockCutKeepsValidUTF8(t *testing.T) {
	f := NewFormatter(Config{MaxChars: 100})
	huge := entity("sensor.garden_temp", "sensor", "garden", "Garden",
		strings.Repeat("hőmérő", 40), "18", "°C")
	state := formatState(datatypes.ScopeMicro, 5, huge)

	f.Format(context.Background(), state)

	out := state.FormattedContext
	if len(out) > 100 {
		t.Fatalf("context length %d exceeds the budget", len(out))
	}
	if !utf8.ValidString(out) {
		t.Errorf("cut landed inside a rune: %q", out[len(out)-4:])
	}
}

func TestNewFormatter_ClampsMaxChars(t *testing.T) {
	f := NewFormatter(Config{MaxChars: 100000})
	if f.config.MaxChars != HardMaxChars {
		t.Errorf("MaxChars = %d, want hard cap %d", f.config.MaxChars, HardMaxChars)
	}
	f = NewFormatter(Config{})
	if f.config.MaxChars != 4096 {
		t.Errorf("MaxChars = %d, want default 4096", f.config.MaxChars)
	}
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_FORMATTER_MAX_CHARS", "2000")
	t.Setenv("HEARTH_FORMATTER_HARD_CAP_CHARS", "3000")

	cfg := DefaultConfig()
	if cfg.MaxChars != 2000 {
		t.Errorf("MaxChars = %d, want 2000", cfg.MaxChars)
	}
	if cfg.HardCapChars != 3000 {
		t.Errorf("HardCapChars = %d, want 3000", cfg.HardCapChars)
	}
}
