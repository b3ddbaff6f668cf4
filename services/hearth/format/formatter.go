// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package format renders the reranked entity list into the system-prompt
// context string handed to the answering LLM.
package format

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/HearthRAG/services/hearth/datatypes"
)

var tracer = otel.Tracer("aleutian.hearth.format")

// Shape names one of the four output layouts.
type Shape string

const (
	ShapeTLDR     Shape = "tldr"
	ShapeGrouped  Shape = "grouped_by_area"
	ShapeDetailed Shape = "detailed"
	ShapeCompact  Shape = "compact"
)

const (
	// HardMaxChars is the absolute output ceiling; MaxChars is clamped to it.
	HardMaxChars = 8192

	defaultMaxChars = 4096

	primaryCount = 4
	relatedCount = 6
)

// EmptyResultMarker is emitted when retrieval found nothing; the answering
// LLM keys off it instead of hallucinating devices.
const EmptyResultMarker = "No relevant smart-home entities were found for this query."

// Config controls output sizing.
type Config struct {
	// MaxChars bounds the rendered context. Default 4096
	// (HEARTH_FORMATTER_MAX_CHARS), capped at HardCapChars.
	MaxChars int

	// HardCapChars is the absolute ceiling MaxChars is clamped to.
	// Default 8192 (HEARTH_FORMATTER_HARD_CAP_CHARS).
	HardCapChars int
}

// DefaultConfig returns the formatter configuration from the environment.
func DefaultConfig() Config {
	return Config{
		MaxChars:     getEnvInt("HEARTH_FORMATTER_MAX_CHARS", defaultMaxChars),
		HardCapChars: getEnvInt("HEARTH_FORMATTER_HARD_CAP_CHARS", HardMaxChars),
	}
}

// Formatter renders ranked entities into one of four shapes chosen from the
// detected scope and the makeup of the result set.
//
// # Thread Safety
//
// Safe for concurrent use.
type Formatter struct {
	config Config
}

// NewFormatter creates a Formatter, clamping MaxChars into (0, HardCapChars].
func NewFormatter(config Config) *Formatter {
	if config.HardCapChars <= 0 || config.HardCapChars > HardMaxChars {
		config.HardCapChars = HardMaxChars
	}
	if config.MaxChars <= 0 {
		config.MaxChars = defaultMaxChars
	}
	if config.MaxChars > config.HardCapChars {
		config.MaxChars = config.HardCapChars
	}
	return &Formatter{config: config}
}

// Format renders state.Reranked and writes FormattedContext and
// FormatterShape back onto the state. It never fails: an empty result set
// yields the marker block.
func (f *Formatter) Format(ctx context.Context, state *datatypes.RAGState) {
	_, span := tracer.Start(ctx, "format.Format")
	defer span.End()

	shape := f.chooseShape(state)
	if len(state.Reranked) == 0 {
		state.FormatterShape = string(shape)
		state.FormattedContext = EmptyResultMarker
		return
	}
	var blocks []string
	switch shape {
	case ShapeTLDR:
		blocks = f.renderTLDR(state.Reranked)
	case ShapeGrouped:
		blocks = f.renderGrouped(state.Reranked)
	case ShapeDetailed:
		blocks = f.renderDetailed(state.Reranked)
	default:
		blocks = f.renderCompact(state.Reranked)
	}

	state.FormatterShape = string(shape)
	state.FormattedContext = f.assemble(blocks)
}

// chooseShape maps (scope, area spread, candidate count) to a layout.
//
// A macro result is grouped whenever its entities carry area information,
// even for a single room: "what's going on in the living room" reads best as
// an area section with its entities nested under it.
func (f *Formatter) chooseShape(state *datatypes.RAGState) Shape {
	ranked := state.Reranked
	if len(ranked) == 0 {
		return ShapeCompact
	}
	scope := datatypes.ScopeMicro
	if state.Scope != nil {
		scope = state.Scope.Scope
	}
	switch scope {
	case datatypes.ScopeOverview:
		if state.OptimalK(0) >= 30 {
			return ShapeTLDR
		}
	case datatypes.ScopeMacro:
		for _, se := range ranked {
			if se.Entity.AreaID != "" {
				return ShapeGrouped
			}
		}
	case datatypes.ScopeMicro:
		return ShapeDetailed
	}
	return ShapeCompact
}

// split returns the primary and related slices per the ranking contract:
// primary is the top min(4, K) entries, related the next 6.
func split(ranked []datatypes.ScoredEntity) (primary, related []datatypes.ScoredEntity) {
	p := primaryCount
	if len(ranked) < p {
		p = len(ranked)
	}
	primary = ranked[:p]
	rest := ranked[p:]
	r := relatedCount
	if len(rest) < r {
		r = len(rest)
	}
	related = rest[:r]
	return primary, related
}

func entityLine(se datatypes.ScoredEntity) string {
	e := se.Entity
	var b strings.Builder
	b.WriteString("- ")
	b.WriteString(e.DisplayLabel())
	b.WriteString(" (")
	b.WriteString(e.EntityID)
	b.WriteString(")")
	if e.State != "" {
		b.WriteString(": ")
		b.WriteString(e.State)
		if e.Unit != "" {
			b.WriteString(" ")
			b.WriteString(e.Unit)
		}
	}
	if e.AreaName != "" {
		b.WriteString(" [")
		b.WriteString(e.AreaName)
		b.WriteString("]")
	}
	return b.String()
}

// renderCompact emits one entity per line, primary entries first.
func (f *Formatter) renderCompact(ranked []datatypes.ScoredEntity) []string {
	primary, related := split(ranked)
	blocks := make([]string, 0, len(primary)+len(related)+2)
	blocks = append(blocks, "Relevant entities:")
	for _, se := range primary {
		blocks = append(blocks, entityLine(se))
	}
	if len(related) > 0 {
		blocks = append(blocks, "Related:")
		for _, se := range related {
			blocks = append(blocks, entityLine(se))
		}
	}
	return blocks
}

// renderDetailed emits a full block per primary entity with state, unit and
// attributes, then compact lines for the related set.
func (f *Formatter) renderDetailed(ranked []datatypes.ScoredEntity) []string {
	primary, related := split(ranked)
	blocks := make([]string, 0, len(primary)+len(related)+1)
	for _, se := range primary {
		blocks = append(blocks, detailedBlock(se))
	}
	if len(related) > 0 {
		blocks = append(blocks, "Related:")
		for _, se := range related {
			blocks = append(blocks, entityLine(se))
		}
	}
	return blocks
}

func detailedBlock(se datatypes.ScoredEntity) string {
	e := se.Entity
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n", e.DisplayLabel())
	fmt.Fprintf(&b, "id: %s\n", e.EntityID)
	fmt.Fprintf(&b, "domain: %s\n", e.Domain)
	if e.AreaName != "" {
		fmt.Fprintf(&b, "area: %s\n", e.AreaName)
	}
	if e.State != "" {
		b.WriteString("state: ")
		b.WriteString(e.State)
		if e.Unit != "" {
			b.WriteString(" ")
			b.WriteString(e.Unit)
		}
		b.WriteString("\n")
	}
	if e.DeviceClass != "" {
		fmt.Fprintf(&b, "class: %s\n", e.DeviceClass)
	}
	if len(e.Attributes) > 0 {
		keys := make([]string, 0, len(e.Attributes))
		for k := range e.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+e.Attributes[k])
		}
		fmt.Fprintf(&b, "attributes: %s\n", strings.Join(pairs, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderGrouped nests entities under their area, areas ordered by the rank
// of their best entity, entities within an area by rank then id.
func (f *Formatter) renderGrouped(ranked []datatypes.ScoredEntity) []string {
	type group struct {
		name    string
		members []datatypes.ScoredEntity
	}
	var order []string
	byArea := make(map[string]*group)
	for _, se := range ranked {
		key := se.Entity.AreaID
		name := se.Entity.AreaName
		if key == "" {
			key = "_unassigned"
			name = "Unassigned"
		}
		g, ok := byArea[key]
		if !ok {
			g = &group{name: name}
			byArea[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, se)
	}

	blocks := make([]string, 0, len(order))
	for _, key := range order {
		g := byArea[key]
		var b strings.Builder
		fmt.Fprintf(&b, "## %s\n", g.name)
		for _, se := range g.members {
			b.WriteString(entityLine(se))
			b.WriteString("\n")
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}
	return blocks
}

// renderTLDR emits one aggregate line per area: entity count and the domain
// spread, plus the top entity's current state as a taste of the room.
func (f *Formatter) renderTLDR(ranked []datatypes.ScoredEntity) []string {
	type agg struct {
		name    string
		count   int
		domains map[string]int
		sample  string
	}
	var order []string
	byArea := make(map[string]*agg)
	for _, se := range ranked {
		key := se.Entity.AreaID
		name := se.Entity.AreaName
		if key == "" {
			key = "_unassigned"
			name = "Unassigned"
		}
		a, ok := byArea[key]
		if !ok {
			a = &agg{name: name, domains: make(map[string]int)}
			byArea[key] = a
			order = append(order, key)
		}
		a.count++
		a.domains[se.Entity.Domain]++
		if a.sample == "" && se.Entity.State != "" {
			a.sample = se.Entity.DisplayLabel() + " " + se.Entity.State
			if se.Entity.Unit != "" {
				a.sample += " " + se.Entity.Unit
			}
		}
	}

	blocks := make([]string, 0, len(order)+1)
	blocks = append(blocks, "Home overview:")
	for _, key := range order {
		a := byArea[key]
		domains := make([]string, 0, len(a.domains))
		for d := range a.domains {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		line := fmt.Sprintf("- %s: %d entities (%s)", a.name, a.count, strings.Join(domains, ", "))
		if a.sample != "" {
			line += "; " + a.sample
		}
		blocks = append(blocks, line)
	}
	return blocks
}

// assemble joins blocks under the character budget, dropping whole trailing
// blocks rather than cutting mid-block. At least one block always survives;
// a first block that alone exceeds the budget is cut at the budget, since
// the cap is a ceiling the answering LLM's context window depends on.
func (f *Formatter) assemble(blocks []string) string {
	if len(blocks) == 0 {
		return EmptyResultMarker
	}
	var b strings.Builder
	for i, block := range blocks {
		extra := len(block)
		if i > 0 {
			extra++ // joining newline
		}
		if i > 0 && b.Len()+extra > f.config.MaxChars {
			break
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(block)
	}
	out := b.String()
	if len(out) > f.config.MaxChars {
		cut := f.config.MaxChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
