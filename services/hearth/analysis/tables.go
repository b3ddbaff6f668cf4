// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis implements the deterministic conversation analyzer and
// the multilingual alias tables it matches against.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// aliasFile is the on-disk shape of the alias table:
// canonical id → language → alias surface forms. Inflected forms belong in
// the alias lists; matching does no stemming.
type aliasFile struct {
	Areas   map[string]map[string][]string `yaml:"areas"`
	Domains map[string]map[string][]string `yaml:"domains"`
}

// tableSnapshot is one immutable compiled table. Lookups are lowercase
// alias → canonical id.
type tableSnapshot struct {
	areaByAlias   map[string]string
	domainByAlias map[string]string

	// aliasesByArea supports the rewriter's topic-carry extraction: given a
	// canonical area, any alias can stand in for it.
	aliasesByArea map[string][]string
}

// Tables holds the live alias table with lock-free reads and hot reload.
//
// # Thread Safety
//
// Safe for concurrent use. Readers always see a complete snapshot; reload
// swaps the snapshot atomically.
type Tables struct {
	path     string
	snapshot atomic.Pointer[tableSnapshot]
}

// LoadTables reads and compiles the alias table at path.
func LoadTables(path string) (*Tables, error) {
	t := &Tables{path: path}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTablesFromMaps builds a Tables directly from alias maps
// (canonical id → language → aliases), bypassing the YAML file. Used by
// tests and by embedded defaults.
func NewTablesFromMaps(areas, domains map[string]map[string][]string) *Tables {
	t := &Tables{}
	t.snapshot.Store(compile(aliasFile{Areas: areas, Domains: domains}))
	return t
}

func (t *Tables) reload() error {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read alias table: %w", err)
	}
	var f aliasFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("failed to parse alias table: %w", err)
	}
	t.snapshot.Store(compile(f))
	return nil
}

func compile(f aliasFile) *tableSnapshot {
	s := &tableSnapshot{
		areaByAlias:   make(map[string]string),
		domainByAlias: make(map[string]string),
		aliasesByArea: make(map[string][]string),
	}
	for areaID, langs := range f.Areas {
		for _, aliases := range langs {
			for _, alias := range aliases {
				key := strings.ToLower(strings.TrimSpace(alias))
				if key == "" {
					continue
				}
				s.areaByAlias[key] = areaID
				s.aliasesByArea[areaID] = append(s.aliasesByArea[areaID], key)
			}
		}
	}
	for domain, langs := range f.Domains {
		for _, aliases := range langs {
			for _, alias := range aliases {
				key := strings.ToLower(strings.TrimSpace(alias))
				if key == "" {
					continue
				}
				s.domainByAlias[key] = domain
			}
		}
	}
	return s
}

// Watch reloads the table when the file changes, until ctx is cancelled.
// A reload failure keeps the previous snapshot.
func (t *Tables) Watch(ctx context.Context) error {
	if t.path == "" {
		return fmt.Errorf("alias table was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create alias table watcher: %w", err)
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch alias table: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.reload(); err != nil {
					slog.Error("Alias table reload failed, keeping previous table", "error", err)
					continue
				}
				slog.Info("Alias table reloaded", "path", t.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Alias table watcher error", "error", err)
			}
		}
	}()
	return nil
}

// MatchAreas returns the canonical area ids whose aliases occur in text,
// in order of first occurrence.
func (t *Tables) MatchAreas(text string) []string {
	return matchAliases(strings.ToLower(text), t.snapshot.Load().areaByAlias)
}

// MatchDomains returns the canonical domains whose aliases occur in text.
func (t *Tables) MatchDomains(text string) []string {
	return matchAliases(strings.ToLower(text), t.snapshot.Load().domainByAlias)
}

// AreaAliases returns the surface forms of a canonical area id.
func (t *Tables) AreaAliases(areaID string) []string {
	return t.snapshot.Load().aliasesByArea[areaID]
}

// matchAliases scans lowered for every alias, keeping first-occurrence
// order and deduplicating canonical ids. Longer aliases win over prefixes
// because the position of the earliest match decides order, not alias
// length.
func matchAliases(lowered string, byAlias map[string]string) []string {
	type hit struct {
		pos       int
		canonical string
	}
	best := make(map[string]int)
	for alias, canonical := range byAlias {
		pos := indexWord(lowered, alias)
		if pos < 0 {
			continue
		}
		if prev, ok := best[canonical]; !ok || pos < prev {
			best[canonical] = pos
		}
	}
	hits := make([]hit, 0, len(best))
	for canonical, pos := range best {
		hits = append(hits, hit{pos: pos, canonical: canonical})
	}
	// Insertion sort; the hit list is tiny.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.canonical)
	}
	return out
}

// indexWord finds alias in text at a word boundary, returning its byte
// position or -1. Boundary means the adjacent bytes are not letters, which
// is enough for the space-separated languages the tables carry.
func indexWord(text, alias string) int {
	start := 0
	for {
		idx := strings.Index(text[start:], alias)
		if idx < 0 {
			return -1
		}
		idx += start
		before := idx == 0 || !isLetter(text[idx-1])
		afterIdx := idx + len(alias)
		after := afterIdx >= len(text) || !isLetter(text[afterIdx])
		if before && after {
			return idx
		}
		start = idx + 1
		if start >= len(text) {
			return -1
		}
	}
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b >= 0x80
}
