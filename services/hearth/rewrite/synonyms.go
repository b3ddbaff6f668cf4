// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rewrite turns the raw latest user turn into a self-contained
// query (rewriter) and fans it out into retrieval variants (expander).
package rewrite

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SynonymCategory is one of the six fixed semantic categories the expander
// knows about.
type SynonymCategory struct {
	// Triggers activate the category when any of them occurs in the query.
	Triggers []string `yaml:"triggers"`

	// Synonyms are substituted for the matched trigger, one variant each.
	Synonyms []string `yaml:"synonyms"`
}

// SynonymTable is the expander's static configuration.
type SynonymTable struct {
	Categories map[string]SynonymCategory `yaml:"categories"`

	// Translations are bilingual pairs applied in both directions.
	Translations [][]string `yaml:"translations"`

	// Templates are paraphrase patterns; %s receives the whole query.
	Templates []string `yaml:"templates"`
}

// expectedCategories are the semantic categories the table must define.
var expectedCategories = []string{
	"temperature", "humidity", "light", "energy", "security", "climate",
}

// LoadSynonymTable reads and validates the synonym table at path.
func LoadSynonymTable(path string) (*SynonymTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read synonym table: %w", err)
	}
	var table SynonymTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse synonym table: %w", err)
	}
	for _, name := range expectedCategories {
		if _, ok := table.Categories[name]; !ok {
			return nil, fmt.Errorf("synonym table is missing category %q", name)
		}
	}
	for i, pair := range table.Translations {
		if len(pair) != 2 {
			return nil, fmt.Errorf("translation pair %d has %d elements, want 2", i, len(pair))
		}
	}
	return &table, nil
}
