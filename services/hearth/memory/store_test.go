// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/HearthRAG/services/llm"
)

// fixedClock is an adjustable test clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore_RecordAndGet(t *testing.T) {
	clock := newFixedClock()
	store := NewStore(DefaultConfig(), clock, nil)

	store.RecordSurfaced(context.Background(), "s1", []string{"sensor.a", "light.b"})

	entry, ok := store.Get(context.Background(), "s1")
	if !ok {
		t.Fatal("expected entry for s1")
	}
	if entry.TurnCount != 1 {
		t.Errorf("TurnCount = %d, want 1", entry.TurnCount)
	}
	rec, ok := entry.Entities["sensor.a"]
	if !ok || rec.BoostCount != 1 || rec.LastSeenTurn != 1 {
		t.Errorf("unexpected record: %+v", rec)
	}

	// A second turn increments counters.
	store.RecordSurfaced(context.Background(), "s1", []string{"sensor.a"})
	entry, _ = store.Get(context.Background(), "s1")
	if entry.Entities["sensor.a"].BoostCount != 2 {
		t.Errorf("BoostCount = %d, want 2", entry.Entities["sensor.a"].BoostCount)
	}
	if entry.Entities["light.b"].LastSeenTurn != 1 {
		t.Error("untouched entity must keep its last-seen turn")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	clock := newFixedClock()
	store := NewStore(Config{TTL: 900 * time.Second}, clock, nil)

	store.RecordSurfaced(context.Background(), "s1", []string{"sensor.a"})

	clock.Advance(899 * time.Second)
	if _, ok := store.Get(context.Background(), "s1"); !ok {
		t.Fatal("entry must survive within TTL")
	}

	// The Get above refreshed last access; expire from there.
	clock.Advance(901 * time.Second)
	if _, ok := store.Get(context.Background(), "s1"); ok {
		t.Fatal("expired entry must not be returned")
	}
	if store.Len() != 0 {
		t.Error("expired entry must be evicted on read")
	}
}

func TestStore_PeriodicSweep(t *testing.T) {
	clock := newFixedClock()
	store := NewStore(Config{TTL: 100 * time.Second}, clock, nil)

	store.RecordSurfaced(context.Background(), "s1", []string{"a"})
	store.RecordSurfaced(context.Background(), "s2", []string{"b"})
	clock.Advance(101 * time.Second)
	store.RecordSurfaced(context.Background(), "s3", []string{"c"})

	if evicted := store.sweep(); evicted != 2 {
		t.Errorf("sweep evicted %d, want 2", evicted)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestStore_MaxEntriesEviction(t *testing.T) {
	clock := newFixedClock()
	store := NewStore(Config{TTL: time.Hour, MaxEntriesPerSession: 3}, clock, nil)

	store.RecordSurfaced(context.Background(), "s1", []string{"a", "b"})
	store.RecordSurfaced(context.Background(), "s1", []string{"c", "d"})

	entry, _ := store.Get(context.Background(), "s1")
	if len(entry.Entities) != 3 {
		t.Fatalf("expected 3 entities after eviction, got %d", len(entry.Entities))
	}
	// Turn-1 entities go first; "a" sorts before "b".
	if _, ok := entry.Entities["a"]; ok {
		t.Error("oldest-seen entity must be evicted first")
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	store := NewStore(DefaultConfig(), newFixedClock(), nil)
	store.RecordSurfaced(context.Background(), "s1", []string{"a"})

	entry, _ := store.Get(context.Background(), "s1")
	entry.Entities["injected"] = EntityRecord{}

	fresh, _ := store.Get(context.Background(), "s1")
	if _, ok := fresh.Entities["injected"]; ok {
		t.Error("Get must return a copy, not the live entry")
	}
}

func TestStore_RedisMirrorRestoresAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mirror := NewMirror(client)

	clock := newFixedClock()
	first := NewStore(DefaultConfig(), clock, mirror)
	first.RecordSurfaced(context.Background(), "s1", []string{"sensor.a"})

	// The mirror write is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists("hearth:memory:s1") == false && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !mr.Exists("hearth:memory:s1") {
		t.Fatal("mirror write did not land")
	}

	// A fresh store (simulated restart) warms up from the mirror.
	second := NewStore(DefaultConfig(), clock, mirror)
	entry, ok := second.Get(context.Background(), "s1")
	if !ok {
		t.Fatal("expected mirror restore")
	}
	if _, ok := entry.Entities["sensor.a"]; !ok {
		t.Errorf("restored entry lost its entities: %+v", entry)
	}
}

func TestEnricher_WritesSummary(t *testing.T) {
	store := NewStore(DefaultConfig(), newFixedClock(), nil)
	fake := llm.GenerateFunc(func(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
		return "A nappaliban 23 fok van.", nil
	})

	enricher := NewEnricher(EnricherConfig{Workers: 1, QueueCapacity: 4}, store, fake)
	enricher.Start()
	defer enricher.Stop(time.Second)

	enricher.Enqueue(Snapshot{
		SessionID:      "s1",
		RewrittenQuery: "hány fok van a nappaliban?",
		TopEntities:    []string{"sensor.living_room_temp"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := store.Get(context.Background(), "s1"); ok && entry.Summary != "" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("summary never landed in memory")
}

func TestEnricher_DropsOldestWhenFull(t *testing.T) {
	store := NewStore(DefaultConfig(), newFixedClock(), nil)
	enricher := NewEnricher(EnricherConfig{Workers: 1, QueueCapacity: 2}, store, nil)
	// Workers not started: the queue only fills.

	for i := 0; i < 5; i++ {
		enricher.Enqueue(Snapshot{SessionID: fmt.Sprintf("s%d", i)})
	}
	if enricher.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", enricher.Dropped())
	}
}

func TestDefaultConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_MEMORY_TTL_SECONDS", "120")
	t.Setenv("HEARTH_MEMORY_MAX_ENTRIES", "16")
	t.Setenv("HEARTH_ENRICHER_WORKERS", "5")

	cfg := DefaultConfig()
	if cfg.TTL != 120*time.Second {
		t.Errorf("TTL = %s, want 120s", cfg.TTL)
	}
	if cfg.MaxEntriesPerSession != 16 {
		t.Errorf("MaxEntriesPerSession = %d, want 16", cfg.MaxEntriesPerSession)
	}
	ecfg := DefaultEnricherConfig()
	if ecfg.Workers != 5 {
		t.Errorf("Workers = %d, want 5", ecfg.Workers)
	}
}
