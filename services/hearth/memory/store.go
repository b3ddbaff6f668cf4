// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory implements the per-session conversation memory: a TTL
// keyed store of previously surfaced entities, read by the reranker and
// written at end of request, plus the fire-and-forget enricher that
// summarizes turns into it.
//
// The store is process-local and unreplicated; an optional Redis mirror
// provides best-effort warm-up across restarts, never consistency.
package memory

import (
	"context"
	"hash/fnv"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Clock abstracts time for TTL tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// EntityRecord tracks one previously surfaced entity within a session.
type EntityRecord struct {
	// LastSeenTurn is the conversation turn count at which the entity was
	// last surfaced.
	LastSeenTurn int `json:"last_seen_turn"`

	// LastSeen is the wall-clock time of the last surfacing.
	LastSeen time.Time `json:"last_seen"`

	// BoostCount counts how many turns have surfaced the entity.
	BoostCount int `json:"boost_count"`
}

// Entry is the memory value for one session.
type Entry struct {
	SessionID string `json:"session_id"`

	// Entities maps entity id to its record.
	Entities map[string]EntityRecord `json:"entities"`

	// Summary is the enricher's short summary of the previous turn.
	Summary string `json:"summary,omitempty"`

	// TurnCount is the number of requests recorded for the session.
	TurnCount int `json:"turn_count"`

	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Config holds the memory store settings.
type Config struct {
	// TTL evicts entries idle longer than this. Default 900s.
	TTL time.Duration

	// MaxEntriesPerSession bounds the entity map; oldest-seen entries are
	// evicted first. Default 64.
	MaxEntriesPerSession int

	// SweepInterval is the periodic sweeper tick. Default 60s.
	SweepInterval time.Duration
}

// DefaultConfig returns the memory configuration from the environment.
func DefaultConfig() Config {
	return Config{
		TTL:                  time.Duration(getEnvInt("HEARTH_MEMORY_TTL_SECONDS", 900)) * time.Second,
		MaxEntriesPerSession: getEnvInt("HEARTH_MEMORY_MAX_ENTRIES", 64),
		SweepInterval:        time.Duration(getEnvInt("HEARTH_MEMORY_SWEEP_SECONDS", 60)) * time.Second,
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

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// Store is the TTL conversation memory.
//
// # Thread Safety
//
// Safe for concurrent use. Sessions are sharded by id hash; each shard has
// its own lock, so unrelated sessions never contend.
type Store struct {
	config Config
	clock  Clock
	shards [shardCount]*shard
	mirror *Mirror

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStore creates the memory store. clock may be nil (system clock);
// mirror may be nil (process-local only).
func NewStore(config Config, clock Clock, mirror *Mirror) *Store {
	defaults := DefaultConfig()
	if config.TTL <= 0 {
		config.TTL = defaults.TTL
	}
	if config.MaxEntriesPerSession <= 0 {
		config.MaxEntriesPerSession = defaults.MaxEntriesPerSession
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &Store{config: config, clock: clock, mirror: mirror, done: make(chan struct{})}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*Entry)}
	}
	return s
}

func (s *Store) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return s.shards[h.Sum32()%shardCount]
}

// Get returns a copy of the session's entry, refreshing its last access.
// Expired entries are evicted and reported as absent; on a local miss the
// Redis mirror is consulted when configured.
func (s *Store) Get(ctx context.Context, sessionID string) (*Entry, bool) {
	now := s.clock.Now()
	sh := s.shardFor(sessionID)

	sh.mu.Lock()
	entry, ok := sh.entries[sessionID]
	if ok && now.Sub(entry.LastAccess) > s.config.TTL {
		delete(sh.entries, sessionID)
		ok = false
	}
	if ok {
		entry.LastAccess = now
		snapshot := copyEntry(entry)
		sh.mu.Unlock()
		return snapshot, true
	}
	sh.mu.Unlock()

	if s.mirror != nil {
		if restored := s.mirror.Load(ctx, sessionID); restored != nil && now.Sub(restored.LastAccess) <= s.config.TTL {
			restored.LastAccess = now
			sh.mu.Lock()
			sh.entries[sessionID] = restored
			snapshot := copyEntry(restored)
			sh.mu.Unlock()
			slog.Debug("Session memory restored from mirror", "sessionID", sessionID)
			return snapshot, true
		}
	}
	return nil, false
}

// RecordSurfaced notes the entities surfaced for a session this turn.
// Called once at end of request, after diagnostics.
func (s *Store) RecordSurfaced(ctx context.Context, sessionID string, entityIDs []string) {
	now := s.clock.Now()
	sh := s.shardFor(sessionID)

	sh.mu.Lock()
	entry, ok := sh.entries[sessionID]
	if ok && now.Sub(entry.LastAccess) > s.config.TTL {
		entry = nil
		ok = false
	}
	if !ok {
		entry = &Entry{
			SessionID: sessionID,
			Entities:  make(map[string]EntityRecord),
			CreatedAt: now,
		}
		sh.entries[sessionID] = entry
	}
	entry.TurnCount++
	entry.LastAccess = now
	for _, id := range entityIDs {
		rec := entry.Entities[id]
		rec.LastSeenTurn = entry.TurnCount
		rec.LastSeen = now
		rec.BoostCount++
		entry.Entities[id] = rec
	}
	s.evictOverflow(entry)
	snapshot := copyEntry(entry)
	sh.mu.Unlock()

	if s.mirror != nil {
		s.mirror.StoreAsync(ctx, snapshot, s.config.TTL)
	}
}

// SetSummary attaches the enricher's summary to a session, creating the
// entry if the session has already expired.
func (s *Store) SetSummary(ctx context.Context, sessionID, summary string) {
	now := s.clock.Now()
	sh := s.shardFor(sessionID)

	sh.mu.Lock()
	entry, ok := sh.entries[sessionID]
	if !ok || now.Sub(entry.LastAccess) > s.config.TTL {
		entry = &Entry{
			SessionID: sessionID,
			Entities:  make(map[string]EntityRecord),
			CreatedAt: now,
		}
		sh.entries[sessionID] = entry
	}
	entry.Summary = summary
	entry.LastAccess = now
	snapshot := copyEntry(entry)
	sh.mu.Unlock()

	if s.mirror != nil {
		s.mirror.StoreAsync(ctx, snapshot, s.config.TTL)
	}
}

// evictOverflow trims the entity map to MaxEntriesPerSession, dropping the
// records seen longest ago. Caller holds the shard lock.
func (s *Store) evictOverflow(entry *Entry) {
	excess := len(entry.Entities) - s.config.MaxEntriesPerSession
	if excess <= 0 {
		return
	}
	type aged struct {
		id   string
		turn int
	}
	all := make([]aged, 0, len(entry.Entities))
	for id, rec := range entry.Entities {
		all = append(all, aged{id: id, turn: rec.LastSeenTurn})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].turn != all[j].turn {
			return all[i].turn < all[j].turn
		}
		return all[i].id < all[j].id
	})
	for i := 0; i < excess; i++ {
		delete(entry.Entities, all[i].id)
	}
}

// StartSweeper launches the periodic expiry sweep. Stop with Close.
func (s *Store) StartSweeper() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				evicted := s.sweep()
				if evicted > 0 {
					slog.Debug("Conversation memory sweep", "evicted", evicted)
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (s *Store) Close() {
	close(s.done)
	s.wg.Wait()
}

// sweep evicts every expired entry, returning the eviction count.
func (s *Store) sweep() int {
	now := s.clock.Now()
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, entry := range sh.entries {
			if now.Sub(entry.LastAccess) > s.config.TTL {
				delete(sh.entries, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Len returns the live session count, for metrics.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func copyEntry(e *Entry) *Entry {
	out := *e
	out.Entities = make(map[string]EntityRecord, len(e.Entities))
	for id, rec := range e.Entities {
		out.Entities[id] = rec
	}
	return &out
}
