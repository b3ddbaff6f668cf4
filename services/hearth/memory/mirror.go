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
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mirror is the optional Redis persistence layer behind the process-local
// store. It is strictly best-effort: a write failure is logged and
// forgotten, a read failure is a miss. The local map stays authoritative;
// the mirror only warms sessions back up after a restart.
type Mirror struct {
	client *redis.Client
}

// NewMirrorFromEnv returns a Mirror when MEMORY_REDIS_ADDR is set, else
// nil. A nil Mirror is valid everywhere and means process-local only.
func NewMirrorFromEnv() *Mirror {
	addr := os.Getenv("MEMORY_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("MEMORY_REDIS_PASSWORD"),
		DB:       0,
	})
	slog.Info("Conversation memory mirror enabled", "addr", addr)
	return &Mirror{client: client}
}

// NewMirror wraps an existing Redis client, for tests.
func NewMirror(client *redis.Client) *Mirror {
	return &Mirror{client: client}
}

func mirrorKey(sessionID string) string {
	return "hearth:memory:" + sessionID
}

// Load fetches a session entry, returning nil on any failure.
func (m *Mirror) Load(ctx context.Context, sessionID string) *Entry {
	raw, err := m.client.Get(ctx, mirrorKey(sessionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("Memory mirror read failed", "error", err, "sessionID", sessionID)
		}
		return nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("Memory mirror entry corrupt, discarding", "error", err, "sessionID", sessionID)
		return nil
	}
	return &entry
}

// StoreAsync writes the entry in a detached goroutine so the request path
// never waits on Redis.
func (m *Mirror) StoreAsync(ctx context.Context, entry *Entry, ttl time.Duration) {
	go func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		raw, err := json.Marshal(entry)
		if err != nil {
			slog.Warn("Memory mirror marshal failed", "error", err)
			return
		}
		if err := m.client.Set(writeCtx, mirrorKey(entry.SessionID), raw, ttl).Err(); err != nil {
			slog.Warn("Memory mirror write failed", "error", err, "sessionID", entry.SessionID)
		}
	}()
}

// Close releases the Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}
