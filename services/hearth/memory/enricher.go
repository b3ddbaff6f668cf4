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
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/HearthRAG/services/llm"
)

// Snapshot is the end-of-request payload handed to the enricher.
type Snapshot struct {
	SessionID      string
	RewrittenQuery string
	TopEntities    []string
	Timings        map[string]time.Duration
}

// EnricherConfig controls the background enrichment pool.
type EnricherConfig struct {
	// QueueCapacity bounds pending snapshots. Default 1024.
	QueueCapacity int

	// Workers is the drain pool size. Default 2.
	Workers int

	// SummaryTimeout bounds each LLM summary call. Default 10s.
	SummaryTimeout time.Duration
}

// DefaultEnricherConfig returns the enricher configuration from the
// environment.
func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{
		QueueCapacity:  getEnvInt("HEARTH_ENRICHER_QUEUE_CAPACITY", 1024),
		Workers:        getEnvInt("HEARTH_ENRICHER_WORKERS", 2),
		SummaryTimeout: time.Duration(getEnvInt("HEARTH_ENRICHER_SUMMARY_TIMEOUT_MS", 10000)) * time.Millisecond,
	}
}

// Enricher asynchronously summarizes finished turns into conversation
// memory.
//
// # Description
//
// Enqueue never blocks the request path: when the queue is full the oldest
// pending snapshot is dropped and counted. Workers call the LLM for a short
// summary and write it into the store; the next turn's analyzer picks it
// up. Failures are logged and dropped; enrichment is an optimization, not a
// contract.
type Enricher struct {
	config EnricherConfig
	store  *Store
	llm    llm.LLMClient

	queue   chan Snapshot
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewEnricher creates the enricher. llmClient may be nil; snapshots are
// then consumed without producing summaries.
func NewEnricher(config EnricherConfig, store *Store, llmClient llm.LLMClient) *Enricher {
	defaults := DefaultEnricherConfig()
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.SummaryTimeout <= 0 {
		config.SummaryTimeout = defaults.SummaryTimeout
	}
	return &Enricher{
		config: config,
		store:  store,
		llm:    llmClient,
		queue:  make(chan Snapshot, config.QueueCapacity),
		done:   make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Enricher) Start() {
	e.startOnce.Do(func() {
		for i := 0; i < e.config.Workers; i++ {
			e.wg.Add(1)
			go e.worker()
		}
		slog.Info("Async enricher started", "workers", e.config.Workers, "queueCapacity", e.config.QueueCapacity)
	})
}

// Enqueue hands a snapshot to the pool without blocking. When the queue is
// full, the oldest pending snapshot is dropped to make room.
func (e *Enricher) Enqueue(snapshot Snapshot) {
	for {
		select {
		case e.queue <- snapshot:
			return
		default:
		}
		select {
		case <-e.queue:
			e.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many snapshots were dropped to queue pressure.
func (e *Enricher) Dropped() int64 {
	return e.dropped.Load()
}

// Stop drains in-flight work, waiting at most grace for the workers.
func (e *Enricher) Stop(grace time.Duration) {
	e.stopOnce.Do(func() {
		close(e.done)
		finished := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(grace):
			slog.Warn("Enricher stop timed out, abandoning workers", "pending", len(e.queue))
		}
	})
}

func (e *Enricher) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case snapshot := <-e.queue:
			e.process(snapshot)
		}
	}
}

const summaryPromptTemplate = `Summarize this smart-home query and its result in one short sentence,
keeping the query's language. Mention the main entities.

Query: %s
Entities: %s

Summary:`

func (e *Enricher) process(snapshot Snapshot) {
	if e.llm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.SummaryTimeout)
	defer cancel()

	prompt := fmt.Sprintf(summaryPromptTemplate, snapshot.RewrittenQuery, strings.Join(snapshot.TopEntities, ", "))
	summary, err := e.llm.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.2),
		MaxTokens:   llm.IntPtr(96),
		Stop:        []string{"\n"},
	})
	if err != nil {
		slog.Debug("Enricher summary failed", "error", err, "sessionID", snapshot.SessionID)
		return
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return
	}
	e.store.SetSummary(ctx, snapshot.SessionID, summary)
}
