// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding abstracts the embedding backend behind a single client
// interface so the retrieval pipeline never knows which model produced its
// vectors.
//
// Three implementations exist, selected by EMBEDDING_BACKEND:
//
//   - "local":    HTTP sidecar running the embedding model in-cluster
//   - "openai": OpenAI embeddings API
//   - "huggingface": Hugging Face inference API
//
// All implementations produce vectors of the configured dimension; the
// service refuses to start when a backend disagrees with
// EMBEDDING_DIMENSION.
package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Kind distinguishes query-side from document-side embedding requests.
// Asymmetric models prefix the text differently per side.
type Kind string

const (
	KindQuery    Kind = "query"
	KindDocument Kind = "document"
)

// Client is the embedding backend contract.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the retrieval pipeline
// fans out per-variant embedding calls.
type Client interface {
	// Embed computes one vector per input text. The returned slice has the
	// same length and order as texts; every vector has Dimension() entries.
	Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error)

	// Dimension returns the configured vector dimension.
	Dimension() int

	// Name returns the backend selector this client was built for.
	Name() string
}

// Config holds the backend-independent embedding settings.
type Config struct {
	// Backend selects the implementation: local, openai, huggingface.
	// Default: "local" (EMBEDDING_BACKEND).
	Backend string

	// Dimension is the process-wide vector dimension, validated against the
	// index at startup. Default: 768 (EMBEDDING_DIMENSION).
	Dimension int

	// RequestsPerSecond rate-limits remote backends. Default: 8
	// (EMBEDDING_RATE_LIMIT_RPS). Local backends are not limited.
	RequestsPerSecond float64

	// MaxRetries bounds retry attempts on 429/5xx. Default: 3.
	MaxRetries int
}

// DefaultConfig returns the embedding configuration from the environment.
func DefaultConfig() Config {
	return Config{
		Backend:           getEnvString("EMBEDDING_BACKEND", "local"),
		Dimension:         getEnvInt("EMBEDDING_DIMENSION", 768),
		RequestsPerSecond: getEnvFloat("EMBEDDING_RATE_LIMIT_RPS", 8),
		MaxRetries:        getEnvInt("EMBEDDING_MAX_RETRIES", 3),
	}
}

// NewClient builds the configured backend.
//
// # Outputs
//
//   - Client: Ready to use backend.
//   - error: Non-nil for an unknown backend selector or missing credentials.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Backend {
	case "local":
		return NewLocalClient(cfg)
	case "openai":
		return NewOpenAIClient(cfg)
	case "huggingface":
		return NewHuggingFaceClient(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q (want local, openai, or huggingface)", cfg.Backend)
	}
}

// VerifyDimension embeds a canary string and fails when the backend's output
// does not match the configured dimension. Called once at startup; a
// mismatch is fatal by contract.
func VerifyDimension(ctx context.Context, client Client) error {
	vectors, err := client.Embed(ctx, []string{"dimension probe"}, KindQuery)
	if err != nil {
		return fmt.Errorf("embedding backend %s unreachable: %w", client.Name(), err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedding backend %s returned %d vectors for one input", client.Name(), len(vectors))
	}
	if got := len(vectors[0]); got != client.Dimension() {
		return fmt.Errorf("embedding backend %s produces dimension %d, configured dimension is %d",
			client.Name(), got, client.Dimension())
	}
	return nil
}

// =============================================================================
// Retry / rate limiting shared by the remote backends
// =============================================================================

// retryableError marks a transient backend failure worth retrying.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// markRetryable wraps err so withRetries attempts it again.
func markRetryable(err error) error {
	return &retryableError{err: err}
}

// withRetries runs fn up to maxRetries+1 times, waiting on the rate limiter
// before every attempt and backing off exponentially (with jitter) between
// attempts. Non-retryable errors abort immediately.
func withRetries(ctx context.Context, limiter *rate.Limiter, maxRetries int, fn func(context.Context) error) error {
	var lastErr error
	delay := 500 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying embedding request", "attempt", attempt, "delay", delay, "lastError", lastErr)
			jitter := time.Duration(rand.Int63n(int64(delay) / 4))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if _, ok := err.(*retryableError); !ok {
			return err
		}
	}
	return fmt.Errorf("embedding request failed after %d attempts: %w", maxRetries+1, lastErr)
}

// =============================================================================
// Env helpers
// =============================================================================

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}
