// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crossencoder wraps the reranking sidecar, a small cross-encoder
// model that scores query/document pairs jointly.
package crossencoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// Scorer is the reranker's view of the cross-encoder.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Scorer interface {
	// Score returns one relevance score per document, same order as the
	// input. Scores are model-native logits; only their ordering matters.
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Client calls the cross-encoder sidecar over HTTP.
type Client struct {
	baseURL    string
	batchSize  int
	httpClient *http.Client
}

type scoreRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// NewClient builds the sidecar client from CROSSENCODER_SERVICE_URL and
// CROSSENCODER_BATCH_SIZE. The HTTP timeout is intentionally tight; the
// reranker falls back to retrieval scores when the sidecar is slow.
func NewClient() *Client {
	baseURL := os.Getenv("CROSSENCODER_SERVICE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:12330"
	}
	batchSize := 32
	if v := os.Getenv("CROSSENCODER_BATCH_SIZE"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &batchSize); err != nil || batchSize < 1 {
			slog.Warn("Invalid CROSSENCODER_BATCH_SIZE, using default", "provided", v, "default", 32)
			batchSize = 32
		}
	}
	return &Client{
		baseURL:    baseURL,
		batchSize:  batchSize,
		httpClient: &http.Client{Timeout: 1500 * time.Millisecond},
	}
}

// Score implements Scorer, splitting the documents into sidecar-sized
// batches. A failure in any batch fails the whole call; partial scores are
// worse than none because the reranker compares them against each other.
func (c *Client) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	scores := make([]float64, 0, len(documents))
	for start := 0; start < len(documents); start += c.batchSize {
		end := start + c.batchSize
		if end > len(documents) {
			end = len(documents)
		}
		batchScores, err := c.scoreBatch(ctx, query, documents[start:end])
		if err != nil {
			return nil, err
		}
		scores = append(scores, batchScores...)
	}
	return scores, nil
}

func (c *Client) scoreBatch(ctx context.Context, query string, documents []string) ([]float64, error) {
	body, err := json.Marshal(scoreRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cross-encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("cross-encoder returned %d: %s", resp.StatusCode, string(payload))
	}

	var parsed scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode cross-encoder response: %w", err)
	}
	if len(parsed.Scores) != len(documents) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d documents", len(parsed.Scores), len(documents))
	}
	return parsed.Scores, nil
}
