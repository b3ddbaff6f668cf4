// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalClient talks to the in-cluster embedding sidecar over HTTP. The
// sidecar serves a single model and accepts batches; there is no rate limit
// because the sidecar is the only consumer-facing bottleneck.
type LocalClient struct {
	baseURL    string
	dimension  int
	maxRetries int
	httpClient *http.Client
}

// localEmbedRequest is the sidecar's batch request body.
type localEmbedRequest struct {
	Texts []string `json:"texts"`
	Kind  string   `json:"kind"`
}

// localEmbedResponse is the sidecar's batch response body.
type localEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewLocalClient builds a client for the embedding sidecar named by
// EMBEDDING_SERVICE_URL.
func NewLocalClient(cfg Config) (*LocalClient, error) {
	baseURL := getEnvString("EMBEDDING_SERVICE_URL", "http://localhost:12320")
	return &LocalClient{
		baseURL:    baseURL,
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *LocalClient) Name() string   { return "local" }
func (c *LocalClient) Dimension() int { return c.dimension }

// Embed sends the batch to the sidecar's /embed endpoint.
func (c *LocalClient) Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(localEmbedRequest{Texts: texts, Kind: string(kind)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	var vectors [][]float32
	err = withRetries(ctx, nil, c.maxRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return markRetryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("embedding sidecar returned %d: %s", resp.StatusCode, string(payload))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return markRetryable(err)
			}
			return err
		}

		var parsed localEmbedResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("failed to decode embedding response: %w", err)
		}
		vectors = parsed.Embeddings
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding sidecar returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}
