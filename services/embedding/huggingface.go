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

	"golang.org/x/time/rate"
)

// HuggingFaceClient is the "huggingface" backend: the Hugging Face inference
// API's feature-extraction pipeline.
//
// Asymmetric retrieval models on this backend expect an instruction prefix on
// the query side; documents are embedded bare. The prefix is configurable
// because it is model-specific.
type HuggingFaceClient struct {
	endpoint    string
	apiKey      string
	queryPrefix string
	dimension   int
	maxRetries  int
	limiter     *rate.Limiter
	httpClient  *http.Client
}

// hfEmbedRequest is the feature-extraction request body.
type hfEmbedRequest struct {
	Inputs []string `json:"inputs"`
}

// NewHuggingFaceClient builds the huggingface backend from HF_API_KEY,
// HF_EMBEDDING_ENDPOINT, and HF_QUERY_PREFIX.
func NewHuggingFaceClient(cfg Config) (*HuggingFaceClient, error) {
	apiKey := getEnvString("HF_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("HF_API_KEY is required for the huggingface embedding backend")
	}
	endpoint := getEnvString("HF_EMBEDDING_ENDPOINT",
		"https://api-inference.huggingface.co/pipeline/feature-extraction/sentence-transformers/all-mpnet-base-v2")

	return &HuggingFaceClient{
		endpoint:    endpoint,
		apiKey:      apiKey,
		queryPrefix: getEnvString("HF_QUERY_PREFIX", ""),
		dimension:   cfg.Dimension,
		maxRetries:  cfg.MaxRetries,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *HuggingFaceClient) Name() string   { return "huggingface" }
func (c *HuggingFaceClient) Dimension() int { return c.dimension }

// Embed sends the batch to the inference endpoint. Query-side texts get the
// configured instruction prefix.
func (c *HuggingFaceClient) Embed(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	inputs := texts
	if kind == KindQuery && c.queryPrefix != "" {
		inputs = make([]string, len(texts))
		for i, t := range texts {
			inputs[i] = c.queryPrefix + t
		}
	}

	body, err := json.Marshal(hfEmbedRequest{Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	var vectors [][]float32
	err = withRetries(ctx, c.limiter, c.maxRetries, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return markRetryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("inference API returned %d: %s", resp.StatusCode, string(payload))
			// 503 also covers cold model loading on this API.
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return markRetryable(err)
			}
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
			return fmt.Errorf("failed to decode embedding response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("inference API returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}
