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
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// OpenAIClient is the "openai" backend: OpenAI's embeddings API.
//
// The Dimensions request parameter pins the output width so the backend
// matches the index regardless of the model's native dimension.
type OpenAIClient struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimension  int
	maxRetries int
	limiter    *rate.Limiter
}

// NewOpenAIClient builds the openai backend from OPENAI_API_KEY and
// OPENAI_EMBEDDING_MODEL.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey := getEnvString("OPENAI_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai embedding backend")
	}
	model := getEnvString("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small")

	return &OpenAIClient{
		client:     openai.NewClient(apiKey),
		model:      openai.EmbeddingModel(model),
		dimension:  cfg.Dimension,
		maxRetries: cfg.MaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

func (c *OpenAIClient) Name() string   { return "openai" }
func (c *OpenAIClient) Dimension() int { return c.dimension }

// Embed calls the embeddings API with the whole batch in one request. Query
// and document sides use the same representation on this backend; kind is
// accepted for interface symmetry.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string, _ Kind) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float32
	err := withRetries(ctx, c.limiter, c.maxRetries, func(ctx context.Context) error {
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input:      texts,
			Model:      c.model,
			Dimensions: c.dimension,
		})
		if err != nil {
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500 {
					return markRetryable(err)
				}
				return err
			}
			// Transport-level failures are worth retrying.
			return markRetryable(err)
		}

		vectors = make([][]float32, len(resp.Data))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(vectors) {
				return fmt.Errorf("embeddings response index %d out of range", d.Index)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embeddings response missing vector for input %d", i)
		}
	}
	return vectors, nil
}
