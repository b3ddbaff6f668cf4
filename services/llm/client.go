// Package llm provides the LLM backends the retrieval pipeline calls for
// query rewriting, scope classification, and conversation summarization.
package llm

import (
	"context"
	"fmt"
	"os"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// GenerateFunc adapts a plain function to the LLMClient interface. Used by
// tests and by stages that want a pre-bound model.
type GenerateFunc func(ctx context.Context, prompt string, params GenerationParams) (string, error)

func (f GenerateFunc) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return f(ctx, prompt, params)
}

// NewClientFromEnv builds the backend selected by LLM_PROVIDER:
// "local" (llama.cpp server), "ollama", "openai", or "anthropic".
func NewClientFromEnv() (LLMClient, error) {
	provider := os.Getenv("LLM_PROVIDER")
	if provider == "" {
		provider = "local"
	}
	switch provider {
	case "local":
		return NewLocalLlamaCppClient()
	case "ollama":
		return NewOllamaClient()
	case "openai":
		return NewOpenAIClient()
	case "anthropic":
		return NewAnthropicClient()
	default:
		return nil, fmt.Errorf("unknown LLM_PROVIDER %q", provider)
	}
}

// Float32Ptr returns a pointer to v, for building GenerationParams literals.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v, for building GenerationParams literals.
func IntPtr(v int) *int { return &v }
