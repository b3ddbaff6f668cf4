package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

type LocalLlamaCppClient struct {
	httpClient *http.Client
	baseURL    string
}

type localCompletionPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type localCompletionResponse struct {
	Content string `json:"content"`
}

func NewLocalLlamaCppClient() (*LocalLlamaCppClient, error) {
	baseURL := os.Getenv("LLM_SERVICE_URL_BASE")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

// Generate implements the LLMClient interface against a llama.cpp server's
// /completion endpoint.
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	payload := localCompletionPayload{
		Prompt:      prompt,
		NPredict:    512,
		Temperature: Float32Ptr(0.2),
		TopK:        IntPtr(20),
		TopP:        Float32Ptr(0.9),
	}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	}
	if len(params.Stop) > 0 {
		payload.Stop = params.Stop
	}

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/completion", bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request to llama.cpp: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("Calling llama.cpp completion", "url", l.baseURL)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama.cpp returned status %d: %s", resp.StatusCode, string(body))
	}

	var llmResponseBody localCompletionResponse
	if err := json.Unmarshal(body, &llmResponseBody); err != nil {
		return "", fmt.Errorf("failed to parse the llm response: %w", err)
	}
	return llmResponseBody.Content, nil
}
