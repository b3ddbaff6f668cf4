package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientFromEnv_ProviderSwitch(t *testing.T) {
	t.Setenv("LLM_SERVICE_URL_BASE", "http://llm:8080")

	tests := []struct {
		provider string
		wantErr  bool
	}{
		{"", false}, // defaults to local
		{"local", false},
		{"made-up", true},
	}
	for _, tc := range tests {
		t.Setenv("LLM_PROVIDER", tc.provider)
		client, err := NewClientFromEnv()
		if tc.wantErr {
			assert.Error(t, err, "provider %q", tc.provider)
			continue
		}
		require.NoError(t, err, "provider %q", tc.provider)
		assert.NotNil(t, client)
	}
}

func TestNewLocalLlamaCppClient_RequiresBaseURL(t *testing.T) {
	t.Setenv("LLM_SERVICE_URL_BASE", "")
	_, err := NewLocalLlamaCppClient()
	require.Error(t, err)
}

func TestLocalLlamaCppClient_Generate(t *testing.T) {
	var got localCompletionPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/completion", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(localCompletionResponse{Content: "a rewritten query"})
	}))
	defer server.Close()

	t.Setenv("LLM_SERVICE_URL_BASE", server.URL+"/")
	client, err := NewLocalLlamaCppClient()
	require.NoError(t, err)

	out, err := client.Generate(context.Background(), "rewrite this",
		GenerationParams{MaxTokens: IntPtr(64), Stop: []string{"\n"}})
	require.NoError(t, err)
	assert.Equal(t, "a rewritten query", out)

	assert.Equal(t, "rewrite this", got.Prompt)
	assert.Equal(t, 64, got.NPredict)
	assert.Equal(t, []string{"\n"}, got.Stop)
	require.NotNil(t, got.Temperature, "defaults must be applied when params omit them")
	assert.InDelta(t, 0.2, float64(*got.Temperature), 1e-6)
}

func TestLocalLlamaCppClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	t.Setenv("LLM_SERVICE_URL_BASE", server.URL)
	client, err := NewLocalLlamaCppClient()
	require.NoError(t, err)

	_, err = client.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestGenerateFunc_Adapts(t *testing.T) {
	fn := GenerateFunc(func(_ context.Context, prompt string, _ GenerationParams) (string, error) {
		return "echo: " + prompt, nil
	})
	var client LLMClient = fn

	out, err := client.Generate(context.Background(), "ping", GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", out)
}
