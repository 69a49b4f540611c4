package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
)

func TestSummarizeUsesRemoteWhenConfigured(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel, _ = req["model"].(string)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": " Rewired the retry path. "}},
			},
		})
	}))
	defer srv.Close()

	c := New(config.LLMConfig{Model: "gpt-4o-mini", BaseURL: srv.URL, APIKey: "sk-test"}, nil)

	out, err := c.Summarize(context.Background(), "Long session transcript about retry handling.")
	require.NoError(t, err)
	assert.Equal(t, "Rewired the retry path.", out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-4o-mini", gotModel)
}

func TestSummarizeDegradesWithoutEndpoint(t *testing.T) {
	c := New(config.LLMConfig{}, nil)

	out, err := c.Summarize(context.Background(),
		"First thing happened. Second thing happened. Third thing happened. Fourth thing is dropped.")
	require.NoError(t, err)
	assert.Equal(t, "First thing happened. Second thing happened. Third thing happened.", out)
}

func TestSummarizeDegradesOnRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(config.LLMConfig{Model: "gpt-4o-mini", BaseURL: srv.URL}, nil)

	out, err := c.Summarize(context.Background(), "Only sentence in the transcript.")
	require.NoError(t, err)
	assert.Equal(t, "Only sentence in the transcript.", out)
}

func TestSummarizeEmptyInput(t *testing.T) {
	c := New(config.LLMConfig{}, nil)
	out, err := c.Summarize(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(config.LLMConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, c.Health(context.Background()))

	unconfigured := New(config.LLMConfig{}, nil)
	assert.Error(t, unconfigured.Health(context.Background()))
}

func TestExtractiveSummaryShortText(t *testing.T) {
	assert.Equal(t, "no terminal punctuation", ExtractiveSummary("no terminal punctuation", 3))
	assert.Equal(t, "One. Two.", ExtractiveSummary("One. Two.", 3))
}
