// Package llm is a thin pass-through to an OpenAI-compatible chat
// completions endpoint, used for session summarization. When the endpoint
// is absent or failing, summaries degrade to a local extractive cut
// instead of erroring.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/constants"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
)

const (
	requestTimeout       = 30 * time.Second
	extractiveSentences  = 3
	summarizeSystemRole  = "Summarize the following work session in at most three sentences. Keep concrete identifiers."
	defaultSummaryTokens = 256
)

// Client calls the configured completion endpoint.
type Client struct {
	cfg  config.LLMConfig
	http *http.Client
	log  *logger.Logger
}

func New(cfg config.LLMConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: requestTimeout},
		log:  log.WithComponent("llm"),
	}
}

// Enabled reports whether a remote endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.BaseURL != ""
}

// Health probes the endpoint with a bounded models listing.
func (c *Client) Health(ctx context.Context) error {
	if !c.Enabled() {
		return fmt.Errorf("llm endpoint not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/models", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm health: status %d", resp.StatusCode)
	}
	return nil
}

// Summarize condenses text. Remote failures fall back to the extractive
// summary with a nil error; producers never block on the model.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}
	if !c.Enabled() {
		return ExtractiveSummary(text, extractiveSentences), nil
	}

	summary, err := c.complete(ctx, text)
	if err != nil {
		c.log.Warn("summarization degraded to extractive", zap.Error(err))
		return ExtractiveSummary(text, extractiveSentences), nil
	}
	return summary, nil
}

func (c *Client) complete(ctx context.Context, text string) (string, error) {
	payload := map[string]interface{}{
		"model": c.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": summarizeSystemRole},
			{"role": "user", "content": text},
		},
		"max_tokens": defaultSummaryTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat completions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completions: status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

// ExtractiveSummary takes the first n sentences of the text.
func ExtractiveSummary(text string, n int) string {
	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
			if len(sentences) == n {
				break
			}
		}
	}
	if len(sentences) < n {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " ")
}
