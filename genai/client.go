// Package genai is the text-generation capability client. It fronts a
// Gemini-style REST API for two roles, planning and coding, with a model
// fallback chain and uniform backoff on throttling.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lazarusengine/lazarus/core/backoff"
	"github.com/lazarusengine/lazarus/core/fault"
)

// Config configures the client.
type Config struct {
	BaseURL        string
	APIKey         string
	PlannerModel   string
	CoderModel     string
	FallbackModels []string
	RequestTimeout time.Duration
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	}
	if c.PlannerModel == "" {
		c.PlannerModel = "gemini-2.0-flash"
	}
	if c.CoderModel == "" {
		c.CoderModel = "gemini-3-flash-preview"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
}

// Client calls the generation service. Safe for concurrent use; all sessions
// share one instance so the backoff policy sees every call.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	policy     backoff.Policy
}

// NewClient creates a generation client with the default backoff policy.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.RequestTimeout,
		},
		logger: logger,
		policy: backoff.Default,
	}
}

// PlannerModel returns the model used for analysis and planning calls.
func (c *Client) PlannerModel() string { return c.cfg.PlannerModel }

// CoderModel returns the model used for code generation calls.
func (c *Client) CoderModel() string { return c.cfg.CoderModel }

type generateRequest struct {
	Contents []content `json:"contents"`
	Config   genConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type genConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

func (r *generateResponse) text() (string, error) {
	if r.PromptFeedback.BlockReason != "" {
		return "", fault.New(fault.KindGeneration, "prompt blocked by safety filter: %s", r.PromptFeedback.BlockReason)
	}
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty candidates in response")
	}
	var sb strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}

// modelChain returns the requested model followed by the configured
// fallbacks, deduplicated.
func (c *Client) modelChain(model string) []string {
	chain := []string{model}
	for _, m := range c.cfg.FallbackModels {
		if m != model {
			chain = append(chain, m)
		}
	}
	return chain
}

// Generate performs one full (non-streaming) generation call. The requested
// model is tried with bounded backoff; on permanent per-model failures the
// fallback chain advances. All models exhausted is a generation fault.
func (c *Client) Generate(ctx context.Context, model, prompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fault.New(fault.KindGeneration, "generation API key is missing")
	}

	var lastErr error
	for i, m := range c.modelChain(model) {
		if i > 0 {
			c.logger.Warn("falling back to model", "model", m, "requested", model)
		}

		var text string
		err := backoff.Retry(ctx, c.policy, func() error {
			out, err := c.generateOnce(ctx, m, prompt)
			if err != nil {
				return err
			}
			text = out
			return nil
		})
		if err == nil {
			return text, nil
		}
		// Blocked prompts are terminal regardless of model.
		if fault.KindOf(err) == fault.KindGeneration && strings.Contains(err.Error(), "safety filter") {
			return "", err
		}
		lastErr = err
	}

	return "", fault.Wrap(fault.KindGeneration, lastErr, "all models exhausted")
}

// generateOnce performs a single HTTP round trip. Throttling and server
// errors come back marked transient so backoff.Retry re-attempts them.
func (c *Client) generateOnce(ctx context.Context, model, prompt string) (string, error) {
	url := fmt.Sprintf("%s/%s:generateContent?key=%s", strings.TrimRight(c.cfg.BaseURL, "/"), model, c.cfg.APIKey)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		Config:   genConfig{MaxOutputTokens: 65536, Temperature: 0.2},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", backoff.Transient(err)
	}
	defer resp.Body.Close()

	c.logger.Info("generation response",
		"model", model,
		"status", resp.StatusCode,
		"elapsed_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusOK:
		var gr generateResponse
		if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
			return "", fmt.Errorf("decode response: %w", err)
		}
		return gr.text()
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return "", backoff.Transient(fmt.Errorf("upstream %d: %s", resp.StatusCode, string(snippet)))
	default:
		// 400s and the rest: give the next model in the chain a shot.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return "", fmt.Errorf("upstream %d: %s", resp.StatusCode, string(snippet))
	}
}
