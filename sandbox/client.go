// Package sandbox acquires time-bounded remote execution environments and
// runs generated stacks inside them. The lease has a hard lifetime; even a
// never-released sandbox terminates at that boundary.
package sandbox

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

	"github.com/lazarusengine/lazarus/core/fault"
)

// Handle identifies one leased sandbox. Exclusively owned by a single
// session; never shared.
type Handle struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ExecResult is the outcome of one command run inside the sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Client talks to the sandbox service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config configures the sandbox client.
type Config struct {
	BaseURL string
	APIKey  string
}

// NewClient creates a sandbox client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 10 * time.Minute,
		},
		logger: logger,
	}
}

// CreateLease acquires a sandbox with the given total lifetime.
func (c *Client) CreateLease(ctx context.Context, ttl time.Duration) (*Handle, error) {
	if c.apiKey == "" {
		return nil, fault.New(fault.KindSandboxBoot, "sandbox API key is missing")
	}

	var h Handle
	body := map[string]any{"ttl_seconds": int(ttl.Seconds())}
	if err := c.do(ctx, http.MethodPost, "/sandboxes", body, &h); err != nil {
		return nil, fault.Wrap(fault.KindSandboxBoot, err, "acquire sandbox lease")
	}
	c.logger.Info("sandbox leased", "sandbox_id", h.ID, "expires_at", h.ExpiresAt)
	return &h, nil
}

// WriteFile places one file inside the sandbox filesystem.
func (c *Client) WriteFile(ctx context.Context, h *Handle, path, content string) error {
	body := map[string]string{"path": path, "content": content}
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+h.ID+"/files", body, nil); err != nil {
		return fault.Wrap(fault.KindSandboxBoot, err, "write "+path)
	}
	return nil
}

// Exec runs a shell command. Background commands return immediately with an
// empty result; foreground commands block up to timeout.
func (c *Client) Exec(ctx context.Context, h *Handle, cmd string, background bool, timeout time.Duration) (*ExecResult, error) {
	body := map[string]any{
		"cmd":             cmd,
		"background":      background,
		"timeout_seconds": int(timeout.Seconds()),
	}
	var res ExecResult
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+h.ID+"/exec", body, &res); err != nil {
		return nil, fault.Wrap(fault.KindSandboxBoot, err, "exec")
	}
	return &res, nil
}

// ReadLog fetches a log file from the sandbox, empty string when missing.
func (c *Client) ReadLog(ctx context.Context, h *Handle, path string) string {
	res, err := c.Exec(ctx, h, "cat "+path+" 2>/dev/null | tail -c 8000", false, 30*time.Second)
	if err != nil {
		return ""
	}
	return res.Stdout
}

// PublicHost resolves the externally reachable host for a sandbox port.
func (c *Client) PublicHost(ctx context.Context, h *Handle, port int) (string, error) {
	var out struct {
		Host string `json:"host"`
	}
	path := fmt.Sprintf("/sandboxes/%s/host?port=%d", h.ID, port)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fault.Wrap(fault.KindSandboxBoot, err, "resolve public host")
	}
	return out.Host, nil
}

// Release ends the lease early. Safe to call on an expired sandbox.
func (c *Client) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := c.do(ctx, http.MethodDelete, "/sandboxes/"+h.ID, nil, nil); err != nil {
		c.logger.Warn("sandbox release failed", "sandbox_id", h.ID, "error", err)
		return
	}
	c.logger.Info("sandbox released", "sandbox_id", h.ID)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(snippet))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
