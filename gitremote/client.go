// Package gitremote is the source-control capability client: repository tree
// scans, blob fetches, and commit/PR writes against a GitHub-style REST API,
// with a go-git fallback for remotes the API does not cover.
package gitremote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/lazarusengine/lazarus/core/backoff"
	"github.com/lazarusengine/lazarus/core/fault"
)

var repoURLRe = regexp.MustCompile(`github\.com/([^/]+)/([^/.]+)`)

// Client talks to the source-control API. One instance is shared by all
// sessions; it holds a persistent HTTP client like every other capability.
// Rate-limited responses are retried under the backoff policy before they
// surface to callers.
type Client struct {
	apiBase    string
	token      string
	branch     string
	httpClient *http.Client
	policy     backoff.Policy
	logger     *slog.Logger
}

// Config mirrors config.GitConfig without importing it (the config package
// depends on nothing in return).
type Config struct {
	APIBaseURL string
	Token      string
	Branch     string
}

// NewClient creates a source-control client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.github.com"
	}
	if cfg.Branch == "" {
		cfg.Branch = "lazarus-resurrection"
	}
	return &Client{
		apiBase: strings.TrimRight(cfg.APIBaseURL, "/"),
		token:   cfg.Token,
		branch:  cfg.Branch,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 30 * time.Second,
		},
		policy: backoff.Default,
		logger: logger,
	}
}

// ParseRepoURL extracts owner and repository name from a GitHub URL.
func ParseRepoURL(repoURL string) (owner, repo string, err error) {
	m := repoURLRe.FindStringSubmatch(repoURL)
	if m == nil {
		return "", "", fault.New(fault.KindScan, "not a recognized repository URL: %s", repoURL)
	}
	return m[1], m[2], nil
}

type treeItem struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size"`
}

type treeResponse struct {
	Tree      []treeItem `json:"tree"`
	Truncated bool       `json:"truncated"`
}

// ScanTree lists every file path in the repository, directories excluded,
// deduplicated. Non-GitHub URLs fall back to a shallow in-memory clone.
func (c *Client) ScanTree(ctx context.Context, repoURL string) ([]string, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return c.scanTreeGit(ctx, repoURL)
	}

	// Try the common default branches first, then ask the repo metadata.
	branches := []string{"main", "master"}
	if def, err := c.defaultBranch(ctx, owner, repo); err == nil && def != "" {
		branches = append(branches, def)
	}

	var lastErr error
	for _, branch := range branches {
		paths, err := c.scanBranch(ctx, owner, repo, branch)
		if err == nil {
			return paths, nil
		}
		if fault.KindOf(err) == fault.KindRateLimited {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fault.New(fault.KindScan, "repository %s/%s: no readable branch", owner, repo)
	}
	return nil, lastErr
}

func (c *Client) scanBranch(ctx context.Context, owner, repo, branch string) ([]string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", c.apiBase, owner, repo, branch)

	var tr treeResponse
	if err := c.getJSON(ctx, url, &tr); err != nil {
		return nil, err
	}
	if tr.Truncated {
		c.logger.Warn("repository tree truncated by upstream", "owner", owner, "repo", repo)
	}

	seen := make(map[string]bool, len(tr.Tree))
	paths := make([]string, 0, len(tr.Tree))
	for _, item := range tr.Tree {
		if item.Type != "blob" || seen[item.Path] {
			continue
		}
		seen[item.Path] = true
		paths = append(paths, item.Path)
	}
	c.logger.Info("repository scanned", "owner", owner, "repo", repo, "branch", branch, "files", len(paths))
	return paths, nil
}

func (c *Client) defaultBranch(ctx context.Context, owner, repo string) (string, error) {
	var meta struct {
		DefaultBranch string `json:"default_branch"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s", c.apiBase, owner, repo)
	if err := c.getJSON(ctx, url, &meta); err != nil {
		return "", err
	}
	return meta.DefaultBranch, nil
}

// FileContent fetches the raw content of one pre-existing repository file.
func (c *Client) FileContent(ctx context.Context, repoURL, path string) (string, error) {
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}

	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.apiBase, owner, repo, path)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
	if err != nil {
		return "", fault.Wrap(fault.KindScan, err, "decode file content")
	}
	return string(raw), nil
}

// getJSON performs an authenticated GET under the backoff policy and decodes
// the JSON response, mapping upstream status codes onto the fault taxonomy.
// Rate limiting surfaces only after the policy's attempt budget is spent.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	return backoff.Retry(ctx, c.policy, func() error {
		return c.getJSONOnce(ctx, url, out)
	})
}

func (c *Client) getJSONOnce(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fault.Wrap(fault.KindScan, err, "create request")
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindScan, err, "upstream unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fault.New(fault.KindScan, "not found: %s", url)
	case rateLimited(resp):
		io.Copy(io.Discard, resp.Body)
		return backoff.Transient(fault.New(fault.KindRateLimited, "rate limited by upstream"))
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return fault.New(fault.KindScan, "upstream returned %d: %s", resp.StatusCode, string(snippet))
	}
}

func rateLimited(resp *http.Response) bool {
	return resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0")
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
}
