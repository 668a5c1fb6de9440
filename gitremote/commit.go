package gitremote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/lazarusengine/lazarus/core/backoff"
	"github.com/lazarusengine/lazarus/core/fault"
)

// CommitResult is the outcome of a commit or pull-request operation.
type CommitResult struct {
	Status    string `json:"status"`
	CommitURL string `json:"commit_url,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CommitedFile pairs an artifact path with its content for bulk commits.
type CommitedFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// CommitFile upserts one file on the working branch (created from the default
// branch if missing) and opens or reuses a pull request. Committing identical
// content twice succeeds both times: the second call is an update with the
// existing blob SHA.
func (c *Client) CommitFile(ctx context.Context, repoURL, filename, content string) (*CommitResult, error) {
	if c.token == "" {
		return nil, fault.New(fault.KindDeploy, "source-control token is missing")
	}
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "parse repo URL")
	}
	base := fmt.Sprintf("%s/repos/%s/%s", c.apiBase, owner, repo)

	baseBranch, baseSHA, err := c.baseRef(ctx, base)
	if err != nil {
		return nil, err
	}
	if err := c.ensureBranch(ctx, base, baseSHA, false); err != nil {
		return nil, err
	}

	// Existing file on the branch? Needed for the update SHA.
	var existing struct {
		SHA string `json:"sha"`
	}
	fileURL := fmt.Sprintf("%s/contents/%s?ref=%s", base, filename, c.branch)
	_ = c.getJSON(ctx, fileURL, &existing) // 404 means create

	payload := map[string]any{
		"message": "Resurrection: " + filename,
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
		"branch":  c.branch,
	}
	if existing.SHA != "" {
		payload["sha"] = existing.SHA
	}

	var put struct {
		Commit struct {
			HTMLURL string `json:"html_url"`
		} `json:"commit"`
	}
	putURL := fmt.Sprintf("%s/contents/%s", base, filename)
	if err := c.doJSON(ctx, http.MethodPut, putURL, payload, &put, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	prURL, msg, err := c.openOrReusePR(ctx, base, owner, repo, baseBranch, 1)
	if err != nil {
		// The commit landed; a PR failure degrades to a compare link.
		c.logger.Warn("pull request creation failed", "error", err)
		prURL = fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1", owner, repo, baseBranch, c.branch)
		msg = "File committed. Open the pull request manually."
	}

	return &CommitResult{Status: "success", CommitURL: prURL, Message: msg}, nil
}

// CommitAll stages every file as a blob, builds a tree and a single commit on
// the working branch, and opens or reuses a pull request.
func (c *Client) CommitAll(ctx context.Context, repoURL string, files []CommitedFile) (*CommitResult, error) {
	if c.token == "" {
		return nil, fault.New(fault.KindDeploy, "source-control token is missing")
	}
	if len(files) == 0 {
		return nil, fault.New(fault.KindDeploy, "no files to commit")
	}
	owner, repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "parse repo URL")
	}
	base := fmt.Sprintf("%s/repos/%s/%s", c.apiBase, owner, repo)

	baseBranch, baseSHA, err := c.baseRef(ctx, base)
	if err != nil {
		return nil, err
	}
	// Reset the working branch onto the latest base so retried deploys
	// always produce a clean diff.
	if err := c.ensureBranch(ctx, base, baseSHA, true); err != nil {
		return nil, err
	}

	var baseCommit struct {
		Tree struct {
			SHA string `json:"sha"`
		} `json:"tree"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf("%s/git/commits/%s", base, baseSHA), &baseCommit); err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "read base commit")
	}

	type treeEntry struct {
		Path string `json:"path"`
		Mode string `json:"mode"`
		Type string `json:"type"`
		SHA  string `json:"sha"`
	}
	entries := make([]treeEntry, 0, len(files))
	for _, f := range files {
		var blob struct {
			SHA string `json:"sha"`
		}
		blobReq := map[string]string{
			"content":  base64.StdEncoding.EncodeToString([]byte(f.Content)),
			"encoding": "base64",
		}
		if err := c.doJSON(ctx, http.MethodPost, base+"/git/blobs", blobReq, &blob, http.StatusCreated); err != nil {
			return nil, fault.Wrap(fault.KindDeploy, err, "stage blob "+f.Filename)
		}
		entries = append(entries, treeEntry{Path: f.Filename, Mode: "100644", Type: "blob", SHA: blob.SHA})
	}

	var tree struct {
		SHA string `json:"sha"`
	}
	treeReq := map[string]any{"base_tree": baseCommit.Tree.SHA, "tree": entries}
	if err := c.doJSON(ctx, http.MethodPost, base+"/git/trees", treeReq, &tree, http.StatusCreated); err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "create tree")
	}

	var commit struct {
		SHA string `json:"sha"`
	}
	commitReq := map[string]any{
		"message": fmt.Sprintf("Resurrection: modernized %d files", len(files)),
		"tree":    tree.SHA,
		"parents": []string{baseSHA},
	}
	if err := c.doJSON(ctx, http.MethodPost, base+"/git/commits", commitReq, &commit, http.StatusCreated); err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "create commit")
	}

	refReq := map[string]any{"sha": commit.SHA}
	refURL := fmt.Sprintf("%s/git/refs/heads/%s", base, c.branch)
	if err := c.doJSON(ctx, http.MethodPatch, refURL, refReq, nil, http.StatusOK); err != nil {
		return nil, fault.Wrap(fault.KindDeploy, err, "advance branch")
	}

	prURL, msg, err := c.openOrReusePR(ctx, base, owner, repo, baseBranch, len(files))
	if err != nil {
		prURL = fmt.Sprintf("https://github.com/%s/%s/compare/%s...%s?expand=1", owner, repo, baseBranch, c.branch)
		msg = "Files committed. Open the pull request manually."
	}

	return &CommitResult{Status: "success", PRURL: prURL, Message: msg}, nil
}

// baseRef resolves the default branch head, trying main then master then the
// repository metadata.
func (c *Client) baseRef(ctx context.Context, base string) (branch, sha string, err error) {
	for _, candidate := range []string{"main", "master"} {
		var ref struct {
			Object struct {
				SHA string `json:"sha"`
			} `json:"object"`
		}
		if err := c.getJSON(ctx, base+"/git/ref/heads/"+candidate, &ref); err == nil {
			return candidate, ref.Object.SHA, nil
		}
	}
	return "", "", fault.New(fault.KindDeploy, "no main or master branch to fork from")
}

// ensureBranch creates the working branch at baseSHA, or force-resets it when
// reset is true.
func (c *Client) ensureBranch(ctx context.Context, base, baseSHA string, reset bool) error {
	var ref struct {
		Object struct {
			SHA string `json:"sha"`
		} `json:"object"`
	}
	err := c.getJSON(ctx, base+"/git/ref/heads/"+c.branch, &ref)
	if err == nil {
		if !reset {
			return nil
		}
		body := map[string]any{"sha": baseSHA, "force": true}
		return c.doJSON(ctx, http.MethodPatch, base+"/git/refs/heads/"+c.branch, body, nil, http.StatusOK)
	}
	if fault.KindOf(err) != fault.KindScan {
		return fault.Wrap(fault.KindDeploy, err, "check branch")
	}

	body := map[string]any{"ref": "refs/heads/" + c.branch, "sha": baseSHA}
	return c.doJSON(ctx, http.MethodPost, base+"/git/refs", body, nil, http.StatusCreated)
}

func (c *Client) openOrReusePR(ctx context.Context, base, owner, repo, baseBranch string, fileCount int) (url, msg string, err error) {
	var open []struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	listURL := fmt.Sprintf("%s/pulls?head=%s:%s&base=%s&state=open", base, owner, c.branch, baseBranch)
	if err := c.getJSON(ctx, listURL, &open); err == nil && len(open) > 0 {
		return open[0].HTMLURL, "Pull request already exists.", nil
	}

	var pr struct {
		HTMLURL string `json:"html_url"`
		Number  int    `json:"number"`
	}
	body := map[string]any{
		"title": "Resurrection: modernized codebase",
		"body":  fmt.Sprintf("Automated modernization of %d files by the lazarus pipeline.", fileCount),
		"head":  c.branch,
		"base":  baseBranch,
	}
	if err := c.doJSON(ctx, http.MethodPost, base+"/pulls", body, &pr, http.StatusCreated); err != nil {
		return "", "", err
	}
	return pr.HTMLURL, fmt.Sprintf("Pull request #%d created.", pr.Number), nil
}

// doJSON sends a JSON request body under the backoff policy and decodes the
// response when out is non-nil. Rate limiting is retried before surfacing;
// any other status outside wantStatus is a deploy fault.
func (c *Client) doJSON(ctx context.Context, method, url string, body, out any, wantStatus ...int) error {
	return backoff.Retry(ctx, c.policy, func() error {
		return c.doJSONOnce(ctx, method, url, body, out, wantStatus...)
	})
}

func (c *Client) doJSONOnce(ctx context.Context, method, url string, body, out any, wantStatus ...int) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.KindDeploy, err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(raw))
	if err != nil {
		return fault.Wrap(fault.KindDeploy, err, "create request")
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindDeploy, err, "upstream unreachable")
	}
	defer resp.Body.Close()

	for _, want := range wantStatus {
		if resp.StatusCode == want {
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		}
	}

	if rateLimited(resp) {
		io.Copy(io.Discard, resp.Body)
		return backoff.Transient(fault.New(fault.KindRateLimited, "rate limited by upstream"))
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
	return fault.New(fault.KindDeploy, "%s %s returned %d: %s", method, url, resp.StatusCode, string(snippet))
}
