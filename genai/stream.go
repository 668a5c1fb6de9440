package genai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lazarusengine/lazarus/core/backoff"
	"github.com/lazarusengine/lazarus/core/fault"
)

// Stream delivers generation output incrementally as text chunks. Callers
// must drain it with Next until io.EOF and then Close it.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next text chunk. io.EOF signals a clean end of stream;
// any other error means the stream broke mid-generation.
func (s *Stream) Next() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var gr generateResponse
		if err := json.Unmarshal([]byte(payload), &gr); err != nil {
			return "", fault.Wrap(fault.KindGeneration, err, "decode stream chunk")
		}
		if gr.PromptFeedback.BlockReason != "" {
			return "", fault.New(fault.KindGeneration, "prompt blocked by safety filter: %s", gr.PromptFeedback.BlockReason)
		}
		if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
			continue
		}
		var sb strings.Builder
		for _, p := range gr.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		if sb.Len() == 0 {
			continue
		}
		return sb.String(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fault.Wrap(fault.KindGeneration, err, "stream interrupted")
	}
	return "", io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}

// GenerateStream opens a streaming generation call. The fallback chain and
// backoff apply to establishing the stream; once chunks flow, any break is
// surfaced by Next as a generation fault.
func (c *Client) GenerateStream(ctx context.Context, model, prompt string) (*Stream, error) {
	if c.cfg.APIKey == "" {
		return nil, fault.New(fault.KindGeneration, "generation API key is missing")
	}

	var lastErr error
	for i, m := range c.modelChain(model) {
		if i > 0 {
			c.logger.Warn("falling back to model for stream", "model", m, "requested", model)
		}

		var stream *Stream
		err := backoff.Retry(ctx, c.policy, func() error {
			s, err := c.openStream(ctx, m, prompt)
			if err != nil {
				return err
			}
			stream = s
			return nil
		})
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}

	return nil, fault.Wrap(fault.KindGeneration, lastErr, "all models exhausted")
}

func (c *Client) openStream(ctx context.Context, model, prompt string) (*Stream, error) {
	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s", strings.TrimRight(c.cfg.BaseURL, "/"), model, c.cfg.APIKey)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		Config:   genConfig{MaxOutputTokens: 65536, Temperature: 0.2},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, backoff.Transient(err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		return &Stream{body: resp.Body, scanner: sc}, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, backoff.Transient(fmt.Errorf("upstream %d: %s", resp.StatusCode, string(snippet)))
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %d: %s", resp.StatusCode, string(snippet))
	}
}
