// Package endpoint is the built-in HTTP caller: it posts each task's
// payload to a configured URL and maps the response into a raw outcome.
// Any other transport can replace it; the harness only sees the Caller
// interface.
package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ndhoang/lanerun/internal/core/domain"
)

// Config holds endpoint settings. The per-attempt deadline lives in the
// executor; the client itself sets no timeout so cancellation stays in
// one place.
type Config struct {
	URL        string `yaml:"url"         json:"url"`
	AuthHeader string `yaml:"auth_header" json:"auth_header"` // default Authorization
}

// Client posts tasks to one endpoint with one credential.
type Client struct {
	cfg        Config
	credential string
	http       *http.Client
}

// New creates a client. The credential is resolved by the caller (the
// parent process) from the lane's credential ref.
func New(cfg Config, credential string) *Client {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	return &Client{
		cfg:        cfg,
		credential: credential,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0, // bounded by the executor deadline
			},
		},
	}
}

type callRequest struct {
	TaskID   string          `json:"task_id"`
	GroupKey domain.GroupKey `json:"group_key"`
	Payload  string          `json:"payload,omitempty"`
}

type callResponse struct {
	Partial bool     `json:"partial"`
	Quality *float64 `json:"quality,omitempty"`
	Output  string   `json:"output,omitempty"`
}

// Call implements executor.Caller.
func (c *Client) Call(ctx context.Context, task domain.Task) (domain.RawOutcome, error) {
	body, err := json.Marshal(callRequest{
		TaskID:   task.ID,
		GroupKey: task.GroupKey,
		Payload:  task.Payload,
	})
	if err != nil {
		return domain.RawOutcome{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return domain.RawOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.credential != "" {
		req.Header.Set(c.cfg.AuthHeader, "Bearer "+c.credential)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.RawOutcome{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.RawOutcome{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Keep the status line and a body snippet in the error so the
		// classifier has its markers to work with.
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return domain.RawOutcome{}, fmt.Errorf("call failed: %s: %s", resp.Status, snippet)
	}

	var parsed callResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON success bodies are legal; treat them as opaque.
		return domain.RawOutcome{Body: string(raw)}, nil
	}
	return domain.RawOutcome{
		Partial: parsed.Partial,
		Quality: parsed.Quality,
		Body:    parsed.Output,
	}, nil
}
