// Package client talks to the codemod run HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/codemod-run/model"
)

// APIError is a non-200 answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Text       string
}

func (e *APIError) Error() string {
	if e.Text != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Text)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Code)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e model.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Code: e.Error, Text: e.ErrorText}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Submit(ctx context.Context, req model.RunRequest) ([]model.SubmittedJob, error) {
	var resp model.RunResponse
	if err := c.do(ctx, http.MethodPost, "/codemodRun", req, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func idsPath(prefix string, ids []string) string {
	escaped := make([]string, len(ids))
	for i, id := range ids {
		escaped[i] = url.PathEscape(id)
	}
	return prefix + strings.Join(escaped, ",")
}

// Status reads the status of every id without consuming it.
func (c *Client) Status(ctx context.Context, ids []string) ([]model.StatusEntry, error) {
	var resp model.StatusResponse
	if err := c.do(ctx, http.MethodGet, idsPath("/codemodRun/status/", ids), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Output reads results. Terminal results of non-persistent jobs are gone after this call.
func (c *Client) Output(ctx context.Context, ids []string) ([]model.StatusEntry, error) {
	var resp model.StatusResponse
	if err := c.do(ctx, http.MethodGet, idsPath("/codemodRun/output/", ids), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var resp model.VersionResponse
	if err := c.do(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

func settled(s model.JobState) bool {
	return s.IsTerminal() || s == model.JobNotFound
}

// Poll checks the status of ids every interval until all of them are terminal or unknown,
// and returns the last statuses seen. It stops early on the first failing status call.
// onUpdate, when set, receives every round of statuses.
func (c *Client) Poll(ctx context.Context, ids []string, interval time.Duration, onUpdate func([]model.StatusEntry)) ([]model.StatusEntry, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		entries, err := c.Status(ctx, ids)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(entries)
		}
		done := true
		for _, e := range entries {
			if !settled(e.Status.Status) {
				done = false
				break
			}
		}
		if done {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return entries, ctx.Err()
		case <-t.C:
		}
	}
}
