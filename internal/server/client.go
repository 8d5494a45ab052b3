package server

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

	"github.com/3leaps/fmaxsweep/internal/server/middleware"
	"github.com/3leaps/fmaxsweep/pkg/control"
)

// Client talks to a running control server. It implements
// control.Controller, mapping error responses back onto the control
// package's sentinel errors.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at base, e.g.
// "http://localhost:8089". A bare host:port is accepted.
func NewClient(base string, timeout time.Duration) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap maps the response code to the matching control error.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "JOB_NOT_FOUND":
		return control.ErrUnknownJob
	case "UNKNOWN_COMMAND":
		return control.ErrUnknownCommand
	case "INVALID_STATE":
		return control.ErrInvalidState
	case "RUN_FINISHED":
		return control.ErrClosed
	}
	return nil
}

// Submit posts cmd and waits for the engine to apply it.
func (c *Client) Submit(ctx context.Context, cmd control.Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/v1/commands", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// Snapshot fetches the engine state; logsJobID selects a log tail.
func (c *Client) Snapshot(logsJobID string) (control.Snapshot, error) {
	return c.SnapshotContext(context.Background(), logsJobID)
}

// SnapshotContext is Snapshot bounded by ctx.
func (c *Client) SnapshotContext(ctx context.Context, logsJobID string) (control.Snapshot, error) {
	u := c.base + "/api/v1/snapshot"
	if logsJobID != "" {
		u += "?logs=" + url.QueryEscape(logsJobID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return control.Snapshot{}, err
	}
	var snap control.Snapshot
	if err := c.do(req, &snap); err != nil {
		return control.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control server %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var env middleware.ErrorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &env) == nil && env.Error.Code != "" {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
