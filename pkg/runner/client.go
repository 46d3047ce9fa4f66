// Package runner is the HTTP client for the execution backend, the
// external process that drives one browser agent per model and reports
// progress over server-sent events.
//
// The event stream is relayed verbatim and never parsed here. For
// reference, each SSE message carries one JSON payload of the shapes:
//
//	{"type":"log","data":{"timestamp","level","message","data?","model_id"}}
//	{"type":"status","status":"<session-level status>"}
//	{"type":"completion","model_results":{...},"completed_models","successful_models"}
//	{"type":"error","message"}
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sitebench/sitebench/pkg/config"
	sberrors "github.com/sitebench/sitebench/pkg/errors"
)

// StartRequest is the payload sent to the backend's start endpoint.
type StartRequest struct {
	ExternalSessionID string `json:"external_session_id"`
	OwnerID           string `json:"owner_id"`
	WebsiteURL        string `json:"website_url"`
	TaskDescription   string `json:"task_description"`
}

// Client talks to the execution backend.
type Client struct {
	baseURL    string
	startPath  string
	streamPath string

	// startClient carries a hard timeout; streamClient must not,
	// streams stay open for the life of a session.
	startClient  *http.Client
	streamClient *http.Client
}

// NewClient builds a backend client from the runner section of the
// service configuration.
func NewClient(cfg config.RunnerConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		startPath:  cfg.StartPath,
		streamPath: cfg.StreamPath,
		startClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		streamClient: &http.Client{},
	}
}

// Start asks the backend to begin executing a session. Any transport
// failure or non-2xx response is a hard failure for session creation.
func (c *Client) Start(ctx context.Context, req StartRequest) error {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to marshal start request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.startPath, bytes.NewBuffer(jsonData))
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to create start request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.startClient.Do(httpReq)
	if err != nil {
		return sberrors.Wrap(err, sberrors.ErrCodeBackendUnavailable, "execution backend unreachable").
			WithUserMessage("The benchmark service is temporarily unavailable. Please try again.")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sberrors.New(sberrors.ErrCodeBackendUnavailable,
			fmt.Sprintf("execution backend returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))).
			WithContext("status", resp.StatusCode).
			WithUserMessage("The benchmark service is temporarily unavailable. Please try again.")
	}
	return nil
}

// OpenStream opens the per-session event stream. The caller owns the
// returned body and must close it; cancelling ctx aborts any in-flight
// read. A connection failure returns a STREAM error and no body, so a
// caller never serves an empty stream.
func (c *Client) OpenStream(ctx context.Context, externalSessionID string) (io.ReadCloser, error) {
	url := c.baseURL + fmt.Sprintf(c.streamPath, externalSessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeInternal, "failed to create stream request")
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		return nil, sberrors.Wrap(err, sberrors.ErrCodeStream, "failed to connect to backend event stream").
			WithContext("session", externalSessionID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, sberrors.New(sberrors.ErrCodeStream,
			fmt.Sprintf("backend event stream returned status %d", resp.StatusCode)).
			WithContext("session", externalSessionID).
			WithContext("status", resp.StatusCode)
	}
	return resp.Body, nil
}

// Healthy reports whether the backend answers its start endpoint host
// at all. Used by the readiness probe; a short timeout keeps the probe
// from hanging.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.startClient.Do(httpReq)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
