// Package checkpoint posts batches of completed steps to the platform
// out-of-band, letting a run continue executing steps locally instead of
// returning to the executor after every single one. It stands in for the
// reference SDK's pkg/checkpoint client, speaking the same
// signing-key-with-fallback pattern as the register/sync HTTP calls.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/inngest/sdk-go/internal/opcode"
)

const (
	devServerURL        = "http://127.0.0.1:8288"
	productionAPIOrigin = "https://api.inngest.com"
)

// AsyncRequest is the wire payload posted to the checkpoint endpoint: the
// run a batch of steps belongs to, and the steps themselves.
type AsyncRequest struct {
	RunID        string        `json:"runId"`
	FnID         uuid.UUID     `json:"fnId"`
	QueueItemRef string        `json:"queueItemRef"`
	Steps        []opcode.Step `json:"steps"`
}

// client posts checkpoint batches, authenticating with primaryKey first and
// falling back to fallbackKey (and remembering that choice for subsequent
// calls) the first time primaryKey is rejected with a 401 — the same
// zero-downtime key rotation pattern fetchWithAuthFallback implements for
// the register/sync path.
type client struct {
	httpClient *http.Client

	// apiBaseURL overrides where checkpoint requests are sent. If empty,
	// it's resolved from INNGEST_DEV, then the production API, each call.
	apiBaseURL string

	primaryKey  string
	fallbackKey string
	useFallback atomic.Bool
}

// NewClient builds a checkpoint client authenticating with primaryKey,
// falling back to fallbackKey (pass "" to disable the fallback) once
// primaryKey is rejected.
func NewClient(primaryKey, fallbackKey string) *client {
	return &client{
		httpClient:  http.DefaultClient,
		primaryKey:  primaryKey,
		fallbackKey: fallbackKey,
	}
}

func (c *client) baseURL() string {
	if c.apiBaseURL != "" {
		return c.apiBaseURL
	}
	if dev := os.Getenv("INNGEST_DEV"); dev != "" {
		if u, err := url.Parse(dev); err == nil && u.Host != "" {
			return dev
		}
		return devServerURL
	}
	return productionAPIOrigin
}

// Checkpoint posts req, signing with primaryKey until a call is rejected with
// a 401 while a fallback key is configured. It then retries that call once
// with the fallback key and signs every subsequent call with the fallback,
// whether or not the retry succeeded.
func (c *client) Checkpoint(ctx context.Context, req AsyncRequest) error {
	key := c.primaryKey
	if c.useFallback.Load() {
		key = c.fallbackKey
	}

	resp, err := c.post(ctx, req, key)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized && !c.useFallback.Load() && c.fallbackKey != "" {
		c.useFallback.Store(true)

		resp, err = c.post(ctx, req, c.fallbackKey)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
	}

	if resp.StatusCode >= 300 {
		byt, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("checkpoint request failed: status %d: %s", resp.StatusCode, byt)
	}
	return nil
}

func (c *client) post(ctx context.Context, req AsyncRequest, key string) (*http.Response, error) {
	byt, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshalling checkpoint request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/runs/checkpoint", c.baseURL())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(byt))
	if err != nil {
		return nil, fmt.Errorf("error creating checkpoint request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	return c.httpClient.Do(httpReq)
}
