// Package dispatcher sends one normalized envelope to a connection's
// webhook URL over HTTP POST and reports the outcome without forcing
// callers to re-parse an error string.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/orderbridge/poller/pkg/types"
)

// defaultTimeout is the per-request webhook POST timeout (spec.md §4.5).
const defaultTimeout = 30 * time.Second

// maxErrorBodyBytes bounds how much of a failed response body is kept
// as RetryItem.LastError.
const maxErrorBodyBytes = 2048

// Dispatcher POSTs envelopes to one connection's webhook. Each
// connection task owns its own Dispatcher (and so its own *http.Client),
// the bulkhead pattern spec.md §5 requires.
type Dispatcher struct {
	httpClient *http.Client
}

// New builds a Dispatcher with its own bulkheaded HTTP client.
func New() *Dispatcher {
	return &Dispatcher{httpClient: &http.Client{Timeout: defaultTimeout}}
}

// Result is the outcome of one Send call.
type Result struct {
	OK         bool
	StatusCode int
	Body       string
}

// Send POSTs envelope as JSON to webhookURL with the headers spec.md
// §4.5 requires. A transport error and any response (successful or not)
// are both reported through Result with a nil error: a transport error
// yields OK false, StatusCode 0, and the error text in Body. Only a
// failure to marshal the envelope or build the request is returned as
// an error.
func (d *Dispatcher) Send(ctx context.Context, webhookURL, webhookSecret, connectionID string, envelope types.Envelope) (Result, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", webhookSecret)
	req.Header.Set("X-Upstream-Connection-Id", connectionID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Result{OK: false, Body: err.Error()}, nil
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok {
		return Result{OK: true, StatusCode: resp.StatusCode}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return Result{OK: false, StatusCode: resp.StatusCode, Body: string(body)}, nil
}
