// Package upstream is the JSON-RPC 2.0 client against one upstream
// business-application instance: authenticate, search_read, read, and
// session invalidation, plus the typed fault classification the Worker
// needs to apply spec.md §7's error table without string-matching.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// defaultTimeout is the per-call RPC timeout (spec.md §4.2/§5).
const defaultTimeout = 30 * time.Second

// Client is one authenticated RPC session against a single connection's
// upstream base URL. It is not safe to share across connections; each
// connection task owns its own Client and its own *http.Client (the
// bulkhead pattern).
type Client struct {
	baseURL  string
	database string
	username string
	apiKey   string

	httpClient *http.Client

	mu        sync.Mutex
	sessionID *int
}

// New builds a Client for one connection's upstream credentials.
func New(baseURL, database, username, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		database:   database,
		username:   username,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, service, method string, args []interface{}) (json.RawMessage, error) {
	reqBody := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params: rpcParams{
			Service: service,
			Method:  method,
			Args:    args,
		},
		ID: 1,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrMalformed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: build request: %v", ErrTransient, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.InvalidateSession()
		return nil, ErrAuth
	}
	if resp.StatusCode >= 500 {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: status %d", ErrMalformed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		c.InvalidateSession()
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrMalformed, err)
	}
	if rpcResp.Error != nil {
		c.InvalidateSession()
		if isAuthError(rpcResp.Error) {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformed, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func isAuthError(e *rpcError) bool {
	return e.Code == 100 || e.Code == 101
}

// Authenticate exchanges (database, username, apiKey) for a numeric
// session id, caching it until InvalidateSession is called.
func (c *Client) Authenticate(ctx context.Context) error {
	result, err := c.call(ctx, "common", "authenticate", []interface{}{
		c.database, c.username, c.apiKey, map[string]interface{}{},
	})
	if err != nil {
		return err
	}

	var uid int
	if err := json.Unmarshal(result, &uid); err != nil {
		return fmt.Errorf("%w: unmarshal session id: %v", ErrMalformed, err)
	}
	if uid == 0 {
		c.InvalidateSession()
		return ErrAuth
	}

	c.mu.Lock()
	c.sessionID = &uid
	c.mu.Unlock()
	return nil
}

// EnsureSession authenticates only if there is no cached session id.
func (c *Client) EnsureSession(ctx context.Context) error {
	c.mu.Lock()
	hasSession := c.sessionID != nil
	c.mu.Unlock()
	if hasSession {
		return nil
	}
	return c.Authenticate(ctx)
}

// InvalidateSession clears the cached session id; the next call
// re-authenticates.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
}

func (c *Client) invalidateLocked() {
	c.sessionID = nil
}

func (c *Client) executeKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == nil {
		return nil, ErrAuth
	}

	callArgs := []interface{}{
		c.database, *sessionID, c.apiKey, model, method, args, kwargs,
	}
	result, err := c.call(ctx, "object", "execute_kw", callArgs)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SearchRead performs a filtered batch read. order and limit are
// included only when non-empty/non-zero, per spec.md §6's "optional
// arguments ... included only when truthy."
func (c *Client) SearchRead(ctx context.Context, model string, domain []interface{}, fields []string, order string, limit int) ([]json.RawMessage, error) {
	kwargs := map[string]interface{}{"fields": fields}
	if order != "" {
		kwargs["order"] = order
	}
	if limit > 0 {
		kwargs["limit"] = limit
	}

	result, err := c.executeKw(ctx, model, "search_read", []interface{}{domain}, kwargs)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, fmt.Errorf("%w: unmarshal search_read result: %v", ErrMalformed, err)
	}
	return records, nil
}

// Read performs a batch read by id list. The result order is not
// guaranteed; callers must index by id.
func (c *Client) Read(ctx context.Context, model string, ids []int, fields []string) ([]json.RawMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	kwargs := map[string]interface{}{"fields": fields}

	result, err := c.executeKw(ctx, model, "read", []interface{}{ids}, kwargs)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, fmt.Errorf("%w: unmarshal read result: %v", ErrMalformed, err)
	}
	return records, nil
}
