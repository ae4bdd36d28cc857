package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IdempotencyHeader carries the queued operation's id on every mutating call
// so the remote store can collapse replays of the same operation.
const IdempotencyHeader = "Idempotency-Key"

// DefaultTimeout bounds a single remote call when no HTTP client is given.
const DefaultTimeout = 15 * time.Second

// maxErrorBody limits how much of a failed response is read for diagnostics.
const maxErrorBody = 64 << 10

// TokenSource yields the bearer token attached to each request. Refreshing
// the token is the identity provider's concern.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Client talks to the remote Firefly data store over HTTPS.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewClient returns a client for baseURL. A nil httpClient gets one with
// DefaultTimeout; a nil tokens source sends no Authorization header.
func NewClient(httpClient *http.Client, baseURL string, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:     tokens,
	}
}

// BaseURL returns the store's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) CreateSession(ctx context.Context, key string, rec SessionRecord) (*SessionRecord, error) {
	rec.ID = ""
	var out SessionRecord
	if err := c.do(ctx, http.MethodPost, "/sessions", key, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateSession(ctx context.Context, key, id string, rec SessionRecord) (*SessionRecord, error) {
	var out SessionRecord
	if err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(id), key, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateAction(ctx context.Context, key, sessionID string, rec ActionRecord) (*ActionRecord, error) {
	rec.ID = ""
	rec.SessionID = sessionID
	var out ActionRecord
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/actions", key, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateAction(ctx context.Context, key, id string, rec ActionRecord) (*ActionRecord, error) {
	var out ActionRecord
	if err := c.do(ctx, http.MethodPatch, "/actions/"+url.PathEscape(id), key, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAction(ctx context.Context, key, id string) error {
	return c.do(ctx, http.MethodDelete, "/actions/"+url.PathEscape(id), key, nil, nil)
}

// ListSessions returns every session the store holds for userID.
func (c *Client) ListSessions(ctx context.Context, userID string) ([]SessionRecord, error) {
	var out []SessionRecord
	if err := c.do(ctx, http.MethodGet, "/sessions?user_id="+url.QueryEscape(userID), "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListActions returns the actions of one remote session.
func (c *Client) ListActions(ctx context.Context, sessionID string) ([]ActionRecord, error) {
	var out []ActionRecord
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/actions", "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks that the store answers at all. Any HTTP response counts, so
// only an Unreachable error is returned.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, http.MethodGet, "/health", "", nil, nil)
	if Unreachable(err) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path, key string, body, out any) error {
	op := method + " " + strings.SplitN(path, "?", 2)[0]

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("obtain token: %w", err)}
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			// The effect may have been applied; the retry is deduplicated by key.
			return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(data))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && strings.TrimSpace(eb.Error) != "" {
		msg = eb.Error
	}
	return classifyStatus(op, resp.StatusCode, msg)
}

// classifyStatus maps a non-2xx status to a typed error. Server errors,
// request timeouts, throttling and expired credentials may succeed later;
// every other 4xx is a permanent rejection of the payload.
func classifyStatus(op string, status int, msg string) error {
	switch {
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized:
		return &NetworkError{Op: op, StatusCode: status, Err: errors.New(statusText(status, msg))}
	default:
		return &RejectionError{Op: op, StatusCode: status, Message: statusText(status, msg)}
	}
}

func statusText(status int, msg string) string {
	if msg == "" {
		return fmt.Sprintf("status %d", status)
	}
	return fmt.Sprintf("status %d: %s", status, msg)
}
