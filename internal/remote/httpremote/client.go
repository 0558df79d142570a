// Package httpremote implements remote.Endpoint over a JSON REST API.
//
// Routes, relative to the base URL:
//
//	create  POST   /{entity_type}
//	update  PUT    /{entity_type}/{entity_id}
//	delete  DELETE /{entity_type}/{entity_id}
//	fetch   GET    /{entity_type}/{entity_id}
//
// Every replay carries an Idempotency-Key header. Responses use the body
// {"fields": {...}, "updated_at": "<RFC 3339>"}.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/roach88/offsync/internal/fields"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/syncerr"
)

// IdempotencyHeader carries the queue item's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// maxBody caps how much of a response body is read.
const maxBody = 4 << 20

// maxErrorText caps the response text quoted in an error.
const maxErrorText = 200

// Client is an HTTP remote endpoint guarded by a circuit breaker.
// While the breaker is open the client reports itself offline.
type Client struct {
	base   *url.URL
	http   *http.Client
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger

	breakerFailures uint32
	breakerCooldown time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout. It applies to a copy, so an
// http.Client passed to WithHTTPClient is left unchanged.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.http
		hc.Timeout = d
		c.http = &hc
	}
}

// WithLogger sets the logger for breaker state changes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithBreaker sets how many consecutive transport failures open the
// breaker and how long it stays open before a probe is let through.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(c *Client) {
		if failures > 0 {
			c.breakerFailures = failures
		}
		if cooldown > 0 {
			c.breakerCooldown = cooldown
		}
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:            u,
		http:            &http.Client{Timeout: 15 * time.Second},
		logger:          slog.Default(),
		breakerFailures: 5,
		breakerCooldown: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote:" + u.Host,
		MaxRequests: 1,
		Timeout:     c.breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.breakerFailures
		},
		// Only transport-level trouble trips the breaker; a rejected
		// mutation proves the remote is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || syncerr.IsRejected(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("remote circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return c, nil
}

// Online reports false while the breaker is open.
func (c *Client) Online() bool {
	return c.cb.State() != gobreaker.StateOpen
}

type replayBody struct {
	EntityID      string         `json:"entity_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload"`
	BaseTimestamp *time.Time     `json:"base_timestamp,omitempty"`
}

type versionBody struct {
	Fields    json.RawMessage `json:"fields"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Replay sends one queue item to the remote.
func (c *Client) Replay(ctx context.Context, req remote.Request) (remote.Result, error) {
	method, path, err := route(req.Operation, req.EntityType, req.EntityID)
	if err != nil {
		return remote.Result{}, syncerr.Wrap(syncerr.CodeRemoteRejected, "replay", err)
	}

	body := replayBody{
		EntityID:  req.EntityID,
		Operation: string(req.Operation),
		Payload:   fields.PlainObject(req.Payload),
	}
	if !req.BaseTimestamp.IsZero() {
		ts := req.BaseTimestamp.UTC()
		body.BaseTimestamp = &ts
	}
	data, err := json.Marshal(body)
	if err != nil {
		return remote.Result{}, syncerr.Wrap(syncerr.CodeRemoteRejected, "replay", fmt.Errorf("encode body: %w", err))
	}

	out, err := c.cb.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), bytes.NewReader(data))
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeRemoteRejected, "replay", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		if req.IdempotencyKey != "" {
			httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
		}
		return c.doReplay(httpReq, req.Operation)
	})
	if err != nil {
		return remote.Result{}, breakerError("replay", err).WithEntity(req.EntityType, req.EntityID)
	}
	return out.(remote.Result), nil
}

func (c *Client) doReplay(httpReq *http.Request, op model.Operation) (remote.Result, error) {
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return remote.Result{}, syncerr.Wrap(syncerr.CodeNetworkTransient, "replay", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return remote.Result{}, syncerr.Wrap(syncerr.CodeNetworkTransient, "replay", fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return parseResult(remote.StatusSuccess, raw)
	case resp.StatusCode == http.StatusConflict:
		return parseResult(remote.StatusConflict, raw)
	case resp.StatusCode == http.StatusNotFound && op == model.OpDelete:
		// Already gone: a replayed delete is a success.
		return remote.Result{Status: remote.StatusSuccess}, nil
	}
	return remote.Result{}, statusError("replay", resp.StatusCode, raw)
}

// FetchCanonical returns the latest server version of an entity.
func (c *Client) FetchCanonical(ctx context.Context, entityType, entityID string) (remote.Canonical, error) {
	path := "/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)

	out, err := c.cb.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeRemoteRejected, "fetch canonical", err)
		}
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeNetworkTransient, "fetch canonical", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return nil, syncerr.Wrap(syncerr.CodeNetworkTransient, "fetch canonical", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, statusError("fetch canonical", resp.StatusCode, raw)
		}
		res, err := parseResult(remote.StatusSuccess, raw)
		if err != nil {
			return nil, err
		}
		return remote.Canonical{Fields: res.ServerVersion, UpdatedAt: res.ServerTimestamp}, nil
	})
	if err != nil {
		return remote.Canonical{}, breakerError("fetch canonical", err).WithEntity(entityType, entityID)
	}
	return out.(remote.Canonical), nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func route(op model.Operation, entityType, entityID string) (method, path string, err error) {
	typ := "/" + url.PathEscape(entityType)
	switch op {
	case model.OpCreate:
		return http.MethodPost, typ, nil
	case model.OpUpdate:
		return http.MethodPut, typ + "/" + url.PathEscape(entityID), nil
	case model.OpDelete:
		return http.MethodDelete, typ + "/" + url.PathEscape(entityID), nil
	}
	return "", "", fmt.Errorf("unknown operation %q", op)
}

func parseResult(status remote.Status, raw []byte) (remote.Result, error) {
	res := remote.Result{Status: status}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, nil
	}

	var body versionBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return remote.Result{}, syncerr.Wrap(syncerr.CodeNetworkTransient, "decode response", err)
	}
	if len(body.Fields) > 0 {
		obj, err := fields.ParseObject(body.Fields)
		if err != nil {
			return remote.Result{}, syncerr.Wrap(syncerr.CodeNetworkTransient, "decode response", err)
		}
		res.ServerVersion = obj
	}
	res.ServerTimestamp = body.UpdatedAt.UTC()
	if body.UpdatedAt.IsZero() {
		res.ServerTimestamp = time.Time{}
	}
	return res, nil
}

// statusError classifies a non-success HTTP status.
// 408, 429 and 5xx are retryable; every other status is a rejection.
func statusError(op string, code int, raw []byte) error {
	msg := fmt.Sprintf("HTTP %d", code)
	if text := strings.TrimSpace(string(raw)); text != "" {
		msg += ": " + clip(text, maxErrorText)
	}

	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return syncerr.New(syncerr.CodeNetworkTransient, op, msg)
	}
	return syncerr.New(syncerr.CodeRemoteRejected, op, msg)
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// breakerError maps breaker refusals onto NetworkUnavailable and keeps
// classified errors as they are.
func breakerError(op string, err error) *syncerr.Error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &syncerr.Error{Code: syncerr.CodeNetworkUnavailable, Op: op, Message: "circuit open", Err: err}
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se
	}
	return &syncerr.Error{Code: syncerr.CodeNetworkTransient, Op: op, Err: err}
}
