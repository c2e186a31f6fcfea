// Package registrar talks to the external PID (handle) registrar.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"dsprocessor/internal/fdo"
	"dsprocessor/internal/platform/metrics"
	dErrors "dsprocessor/pkg/domain-errors"
)

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 2 * time.Second
	maxBodyBytes       = 4 << 20
)

// Tokens supplies bearer tokens and accepts rejected ones back.
type Tokens interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context, stale string)
}

// Client is the registrar client. All operations are batch round trips.
//
// 5xx responses and transport errors are retried with a fixed delay until the
// attempt budget runs out (registrar_unavailable). A 401 invalidates the token
// and retries once with a fresh one; a second 401 is registrar_auth_failed.
// Other 4xx responses are registrar_rejected and carry the response body.
type Client struct {
	baseURL     string
	http        *http.Client
	tokens      Tokens
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithMaxAttempts sets the total number of attempts for 5xx responses.
func WithMaxAttempts(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) {
		if d >= 0 {
			cl.retryDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func New(baseURL string, tokens Tokens, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create mints PIDs and returns them keyed by natural key. Keys missing from
// the result were not minted.
func (c *Client) Create(ctx context.Context, reqs []fdo.ProfileRequest) (map[string]string, error) {
	if len(reqs) == 0 {
		return map[string]string{}, nil
	}
	body, err := encodeProfiles(reqs)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode create request")
	}
	resp, err := c.do(ctx, "create", http.MethodPost, "/records", body)
	if err != nil {
		return nil, err
	}
	return decodeKeyed(resp)
}

// Update patches existing PID records. Every request must carry its PID.
func (c *Client) Update(ctx context.Context, reqs []fdo.ProfileRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	for _, r := range reqs {
		if r.PID == "" {
			return dErrors.Newf(dErrors.CodeInternal, "update for %q without pid", r.NaturalKey)
		}
	}
	body, err := encodeProfiles(reqs)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode update request")
	}
	_, err = c.do(ctx, "update", http.MethodPatch, "/records", body)
	return err
}

// Resolve looks up PIDs already minted for natural keys. Unknown keys are
// absent from the result.
func (c *Client) Resolve(ctx context.Context, naturalKeys []string) (map[string]string, error) {
	if len(naturalKeys) == 0 {
		return map[string]string{}, nil
	}
	var req lookupRequest
	req.Data.PrimaryObjectIDs = naturalKeys
	body, err := json.Marshal(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "encode lookup request")
	}
	resp, err := c.do(ctx, "resolve", http.MethodPost, "/records/lookup", body)
	if err != nil {
		return nil, err
	}
	return decodeKeyed(resp)
}

// RollbackCreate deletes PIDs minted by a failed attempt.
func (c *Client) RollbackCreate(ctx context.Context, pids []string) error {
	return c.sendIDs(ctx, "rollback_create", http.MethodDelete, "/rollback/create", pids)
}

// RollbackUpdate restores PID records to the given profiles.
func (c *Client) RollbackUpdate(ctx context.Context, previous []fdo.ProfileRequest) error {
	if len(previous) == 0 {
		return nil
	}
	body, err := encodeProfiles(previous)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode rollback request")
	}
	_, err = c.do(ctx, "rollback_update", http.MethodDelete, "/rollback/update", body)
	return err
}

// Tombstone marks PID records as retired.
func (c *Client) Tombstone(ctx context.Context, reqs []fdo.ProfileRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	body, err := encodeProfiles(reqs)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode tombstone request")
	}
	_, err = c.do(ctx, "tombstone", http.MethodPut, "/tombstone", body)
	return err
}

// RegisterSecondaryID registers a DOI for each PID.
func (c *Client) RegisterSecondaryID(ctx context.Context, pids []string) error {
	return c.sendIDs(ctx, "secondary_id", http.MethodPost, "/doi", pids)
}

func (c *Client) sendIDs(ctx context.Context, op, method, path string, pids []string) error {
	if len(pids) == 0 {
		return nil
	}
	body, err := encodeIDs(pids)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode id list")
	}
	_, err = c.do(ctx, op, method, path, body)
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte) ([]byte, error) {
	refreshed := false
	attempt := 1
	for {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		status, resp, err := c.roundTrip(ctx, method, path, token, body)
		c.metrics.ObserveRegistrarRequest(op, statusClass(status, err), time.Since(start))

		switch {
		case err != nil && ctx.Err() != nil:
			return nil, dErrors.Wrap(ctx.Err(), dErrors.CodeRegistrarUnavailable, op+" cancelled")
		case err != nil || status >= http.StatusInternalServerError:
			if attempt >= c.maxAttempts {
				c.logger.ErrorContext(ctx, "registrar unavailable", "operation", op, "attempts", attempt, "status", status, "error", err)
				cause := err
				if cause == nil {
					cause = fmt.Errorf("registrar returned %d", status)
				}
				return nil, dErrors.Wrap(cause, dErrors.CodeRegistrarUnavailable, fmt.Sprintf("%s failed after %d attempts", op, attempt))
			}
			c.logger.WarnContext(ctx, "registrar request failed, retrying", "operation", op, "attempt", attempt, "status", status, "error", err)
			if err := sleep(ctx, c.retryDelay); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeRegistrarUnavailable, op+" cancelled")
			}
			attempt++
		case status == http.StatusUnauthorized:
			if refreshed {
				return nil, dErrors.Newf(dErrors.CodeRegistrarAuthFailed, "%s rejected token after refresh", op)
			}
			c.tokens.Invalidate(ctx, token)
			refreshed = true
		case status >= http.StatusBadRequest:
			return nil, dErrors.Newf(dErrors.CodeRegistrarRejected, "%s returned %d: %s", op, status, resp)
		default:
			return resp, nil
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path, token string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func statusClass(status int, err error) string {
	if err != nil && status == 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", status/100)
}
