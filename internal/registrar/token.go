package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"dsprocessor/internal/platform/metrics"
	dErrors "dsprocessor/pkg/domain-errors"
)

// Token is a bearer token and the moment it stops being usable.
type Token struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (t Token) usable(now time.Time, skew time.Duration) bool {
	return t.Value != "" && now.Add(skew).Before(t.ExpiresAt)
}

// TokenSource fetches a fresh token from the token endpoint.
type TokenSource interface {
	FetchToken(ctx context.Context) (Token, error)
}

// SharedStore shares a token between processor replicas.
type SharedStore interface {
	Load(ctx context.Context) (Token, bool, error)
	Store(ctx context.Context, tok Token) error
	// Clear removes the shared token if it still holds value.
	Clear(ctx context.Context, value string) error
}

// TokenCache is a single-slot token cache. Concurrent callers that find the
// slot empty share one refresh.
type TokenCache struct {
	source  TokenSource
	shared  SharedStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	skew    time.Duration

	mu       sync.Mutex
	current  Token
	rejected string

	refresh singleflight.Group
}

type TokenCacheOption func(*TokenCache)

func WithSharedStore(s SharedStore) TokenCacheOption {
	return func(c *TokenCache) { c.shared = s }
}

func WithTokenLogger(logger *slog.Logger) TokenCacheOption {
	return func(c *TokenCache) { c.logger = logger }
}

func WithTokenMetrics(m *metrics.Metrics) TokenCacheOption {
	return func(c *TokenCache) { c.metrics = m }
}

func WithTokenClock(now func() time.Time) TokenCacheOption {
	return func(c *TokenCache) { c.now = now }
}

// WithExpirySkew treats tokens as expired this long before their expiry.
func WithExpirySkew(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) { c.skew = d }
}

func NewTokenCache(source TokenSource, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		source: source,
		logger: slog.Default(),
		now:    time.Now,
		skew:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a usable bearer token, refreshing it when needed.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok.Value, nil
	}

	// The refresh outlives any single caller so that a cancelled caller does
	// not fail the others waiting on it.
	ch := c.refresh.DoChan("token", func() (any, error) {
		return c.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Token).Value, nil
	}
}

// Invalidate drops stale if it is still the cached token. Called after the
// registrar rejected stale with 401.
func (c *TokenCache) Invalidate(ctx context.Context, stale string) {
	c.mu.Lock()
	if c.current.Value == stale {
		c.current = Token{}
	}
	c.rejected = stale
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Clear(ctx, stale); err != nil {
			c.logger.WarnContext(ctx, "failed to clear shared token", "error", err)
		}
	}
}

func (c *TokenCache) cached() (Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current.usable(c.now(), c.skew) {
		return c.current, true
	}
	return Token{}, false
}

func (c *TokenCache) set(tok Token) {
	c.mu.Lock()
	c.current = tok
	c.mu.Unlock()
}

func (c *TokenCache) load(ctx context.Context) (Token, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	if c.shared != nil {
		tok, found, err := c.shared.Load(ctx)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "shared token store unavailable", "error", err)
		case found && tok.usable(c.now(), c.skew) && tok.Value != c.rejectedToken():
			c.set(tok)
			c.metrics.ObserveTokenRefresh("shared", nil)
			return tok, nil
		}
	}

	tok, err := c.source.FetchToken(ctx)
	c.metrics.ObserveTokenRefresh("endpoint", err)
	if err != nil {
		return Token{}, err
	}
	c.set(tok)
	c.logger.InfoContext(ctx, "bearer token refreshed", "expires_at", tok.ExpiresAt)

	if c.shared != nil {
		if err := c.shared.Store(ctx, tok); err != nil {
			c.logger.WarnContext(ctx, "failed to share token", "error", err)
		}
	}
	return tok, nil
}

func (c *TokenCache) rejectedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejected
}

// ClientCredentials fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentials struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// DefaultTTL applies when neither expires_in nor a JWT exp claim is present.
	DefaultTTL time.Duration
	Now        func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (s *ClientCredentials) FetchToken(ctx context.Context) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.ClientID},
		"client_secret": {s.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, dErrors.Wrap(err, dErrors.CodeInternal, "build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, dErrors.Wrap(err, dErrors.CodeRegistrarUnavailable, "token endpoint unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return Token{}, dErrors.Newf(dErrors.CodeRegistrarUnavailable, "token endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return Token{}, dErrors.Newf(dErrors.CodeRegistrarAuthFailed, "token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, dErrors.Wrap(err, dErrors.CodeRegistrarProtocol, "decode token response")
	}
	if tr.AccessToken == "" {
		return Token{}, dErrors.New(dErrors.CodeRegistrarProtocol, "token response without access_token")
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Token{Value: tr.AccessToken, ExpiresAt: s.expiry(tr, now())}, nil
}

func (s *ClientCredentials) expiry(tr tokenResponse, now time.Time) time.Time {
	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(tr.AccessToken); ok {
		return exp
	}
	ttl := s.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return now.Add(ttl)
}

// jwtExpiry reads the exp claim without verifying the signature. The token is
// only inspected to schedule its refresh; the registrar verifies it.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func (t Token) String() string {
	return fmt.Sprintf("token(expires %s)", t.ExpiresAt.Format(time.RFC3339))
}
