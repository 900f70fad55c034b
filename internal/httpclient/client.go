package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/metrics"
	pkgctx "github.com/baechuer/productbazar-client/internal/pkg/context"
	"github.com/baechuer/productbazar-client/internal/session"
	"github.com/baechuer/productbazar-client/internal/tracing"
)

const refreshPath = "/auth/refresh-token"

var (
	errEmptyBody  = errors.New("empty response body")
	errSuperseded = errors.New("superseded by a newer identical request")
)

// Config holds client settings.
type Config struct {
	BaseURL string
	// Timeout applies to each attempt unless Options.Timeout is set.
	Timeout          time.Duration
	RefreshThreshold time.Duration
	UserAgent        string
	Retry            RetryConfig
}

// Client is the authenticated API client. It:
// 1. Injects the bearer token, X-Request-Id and User-Agent
// 2. Coordinates a single token refresh across concurrent 401s
// 3. Retries transient and rate-limited failures
// 4. Supersedes identical non-priority GETs
type Client struct {
	cfg    Config
	http   *http.Client
	tokens session.Store
	bus    *eventbus.Bus
	log    zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	refreshMu   sync.Mutex
	refreshing  *refreshCall
	lastRefresh time.Time

	pendingMu sync.Mutex
	pendingID uint64
	pending   map[string]pendingGet

	beacons *beaconSender
}

type Option func(*Client)

// WithHTTPClient replaces the underlying client (tests use httptest clients).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithoutBeacon disables the fire-and-forget sender, as on platforms without one.
func WithoutBeacon() Option {
	return func(c *Client) { c.beacons = nil }
}

// New builds a client reading the access token from tokens (the persistent scope).
func New(cfg Config, tokens session.Store, bus *eventbus.Bus, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = 5 * time.Minute
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	jar, _ := cookiejar.New(nil)
	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: tracing.Transport(http.DefaultTransport, metrics.Endpoint),
			Jar:       jar,
		},
		tokens:  tokens,
		bus:     bus,
		log:     logger.Component("httpclient"),
		sleep:   sleepCtx,
		now:     time.Now,
		pending: make(map[string]pendingGet),
	}
	c.beacons = newBeaconSender(c)
	for _, opt := range opts {
		opt(c)
	}
	if c.http.Jar == nil {
		c.http.Jar = jar
	}
	return c
}

func (c *Client) Get(ctx context.Context, path string, opts Options) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, opts)
}

func (c *Client) Post(ctx context.Context, path string, opts Options) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, opts)
}

func (c *Client) Put(ctx context.Context, path string, opts Options) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, opts)
}

func (c *Client) Patch(ctx context.Context, path string, opts Options) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, opts)
}

func (c *Client) Delete(ctx context.Context, path string, opts Options) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, opts)
}

// Priority issues a request that is exempt from GET supersession.
func (c *Client) Priority(ctx context.Context, method, path string, opts Options) (*Response, error) {
	opts.Priority = true
	return c.Do(ctx, method, path, opts)
}

// Do executes a request with auth, refresh, retry and supersession handling.
func (c *Client) Do(ctx context.Context, method, path string, opts Options) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrCanceled(err)
	}
	body, err := encodeBody(opts)
	if err != nil {
		return nil, err
	}

	target := c.buildURL(path, opts)
	if method == http.MethodGet && !opts.Priority {
		var release func()
		ctx, release = c.supersede(ctx, method+" "+target)
		defer release()
	}
	if opts.Priority {
		target = withParam(target, "_t", cacheBust())
	}
	ctx, _ = pkgctx.EnsureRequestID(ctx)

	isRefresh := path == refreshPath
	replayed := false
	transient, limited := 0, 0

	for {
		if !isRefresh {
			if err := c.awaitRefresh(ctx); err != nil {
				return nil, err
			}
		}
		bearer := c.token(ctx)

		resp, err := c.send(ctx, method, path, target, body, opts, bearer)
		if err != nil {
			if domain.IsCanceled(err) || transient >= opts.RetryCount {
				return nil, err
			}
			if err := c.backoff(ctx, CalculateDelay(transient, c.cfg.Retry)); err != nil {
				return nil, err
			}
			transient++
			continue
		}

		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return resp, nil

		case resp.Status == http.StatusUnauthorized && !isRefresh && !replayed:
			replayed = true
			current := c.token(ctx)
			if current != "" && current != bearer {
				// another request already refreshed; replay with the newer token
				continue
			}
			if _, err := c.refresh(ctx); err != nil {
				return nil, err
			}
			continue

		case resp.Status == http.StatusTooManyRequests && limited < opts.RetryCount:
			delay := RateLimitDelay(limited, resp.Header, c.now(), c.cfg.Retry.MaxDelay)
			c.log.Warn().
				Str("method", method).
				Str("path", path).
				Dur("retry_in", delay).
				Msg("api_rate_limited")
			if err := c.backoff(ctx, delay); err != nil {
				return nil, err
			}
			limited++
			continue

		case isTransientStatus(resp.Status) && transient < opts.RetryCount:
			if err := c.backoff(ctx, CalculateDelay(transient, c.cfg.Retry)); err != nil {
				return nil, err
			}
			transient++
			continue
		}

		apiErr := decodeError(resp.Status, resp.Body)
		if resp.Status == http.StatusTooManyRequests {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				apiErr = domain.WithMeta(apiErr, map[string]string{"retry_after": ra})
			}
		}
		return nil, apiErr
	}
}

// send performs one attempt.
func (c *Client) send(ctx context.Context, method, path, target string, body *encodedBody, opts Options, bearer string) (*Response, error) {
	timeout := c.cfg.Timeout
	if opts.Timeout > 0 || opts.Timeout == noAttemptTimeout {
		timeout = opts.Timeout
	}
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if timeout == noAttemptTimeout {
		attemptCtx, cancel = context.WithCancel(ctx)
	} else {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, method, target, body.reader())
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, "invalid_request", "could not build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", body.contentType)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	_, reqID := pkgctx.EnsureRequestID(ctx)
	req.Header.Set("X-Request-Id", reqID)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if bearer != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	log := logger.Ctx(ctx).With().
		Str("method", method).
		Str("path", path).
		Logger()

	metrics.RequestsInFlight.Inc()
	defer metrics.RequestsInFlight.Dec()
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRequest(method, path, 0, time.Since(start))
		mapped := c.mapError(ctx, attemptCtx, err)
		if !domain.IsCanceled(mapped) {
			log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("api_request_failed")
		}
		return nil, mapped
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveRequest(method, path, 0, time.Since(start))
		return nil, c.mapError(ctx, attemptCtx, err)
	}

	metrics.ObserveRequest(method, path, resp.StatusCode, time.Since(start))
	log.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("api_request_completed")

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// mapError classifies a transport failure. Caller cancellation wins over the attempt timeout.
func (c *Client) mapError(ctx, attemptCtx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ErrTimeout(err)
		}
		return domain.ErrCanceled(context.Cause(ctx))
	}
	if attemptCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrTimeout(err)
	}
	return domain.ErrNetwork(err)
}

func (c *Client) backoff(ctx context.Context, d time.Duration) error {
	if err := c.sleep(ctx, d); err != nil {
		return domain.ErrCanceled(err)
	}
	return nil
}

func (c *Client) token(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	tok, _, err := c.tokens.Get(ctx, session.KeyAccessToken)
	if err != nil {
		c.log.Warn().Err(err).Msg("token_read_failed")
	}
	return tok
}

func (c *Client) buildURL(path string, opts Options) string {
	target := c.cfg.BaseURL + "/" + strings.TrimLeft(path, "/")
	if len(opts.Params) > 0 {
		target = target + "?" + opts.Params.Encode()
	}
	return target
}

func withParam(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + key + "=" + value
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type pendingGet struct {
	id     uint64
	cancel context.CancelCauseFunc
}

// supersede cancels any older identical GET and registers this one.
// The returned release must run when the request settles.
func (c *Client) supersede(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	c.pendingMu.Lock()
	c.pendingID++
	id := c.pendingID
	if prev, ok := c.pending[key]; ok {
		prev.cancel(errSuperseded)
	}
	c.pending[key] = pendingGet{id: id, cancel: cancel}
	c.pendingMu.Unlock()

	return ctx, func() {
		c.pendingMu.Lock()
		if cur, ok := c.pending[key]; ok && cur.id == id {
			delete(c.pending, key)
		}
		c.pendingMu.Unlock()
		cancel(nil)
	}
}

// PendingCount reports registered supersedable GETs.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Close waits for outstanding beacons.
func (c *Client) Close(ctx context.Context) error {
	if c.beacons == nil {
		return nil
	}
	return c.beacons.wait(ctx)
}
