package recommendation

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/metrics"
	"github.com/baechuer/productbazar-client/internal/session"
	"github.com/baechuer/productbazar-client/internal/tracing"
)

const (
	defaultTTL          = 5 * time.Minute
	minRefreshWindow    = 30 * time.Second
	backgroundTimeout   = 30 * time.Second
	rateWarningInterval = 30 * time.Second
)

var kindTTL = map[domain.RecKind]time.Duration{
	domain.RecFeed:          15 * time.Minute,
	domain.RecTrending:      30 * time.Minute,
	domain.RecCollaborative: 10 * time.Minute,
}

func ttlFor(kind domain.RecKind) time.Duration {
	if d, ok := kindTTL[kind]; ok {
		return d
	}
	return defaultTTL
}

// API is the slice of the HTTP client the scheduler needs.
type API interface {
	Do(ctx context.Context, method, path string, opts httpclient.Options) (*httpclient.Response, error)
}

// ProductSink receives every product seen in a list so the shared cache stays current.
type ProductSink interface {
	Ingest(patch domain.ProductPatch) domain.Product
}

// Params narrows a list. ID addresses the similar, category and maker kinds.
type Params struct {
	ID    string
	Tags  []string
	Limit int
	Extra url.Values
}

func (p Params) query() url.Values {
	q := url.Values{}
	for k, vs := range p.Extra {
		q[k] = slices.Clone(vs)
	}
	if len(p.Tags) > 0 {
		tags := slices.Clone(p.Tags)
		slices.Sort(tags)
		q.Set("tags", strings.Join(tags, ","))
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	return q
}

// cacheKey is the kind, the id and the params sorted by name with sorted values.
func cacheKey(kind domain.RecKind, p Params) string {
	q := p.query()
	for k := range q {
		slices.Sort(q[k])
	}
	key := string(kind)
	if p.ID != "" {
		key += "/" + p.ID
	}
	if enc := q.Encode(); enc != "" {
		key += "?" + enc
	}
	return key
}

func endpoint(kind domain.RecKind, id string) string {
	path := "/recommendations/" + string(kind)
	switch kind {
	case domain.RecSimilar, domain.RecCategory, domain.RecMaker:
		path += "/" + url.PathEscape(id)
	}
	return path
}

// FetchOptions tunes one Get. Refresh waits for a fresh list instead of serving the cache.
type FetchOptions struct {
	Refresh bool
}

type entry struct {
	items     []domain.Recommendation
	fetchedAt time.Time // backdated by MarkStale
	lastFetch time.Time
}

// Scheduler serves recommendation lists from a typed cache with stale-while-revalidate,
// per-key request coalescing, adaptive backoff and per-kind fallbacks.
type Scheduler struct {
	api      API
	products ProductSink
	prefs    session.Store
	identity domain.Identity
	log      zerolog.Logger
	now      func() time.Time
	limiter  *limiter

	flights singleflight.Group
	bg      sync.WaitGroup

	mu    sync.RWMutex
	cache map[string]*entry
	kinds map[string]domain.RecKind

	warnMu    sync.Mutex
	warnedAt  map[string]time.Time
	onLimited func(endpoint string)
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.limiter.sleep = fn }
}

// WithJitter replaces the backoff jitter source; it must return a value in [0.5, 1.5).
func WithJitter(fn func() float64) Option {
	return func(s *Scheduler) { s.limiter.jitter = fn }
}

// WithRateLimitWarning registers a callback fired at most once per 30s per endpoint
// when the server rate-limits a list.
func WithRateLimitWarning(fn func(endpoint string)) Option {
	return func(s *Scheduler) { s.onLimited = fn }
}

func New(api API, products ProductSink, prefs session.Store, identity domain.Identity, opts ...Option) *Scheduler {
	if identity == nil {
		identity = domain.Anonymous{}
	}
	s := &Scheduler{
		api:      api,
		products: products,
		prefs:    prefs,
		identity: identity,
		log:      logger.Component("recommendations"),
		now:      time.Now,
		cache:    make(map[string]*entry),
		kinds:    make(map[string]domain.RecKind),
		warnedAt: make(map[string]time.Time),
	}
	s.limiter = newLimiter(func() time.Time { return s.now() })
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the list for kind and params.
//
// A cached entry within its TTL is returned as is. An expired or stale entry is returned
// immediately and refreshed in the background, unless it was fetched less than 30s ago.
// Without a cache entry concurrent callers share one request.
func (s *Scheduler) Get(ctx context.Context, kind domain.RecKind, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	if kind == domain.RecPersonalized {
		settings, err := s.Settings(ctx)
		if err == nil && !settings.EnablePersonalized {
			return []domain.Recommendation{}, nil
		}
	}

	key := cacheKey(kind, p)
	now := s.now()

	s.mu.RLock()
	e, cached := s.cache[key]
	var items []domain.Recommendation
	var fresh, recent bool
	if cached {
		items = e.items
		fresh = now.Sub(e.fetchedAt) < ttlFor(kind)
		recent = now.Sub(e.lastFetch) < minRefreshWindow
	}
	s.mu.RUnlock()

	if cached && !opts.Refresh {
		switch {
		case fresh:
			metrics.RecommendationCacheTotal.WithLabelValues(string(kind), "hit").Inc()
		case recent:
			metrics.RecommendationCacheTotal.WithLabelValues(string(kind), "stale").Inc()
		default:
			metrics.RecommendationCacheTotal.WithLabelValues(string(kind), "stale").Inc()
			s.refreshInBackground(ctx, key, kind, p)
		}
		return slices.Clone(items), nil
	}

	metrics.RecommendationCacheTotal.WithLabelValues(string(kind), "miss").Inc()
	fetched, err := s.await(ctx, key, kind, p)
	if err != nil {
		if cached && !domain.IsCanceled(err) {
			s.log.Warn().Err(err).Str("key", key).Msg("recommendations_serving_stale")
			return slices.Clone(items), nil
		}
		return nil, err
	}
	return fetched, nil
}

func (s *Scheduler) await(ctx context.Context, key string, kind domain.RecKind, p Params) ([]domain.Recommendation, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		return s.load(fetchCtx, key, kind, p)
	})
	select {
	case <-ctx.Done():
		return nil, domain.FromContext(ctx.Err())
	case res := <-ch:
		if res.Shared {
			metrics.RecommendationCacheTotal.WithLabelValues(string(kind), "coalesced").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]domain.Recommendation)), nil
	}
}

func (s *Scheduler) refreshInBackground(ctx context.Context, key string, kind domain.RecKind, p Params) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
		defer cancel()
		ch := s.flights.DoChan(key, func() (any, error) {
			return s.load(bgCtx, key, kind, p)
		})
		if res := <-ch; res.Err != nil && !domain.IsCanceled(res.Err) {
			s.log.Debug().Err(res.Err).Str("key", key).Msg("recommendations_background_refresh_failed")
		}
	}()
}

// load runs the backoff gate, the fetch with fallbacks, and stores the result.
func (s *Scheduler) load(ctx context.Context, key string, kind domain.RecKind, p Params) ([]domain.Recommendation, error) {
	ctx, span := tracing.StartSpan(ctx, "recommendations.load", attribute.String("kind", string(kind)))
	defer span.End()

	path := endpoint(kind, p.ID)
	s.mu.RLock()
	_, cached := s.cache[key]
	s.mu.RUnlock()

	if err := s.limiter.wait(ctx, path, cached); err != nil {
		if !errors.Is(err, errBusy) {
			return nil, domain.FromContext(err)
		}
		s.mu.RLock()
		e, ok := s.cache[key]
		var items []domain.Recommendation
		if ok {
			items = slices.Clone(e.items)
		}
		s.mu.RUnlock()
		if ok {
			s.log.Debug().Str("endpoint", path).Msg("recommendations_backoff_serving_cache")
			return items, nil
		}
	}

	items, err := s.fetch(ctx, kind, p)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("items", len(items)))

	now := s.now()
	s.mu.Lock()
	s.cache[key] = &entry{items: items, fetchedAt: now, lastFetch: now}
	s.kinds[key] = kind
	s.mu.Unlock()
	return slices.Clone(items), nil
}

// MarkStale backdates the given kinds so their next read refreshes. Nothing is evicted.
func (s *Scheduler) MarkStale(kinds ...domain.RecKind) {
	if len(kinds) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, kind := range s.kinds {
		if !slices.Contains(kinds, kind) {
			continue
		}
		if e, ok := s.cache[key]; ok {
			e.fetchedAt = time.Time{}
			e.lastFetch = time.Time{}
		}
	}
}

// Evict drops a product from every cached list.
func (s *Scheduler) Evict(productID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.cache {
		e.items = slices.DeleteFunc(slices.Clone(e.items), func(r domain.Recommendation) bool {
			return r.ProductData.ID == productID
		})
	}
}

// Clear drops the whole cache, e.g. after sign-out.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]*entry)
	s.kinds = make(map[string]domain.RecKind)
	s.mu.Unlock()
}

// Close waits for background refreshes.
func (s *Scheduler) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) warnRateLimited(path string) {
	if s.onLimited == nil {
		return
	}
	now := s.now()
	s.warnMu.Lock()
	last, seen := s.warnedAt[path]
	if seen && now.Sub(last) < rateWarningInterval {
		s.warnMu.Unlock()
		return
	}
	s.warnedAt[path] = now
	s.warnMu.Unlock()
	s.onLimited(path)
}

func (s *Scheduler) getList(ctx context.Context, path string, q url.Values) (*httpclient.Response, error) {
	return s.api.Do(ctx, http.MethodGet, path, httpclient.Options{Params: q})
}
