package product

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
)

// API is the slice of the HTTP client the store needs.
type API interface {
	Do(ctx context.Context, method, path string, opts httpclient.Options) (*httpclient.Response, error)
}

// Store is the shared product cache keyed by slug, with a secondary id index.
// Every write goes through domain.MergeProduct so the counter invariants hold.
type Store struct {
	api      API
	bus      *eventbus.Bus
	identity domain.Identity
	nav      domain.Navigator
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
	fetches  singleflight.Group

	mu       sync.RWMutex
	cache    map[string]domain.Product
	slugByID map[string]string
	current  string

	dedupMu     sync.Mutex
	dedupWindow time.Duration
	recent      map[string]liveMark
}

type Option func(*Store)

func WithNavigator(nav domain.Navigator) Option {
	return func(s *Store) { s.nav = nav }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithDedupWindow sets how long identical live events are suppressed.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupWindow = d }
}

func New(api API, bus *eventbus.Bus, identity domain.Identity, opts ...Option) *Store {
	if identity == nil {
		identity = domain.Anonymous{}
	}
	s := &Store{
		api:         api,
		bus:         bus,
		identity:    identity,
		validate:    validator.New(),
		log:         logger.Component("product_store"),
		now:         time.Now,
		cache:       make(map[string]domain.Product),
		slugByID:    make(map[string]string),
		dedupWindow: 300 * time.Millisecond,
		recent:      make(map[string]liveMark),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type GetOptions struct {
	BypassCache bool
}

// GetBySlug returns the cached product, fetching it on a miss or when bypassed.
// Concurrent fetches of one slug share a single request.
func (s *Store) GetBySlug(ctx context.Context, slug string, opts GetOptions) (domain.Product, error) {
	if slug == "" {
		return domain.Product{}, domain.ErrInvalidField("slug", "required")
	}
	if !opts.BypassCache {
		if p, ok := s.Lookup(slug); ok {
			return p, nil
		}
	}

	// the shared fetch outlives any single caller; each caller still honours its own ctx
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.fetches.DoChan(slug, func() (any, error) {
		resp, err := s.api.Do(fetchCtx, http.MethodGet, "/products/"+url.PathEscape(slug), httpclient.Options{})
		if err != nil {
			return nil, err
		}
		patch, err := decodeProductData(resp)
		if err != nil {
			return nil, err
		}
		if patch.SlugValue() == "" {
			patch.Slug = &slug
		}
		return s.Ingest(patch), nil
	})

	select {
	case <-ctx.Done():
		return domain.Product{}, domain.FromContext(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return domain.Product{}, res.Err
		}
		return res.Val.(domain.Product).Clone(), nil
	}
}

// ListResult is one page of products.
type ListResult struct {
	Products   []domain.Product
	Pagination *domain.Pagination
}

// List fetches GET /products and merges every item into the cache.
func (s *Store) List(ctx context.Context, params url.Values) (ListResult, error) {
	return s.list(ctx, "/products", params)
}

// ListByCategory fetches GET /products/category/{slug}.
func (s *Store) ListByCategory(ctx context.Context, category string, params url.Values) (ListResult, error) {
	return s.list(ctx, "/products/category/"+url.PathEscape(category), params)
}

func (s *Store) list(ctx context.Context, path string, params url.Values) (ListResult, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, path, httpclient.Options{Params: params})
	if err != nil {
		return ListResult{}, err
	}
	// a bare array is not an envelope; fall back to the whole body
	env, _ := resp.Envelope()
	if env.Failed() {
		return ListResult{}, domain.New(domain.KindHTTP, env.ErrorCode(), env.ErrorMessage())
	}
	raw := env.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = resp.Body
	}
	items, pagination, err := unwrapList(raw)
	if err != nil {
		return ListResult{}, err
	}
	if pagination == nil {
		pagination = env.Pagination
	}

	out := ListResult{Products: make([]domain.Product, 0, len(items)), Pagination: pagination}
	for _, item := range items {
		var patch domain.ProductPatch
		if err := json.Unmarshal(item, &patch); err != nil {
			s.log.Debug().Err(err).Msg("product_list_item_skipped")
			continue
		}
		out.Products = append(out.Products, s.Ingest(patch))
	}
	return out, nil
}

// Ingest merges a server product into the cache without publishing.
func (s *Store) Ingest(patch domain.ProductPatch) domain.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeLocked(s.resolveLocked(patch.SlugValue(), patch.IDValue()), patch)
}

// UpdateInCache merges patch into the product addressed by slug or id and publishes product:updated.
func (s *Store) UpdateInCache(slugOrID string, patch domain.ProductPatch) (domain.Product, bool) {
	s.mu.Lock()
	slug := s.resolveLocked(slugOrID, slugOrID)
	if _, ok := s.cache[slug]; !ok {
		s.mu.Unlock()
		return domain.Product{}, false
	}
	p := s.mergeLocked(slug, patch)
	s.mu.Unlock()

	s.publishUpdated(p, "")
	return p, true
}

// Lookup returns a copy of the cached product.
func (s *Store) Lookup(slug string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.cache[slug]
	if !ok {
		return domain.Product{}, false
	}
	return p.Clone(), true
}

func (s *Store) SlugForID(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slug, ok := s.slugByID[id]
	return slug, ok
}

// SetCurrent marks the product the user is looking at.
func (s *Store) SetCurrent(slug string) {
	s.mu.Lock()
	s.current = slug
	s.mu.Unlock()
}

// Current returns the product marked by SetCurrent, if cached.
func (s *Store) Current() (domain.Product, bool) {
	s.mu.RLock()
	slug := s.current
	s.mu.RUnlock()
	if slug == "" {
		return domain.Product{}, false
	}
	return s.Lookup(slug)
}

// Len reports the number of cached products.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Clear drops every cached product, e.g. after sign-out.
func (s *Store) Clear() {
	s.mu.Lock()
	s.cache = make(map[string]domain.Product)
	s.slugByID = make(map[string]string)
	s.current = ""
	s.mu.Unlock()
}

// resolveLocked maps an id to its slug; anything not in the index is taken as a slug.
func (s *Store) resolveLocked(slug, id string) string {
	if slug != "" {
		if _, ok := s.cache[slug]; ok {
			return slug
		}
	}
	if id != "" {
		if known, ok := s.slugByID[id]; ok {
			return known
		}
	}
	return slug
}

func (s *Store) mergeLocked(slug string, patch domain.ProductPatch) domain.Product {
	var prev *domain.Product
	if p, ok := s.cache[slug]; ok {
		prev = &p
	}
	if slug != "" && patch.Slug == nil {
		patch.Slug = &slug
	}
	p := domain.MergeProduct(prev, patch)
	if p.Slug == "" {
		return p
	}
	if p.Slug != slug && slug != "" {
		delete(s.cache, slug)
	}
	s.cache[p.Slug] = p
	if p.ID != "" {
		// one id per slug: an id replaced under this slug no longer resolves to it
		for id, known := range s.slugByID {
			if known == p.Slug && id != p.ID {
				delete(s.slugByID, id)
			}
		}
		s.slugByID[p.ID] = p.Slug
	}
	return p.Clone()
}

func (s *Store) publishUpdated(p domain.Product, oldSlug string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.ProductUpdated, eventbus.ProductUpdatedEvent{
		Slug:    p.Slug,
		OldSlug: oldSlug,
		ID:      p.ID,
		Product: p,
	})
}

func decodeProductData(resp *httpclient.Response) (domain.ProductPatch, error) {
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return domain.ProductPatch{}, err
	}
	return unwrapProduct(raw)
}

// unwrapProduct accepts a bare product or {"product": {...}}.
func unwrapProduct(raw json.RawMessage) (domain.ProductPatch, error) {
	var wrapper struct {
		Product json.RawMessage `json:"product"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Product) > 0 && string(wrapper.Product) != "null" {
		raw = wrapper.Product
	}
	var patch domain.ProductPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return patch, domain.ErrParse(err)
	}
	return patch, nil
}

// unwrapList accepts a bare array or {"products"|"items": [...], "pagination": {...}}.
func unwrapList(raw json.RawMessage) ([]json.RawMessage, *domain.Pagination, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil, nil
	}
	var obj struct {
		Products   []json.RawMessage  `json:"products"`
		Items      []json.RawMessage  `json:"items"`
		Pagination *domain.Pagination `json:"pagination"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, nil, domain.ErrParse(err)
	}
	if obj.Products == nil {
		obj.Products = obj.Items
	}
	return obj.Products, obj.Pagination, nil
}
