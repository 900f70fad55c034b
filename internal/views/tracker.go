package views

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/session"
)

const (
	viewThrottle   = 5 * time.Minute
	statsTTL       = 60 * time.Second
	historyTTL     = 60 * time.Second
	viewRetryCount = 2
)

// Status is the outcome of RecordView.
type Status string

const (
	StatusTracked        Status = "tracked"
	StatusAlreadyTracked Status = "already-tracked"
)

// API is the slice of the HTTP client the tracker needs.
type API interface {
	Do(ctx context.Context, method, path string, opts httpclient.Options) (*httpclient.Response, error)
}

// EntitySubscriber holds live subscriptions for products whose stats are on screen.
type EntitySubscriber interface {
	SubscribeEntity(ctx context.Context, id string) error
	UnsubscribeEntity(ctx context.Context, id string) error
}

// ProductSink receives products seen in view lists.
type ProductSink interface {
	Ingest(patch domain.ProductPatch) domain.Product
}

type Config struct {
	StatsTimeout time.Duration
	Viewport     string
	UserAgent    string
}

// Tracker records product views and dwell time and serves view analytics.
type Tracker struct {
	api      API
	beacon   httpclient.Beacon
	sess     session.Store
	live     EntitySubscriber
	products ProductSink
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	sessionMu sync.Mutex
	markerMu  sync.Mutex

	mu    sync.Mutex
	stats map[string]*statsEntry

	unsubscribe func()
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithBeacon sends dwell durations fire-and-forget.
func WithBeacon(b httpclient.Beacon) Option {
	return func(t *Tracker) { t.beacon = b }
}

func WithLive(live EntitySubscriber) Option {
	return func(t *Tracker) { t.live = live }
}

func WithProducts(p ProductSink) Option {
	return func(t *Tracker) { t.products = p }
}

func New(api API, sess session.Store, bus *eventbus.Bus, cfg Config, opts ...Option) *Tracker {
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 10 * time.Second
	}
	t := &Tracker{
		api:   api,
		sess:  sess,
		cfg:   cfg,
		log:   logger.Component("views"),
		now:   time.Now,
		stats: make(map[string]*statsEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	if bus != nil {
		t.unsubscribe = bus.Subscribe(eventbus.ViewUpdated, t.onViewUpdated)
	}
	return t
}

// Close detaches the tracker from the event bus.
func (t *Tracker) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// SessionID returns the view session id, creating it on first use.
func (t *Tracker) SessionID(ctx context.Context) (string, error) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()

	id, ok, err := t.sess.Get(ctx, session.KeyViewSessionID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := t.sess.Set(ctx, session.KeyViewSessionID, id); err != nil {
		return "", err
	}
	return id, nil
}

// View describes one product impression.
type View struct {
	ProductID          string
	Source             string
	Referrer           string
	RecommendationType string
	Position           *int
}

type viewBody struct {
	Source             string `json:"source"`
	Referrer           string `json:"referrer,omitempty"`
	RecommendationType string `json:"recommendationType,omitempty"`
	Position           *int   `json:"position,omitempty"`
	SessionID          string `json:"sessionId"`
	Viewport           string `json:"viewport,omitempty"`
	UserAgent          string `json:"userAgent,omitempty"`
}

// RecordView posts a view unless the same product and source were tracked in the last
// five minutes. Failures are logged and returned but never retried by the caller.
func (t *Tracker) RecordView(ctx context.Context, v View) (Status, error) {
	if v.ProductID == "" {
		return "", domain.ErrInvalidField("productId", "required")
	}
	if v.Source == "" {
		v.Source = "direct"
	}

	marker := session.ViewMarkerKey(v.ProductID, v.Source)
	if !t.claimMarker(ctx, marker) {
		return StatusAlreadyTracked, nil
	}

	sid, err := t.SessionID(ctx)
	if err != nil {
		t.log.Warn().Err(err).Msg("view_session_unavailable")
	}
	_, err = t.api.Do(ctx, http.MethodPost, "/views/product/"+url.PathEscape(v.ProductID), httpclient.Options{
		Body: viewBody{
			Source:             v.Source,
			Referrer:           v.Referrer,
			RecommendationType: v.RecommendationType,
			Position:           v.Position,
			SessionID:          sid,
			Viewport:           t.cfg.Viewport,
			UserAgent:          t.cfg.UserAgent,
		},
		RetryCount: viewRetryCount,
	})
	if err != nil {
		_ = t.sess.Remove(context.WithoutCancel(ctx), marker)
		if !domain.IsCanceled(err) {
			t.log.Debug().Err(err).Str("product_id", v.ProductID).Msg("view_record_failed")
		}
		return "", err
	}
	return StatusTracked, nil
}

// claimMarker checks and sets the throttle marker as one step, so concurrent calls for the
// same product and source post once.
func (t *Tracker) claimMarker(ctx context.Context, key string) bool {
	t.markerMu.Lock()
	defer t.markerMu.Unlock()
	now := t.now()
	if last, ok := t.marker(ctx, key); ok && now.Sub(last) < viewThrottle {
		return false
	}
	if err := t.sess.Set(ctx, key, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("view_marker_failed")
	}
	return true
}

func (t *Tracker) marker(ctx context.Context, key string) (time.Time, bool) {
	raw, ok, err := t.sess.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Dwell measures time spent on a product page.
type Dwell struct {
	t         *Tracker
	productID string
	source    string
	start     time.Time
	once      sync.Once
}

func (t *Tracker) StartDwell(productID, source string) *Dwell {
	return &Dwell{t: t, productID: productID, source: source, start: t.now()}
}

// End reports the dwell in whole seconds. Dwells under a second are not sent.
// Only the first call has an effect.
func (d *Dwell) End() int {
	seconds := 0
	d.once.Do(func() {
		seconds = int(d.t.now().Sub(d.start) / time.Second)
		if seconds < 1 {
			return
		}
		if err := d.t.RecordDuration(context.Background(), d.productID, seconds, d.source); err != nil && !domain.IsCanceled(err) {
			d.t.log.Debug().Err(err).Str("product_id", d.productID).Msg("dwell_record_failed")
		}
	})
	return seconds
}

type durationBody struct {
	Duration  int    `json:"duration"`
	Source    string `json:"source,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// RecordDuration sends a dwell duration, by beacon when available.
func (t *Tracker) RecordDuration(ctx context.Context, productID string, seconds int, source string) error {
	if productID == "" {
		return domain.ErrInvalidField("productId", "required")
	}
	if seconds < 1 {
		return nil
	}
	sid, _ := t.SessionID(ctx)
	path := fmt.Sprintf("/views/product/%s/duration", url.PathEscape(productID))
	body := durationBody{Duration: seconds, Source: source, SessionID: sid}

	if t.beacon != nil && t.beacon.Send(path, body) {
		return nil
	}
	_, err := t.api.Do(ctx, http.MethodPost, path, httpclient.Options{Body: body, Priority: true})
	return err
}
