package interaction

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/session"
)

type Kind string

const (
	View           Kind = "view"
	Upvote         Kind = "upvote"
	RemoveUpvote   Kind = "remove_upvote"
	Bookmark       Kind = "bookmark"
	RemoveBookmark Kind = "remove_bookmark"
	Purchase       Kind = "purchase"
	Follow         Kind = "follow"
	PageView       Kind = "page_view"
	Comment        Kind = "comment"
	Share          Kind = "share"
	Click          Kind = "click"
)

const (
	productPath = "/recommendations/interaction"
	pagePath    = "/recommendations/interaction/page"
	throttle    = 30 * time.Second
)

// pageTypes are targets that name a page rather than a product.
var pageTypes = []string{"homepage", "search", "category", "collection", "profile", "settings", "notifications", "dashboard"}

// biasing kinds make the personalised lists outdated; removals also affect trending.
var (
	biasing  = []Kind{Upvote, Bookmark, RemoveUpvote, RemoveBookmark, Purchase, Follow}
	removals = []Kind{RemoveUpvote, RemoveBookmark}
)

// Status is the outcome of Record.
type Status string

const (
	StatusRecorded  Status = "recorded"
	StatusThrottled Status = "throttled"
)

// StaleMarker is implemented by the recommendation scheduler.
type StaleMarker interface {
	MarkStale(kinds ...domain.RecKind)
	Evict(productID string)
}

type API interface {
	Do(ctx context.Context, method, path string, opts httpclient.Options) (*httpclient.Response, error)
}

type Interaction struct {
	Kind     Kind           `validate:"required,oneof=view upvote remove_upvote bookmark remove_bookmark purchase follow page_view comment share click"`
	TargetID string         `validate:"required"`
	Metadata map[string]any `validate:"-"`
}

// Recorder posts user interactions best-effort. Failures are logged and returned.
type Recorder struct {
	api      API
	sess     session.Store
	stale    StaleMarker
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Recorder)

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(api API, sess session.Store, stale StaleMarker, opts ...Option) *Recorder {
	r := &Recorder{
		api:      api,
		sess:     sess,
		stale:    stale,
		validate: validator.New(),
		log:      logger.Component("interactions"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// isPage reports whether target addresses a page endpoint.
func isPage(target string) bool {
	return slices.Contains(pageTypes, target) || !domain.IsObjectID(target)
}

type productBody struct {
	ProductID string         `json:"productId"`
	Type      Kind           `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type pageBody struct {
	Page     string         `json:"page"`
	Type     Kind           `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Record sends one interaction. Views and page views are limited to one per target
// every 30 seconds.
func (r *Recorder) Record(ctx context.Context, in Interaction) (Status, error) {
	if err := r.validate.Struct(in); err != nil {
		return "", domain.Wrap(domain.KindValidation, "invalid_interaction", "invalid interaction", err)
	}

	if in.Kind == View || in.Kind == PageView {
		key := session.InteractionMarkerKey(string(in.Kind), in.TargetID)
		if r.recent(ctx, key) {
			return StatusThrottled, nil
		}
		if err := r.sess.Set(ctx, key, strconv.FormatInt(r.now().UnixMilli(), 10)); err != nil {
			r.log.Debug().Err(err).Str("key", key).Msg("interaction_marker_failed")
		}
	}

	path, body := productPath, any(productBody{ProductID: in.TargetID, Type: in.Kind, Metadata: in.Metadata})
	if isPage(in.TargetID) {
		path, body = pagePath, pageBody{Page: in.TargetID, Type: in.Kind, Metadata: in.Metadata}
	}

	_, err := r.api.Do(ctx, http.MethodPost, path, httpclient.Options{Body: body})
	r.markStale(in.Kind)
	if err != nil {
		if !domain.IsCanceled(err) {
			r.log.Debug().Err(err).Str("kind", string(in.Kind)).Str("target", in.TargetID).Msg("interaction_record_failed")
		}
		return "", err
	}
	return StatusRecorded, nil
}

func (r *Recorder) recent(ctx context.Context, key string) bool {
	raw, ok, err := r.sess.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return r.now().Sub(time.UnixMilli(ms)) < throttle
}

func (r *Recorder) markStale(k Kind) {
	if r.stale == nil || !slices.Contains(biasing, k) {
		return
	}
	kinds := slices.Clone(domain.BiasedRecKinds)
	if slices.Contains(removals, k) {
		kinds = append(kinds, domain.RecTrending)
	}
	r.stale.MarkStale(kinds...)
}

// Dismiss hides a product from recommendations.
func (r *Recorder) Dismiss(ctx context.Context, productID, reason string) error {
	if productID == "" {
		return domain.ErrInvalidField("productId", "required")
	}
	_, err := r.api.Do(ctx, http.MethodPost, "/recommendations/dismiss", httpclient.Options{
		Body: map[string]string{"productId": productID, "reason": reason},
	})
	if err != nil {
		r.log.Debug().Err(err).Str("product_id", productID).Msg("dismiss_failed")
		return err
	}
	if r.stale != nil {
		r.stale.Evict(productID)
		r.stale.MarkStale(domain.BiasedRecKinds...)
	}
	return nil
}

// Feedback rates a recommendation.
type Feedback struct {
	ProductID string `json:"productId" validate:"required"`
	Type      string `json:"feedbackType" validate:"required,oneof=helpful not_helpful not_interested irrelevant"`
	Rating    *int   `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Comment   string `json:"comment,omitempty" validate:"max=500"`
}

func (r *Recorder) Feedback(ctx context.Context, fb Feedback) error {
	if err := r.validate.Struct(fb); err != nil {
		return domain.Wrap(domain.KindValidation, "invalid_feedback", "invalid feedback", err)
	}
	_, err := r.api.Do(ctx, http.MethodPost, "/recommendations/feedback", httpclient.Options{Body: fb})
	if err != nil {
		r.log.Debug().Err(err).Str("product_id", fb.ProductID).Msg("feedback_failed")
		return err
	}
	if r.stale != nil {
		r.stale.MarkStale(domain.BiasedRecKinds...)
	}
	return nil
}
