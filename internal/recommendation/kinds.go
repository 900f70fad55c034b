package recommendation

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/baechuer/productbazar-client/internal/domain"
)

func (s *Scheduler) Feed(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecFeed, p, opts)
}

// Personalized returns an empty list without a request when the user disabled it.
func (s *Scheduler) Personalized(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecPersonalized, p, opts)
}

func (s *Scheduler) Trending(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecTrending, p, opts)
}

func (s *Scheduler) New(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecNew, p, opts)
}

func (s *Scheduler) Collaborative(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecCollaborative, p, opts)
}

func (s *Scheduler) Preferences(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecPreferences, p, opts)
}

func (s *Scheduler) Interests(ctx context.Context, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	return s.Get(ctx, domain.RecInterests, p, opts)
}

func (s *Scheduler) Similar(ctx context.Context, productID string, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	if productID == "" {
		return nil, domain.ErrInvalidField("productId", "required")
	}
	p.ID = productID
	return s.Get(ctx, domain.RecSimilar, p, opts)
}

func (s *Scheduler) Category(ctx context.Context, categoryID string, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	if categoryID == "" {
		return nil, domain.ErrInvalidField("category", "required")
	}
	p.ID = categoryID
	return s.Get(ctx, domain.RecCategory, p, opts)
}

func (s *Scheduler) Maker(ctx context.Context, makerID string, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	if makerID == "" {
		return nil, domain.ErrInvalidField("maker", "required")
	}
	p.ID = makerID
	return s.Get(ctx, domain.RecMaker, p, opts)
}

func (s *Scheduler) Tags(ctx context.Context, tags []string, p Params, opts FetchOptions) ([]domain.Recommendation, error) {
	if len(tags) == 0 {
		return nil, domain.ErrInvalidField("tags", "required")
	}
	p.Tags = tags
	return s.Get(ctx, domain.RecTags, p, opts)
}

// History returns the user's recommendation history. It is never cached.
func (s *Scheduler) History(ctx context.Context, params url.Values) ([]domain.Recommendation, error) {
	resp, err := s.getList(ctx, "/recommendations/history", params)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return nil, err
	}
	return s.normalize(raw, "history")
}
