package recommendation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"

	"github.com/baechuer/productbazar-client/internal/domain"
)

// newReasons are the reasons kept when the discovery feed stands in for "new".
var newReasons = []string{"new", "recent", "discovery", "trending_new"}

type fallback struct {
	name string
	run  func(ctx context.Context) ([]domain.Recommendation, error)
}

// fetch loads the primary endpoint and walks the kind's fallback chain on 404, 429
// or an unusable body. Every fallback runs at most once.
func (s *Scheduler) fetch(ctx context.Context, kind domain.RecKind, p Params) ([]domain.Recommendation, error) {
	path := endpoint(kind, p.ID)
	items, err := s.fetchPath(ctx, path, p.query(), string(kind))
	if err == nil {
		return items, nil
	}
	if domain.IsKind(err, domain.KindRateLimited) {
		s.warnRateLimited(path)
	}
	if !fallbackWorthy(err) {
		return nil, err
	}

	for _, fb := range s.fallbacks(kind, p) {
		items, ferr := fb.run(ctx)
		if ferr == nil {
			s.log.Info().Str("kind", string(kind)).Str("fallback", fb.name).Err(err).Msg("recommendations_fallback_used")
			return items, nil
		}
		if domain.IsCanceled(ferr) {
			return nil, ferr
		}
		s.log.Debug().Err(ferr).Str("fallback", fb.name).Msg("recommendations_fallback_failed")
	}
	return nil, err
}

func fallbackWorthy(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindNotFound, domain.KindRateLimited, domain.KindParse:
		return true
	}
	return false
}

func (s *Scheduler) fallbacks(kind domain.RecKind, p Params) []fallback {
	q := p.query()
	switch kind {
	case domain.RecTrending:
		return []fallback{
			s.pathFallback("/products/trending", q, "trending"),
			s.feedFallback("trending", q, nil),
		}
	case domain.RecNew:
		return []fallback{
			s.pathFallback("/products/recent", q, "new"),
			s.feedFallback("discovery", q, newReasons),
		}
	case domain.RecCollaborative:
		base := Params{Limit: p.Limit}
		return []fallback{
			{name: "trending", run: func(ctx context.Context) ([]domain.Recommendation, error) {
				return s.fetch(ctx, domain.RecTrending, base)
			}},
			{name: "new", run: func(ctx context.Context) ([]domain.Recommendation, error) {
				return s.fetch(ctx, domain.RecNew, base)
			}},
		}
	}
	return nil
}

func (s *Scheduler) pathFallback(path string, q url.Values, reason string) fallback {
	return fallback{name: path, run: func(ctx context.Context) ([]domain.Recommendation, error) {
		return s.fetchPath(ctx, path, q, reason)
	}}
}

// feedFallback reads the feed with a blend. When keep is set, items are filtered by
// reason; an empty result keeps the unfiltered list.
func (s *Scheduler) feedFallback(blend string, q url.Values, keep []string) fallback {
	fq := url.Values{}
	for k, vs := range q {
		fq[k] = slices.Clone(vs)
	}
	fq.Set("blend", blend)
	return fallback{name: "feed?blend=" + blend, run: func(ctx context.Context) ([]domain.Recommendation, error) {
		items, err := s.fetchPath(ctx, endpoint(domain.RecFeed, ""), fq, blend)
		if err != nil || keep == nil {
			return items, err
		}
		filtered := slices.DeleteFunc(slices.Clone(items), func(r domain.Recommendation) bool {
			return !slices.Contains(keep, r.Reason)
		})
		if len(filtered) == 0 {
			return items, nil
		}
		return filtered, nil
	}}
}

func (s *Scheduler) fetchPath(ctx context.Context, path string, q url.Values, reason string) ([]domain.Recommendation, error) {
	resp, err := s.getList(ctx, path, q)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return nil, err
	}
	return s.normalize(raw, reason)
}

var errInvalidShape = errors.New("recommendation list has no items array")

// listKeys are the object keys a list may be wrapped in, in order of preference.
var listKeys = []string{"recommendations", "products", "items", "results"}

func unwrapItems(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.ErrParse(err)
	}
	for _, k := range listKeys {
		v, ok := obj[k]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, &arr); err != nil {
			return nil, domain.ErrParse(err)
		}
		return arr, nil
	}
	return nil, domain.ErrParse(errInvalidShape)
}

type rawRecommendation struct {
	ProductData     json.RawMessage `json:"productData"`
	Product         json.RawMessage `json:"product"`
	Score           *float64        `json:"score"`
	Reason          string          `json:"reason"`
	ExplanationText string          `json:"explanationText"`
	Explanation     string          `json:"explanation"`
}

// normalize turns any list shape into recommendation records whose product carries an id.
// Items without an id are dropped. Every product is merged into the shared store.
func (s *Scheduler) normalize(raw json.RawMessage, reason string) ([]domain.Recommendation, error) {
	list, err := unwrapItems(raw)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Recommendation, 0, len(list))
	for _, item := range list {
		var r rawRecommendation
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		body := item
		switch {
		case isObject(r.ProductData):
			body = r.ProductData
		case isObject(r.Product):
			body = r.Product
		}
		var patch domain.ProductPatch
		if err := json.Unmarshal(body, &patch); err != nil || patch.IDValue() == "" {
			continue
		}

		var p domain.Product
		if s.products != nil {
			p = s.products.Ingest(patch)
		} else {
			p = domain.MergeProduct(nil, patch)
		}
		rec := domain.Recommendation{
			ProductData:     p,
			Reason:          r.Reason,
			ExplanationText: r.ExplanationText,
		}
		if r.Score != nil {
			rec.Score = *r.Score
		}
		if rec.Reason == "" {
			rec.Reason = reason
		}
		if rec.ExplanationText == "" {
			rec.ExplanationText = r.Explanation
		}
		out = append(out, rec)
	}
	return out, nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
