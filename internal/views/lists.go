package views

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/session"
)

// HistoryItem is one entry of the user's view history.
type HistoryItem struct {
	Product  domain.Product `json:"product"`
	ViewedAt time.Time      `json:"viewedAt"`
	Source   string         `json:"source,omitempty"`
	Duration float64        `json:"duration,omitempty"`
}

// PopularItem is a product with its view count over the requested window.
type PopularItem struct {
	Product domain.Product `json:"product"`
	Views   int            `json:"views"`
}

type cachedHistory struct {
	At    time.Time     `json:"at"`
	Items []HistoryItem `json:"items"`
}

// History returns the signed-in user's recently viewed products. Results are cached in
// the session scope for a minute.
func (t *Tracker) History(ctx context.Context, params url.Values) ([]HistoryItem, error) {
	key := "viewHistory:" + params.Encode()
	var cached cachedHistory
	if ok, _ := session.GetJSON(ctx, t.sess, key, &cached); ok && t.now().Sub(cached.At) < historyTTL {
		return cached.Items, nil
	}

	items, err := t.list(ctx, "/views/history", params)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(items))
	for _, item := range items {
		var meta struct {
			ViewedAt  time.Time `json:"viewedAt"`
			CreatedAt time.Time `json:"createdAt"`
			Source    string    `json:"source"`
			Duration  float64   `json:"duration"`
		}
		_ = json.Unmarshal(item, &meta)
		p, ok := t.product(item)
		if !ok {
			continue
		}
		h := HistoryItem{Product: p, ViewedAt: meta.ViewedAt, Source: meta.Source, Duration: meta.Duration}
		if h.ViewedAt.IsZero() {
			h.ViewedAt = meta.CreatedAt
		}
		out = append(out, h)
	}

	if err := session.SetJSON(ctx, t.sess, key, cachedHistory{At: t.now(), Items: out}); err != nil {
		t.log.Debug().Err(err).Msg("view_history_cache_failed")
	}
	return out, nil
}

// Popular returns the most viewed products.
func (t *Tracker) Popular(ctx context.Context, params url.Values) ([]PopularItem, error) {
	items, err := t.list(ctx, "/views/popular", params)
	if err != nil {
		return nil, err
	}
	out := make([]PopularItem, 0, len(items))
	for _, item := range items {
		var meta struct {
			Views      *int `json:"views"`
			ViewCount  *int `json:"viewCount"`
			TotalViews *int `json:"totalViews"`
		}
		_ = json.Unmarshal(item, &meta)
		p, ok := t.product(item)
		if !ok {
			continue
		}
		pi := PopularItem{Product: p, Views: p.ViewCount}
		for _, v := range []*int{meta.TotalViews, meta.Views, meta.ViewCount} {
			if v != nil {
				pi.Views = *v
				break
			}
		}
		out = append(out, pi)
	}
	return out, nil
}

// Related returns products viewed together with productID.
func (t *Tracker) Related(ctx context.Context, productID string, params url.Values) ([]domain.Product, error) {
	if !domain.IsObjectID(productID) {
		return nil, domain.ErrInvalidField("productId", "object_id")
	}
	items, err := t.list(ctx, "/views/related/"+url.PathEscape(productID), params)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(items))
	for _, item := range items {
		if p, ok := t.product(item); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *Tracker) list(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	resp, err := t.api.Do(ctx, http.MethodGet, path, httpclient.Options{Params: params})
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return nil, err
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.ErrParse(err)
	}
	for _, k := range []string{"history", "views", "products", "items"} {
		if v, ok := obj[k]; ok {
			if err := json.Unmarshal(v, &arr); err != nil {
				return nil, domain.ErrParse(err)
			}
			return arr, nil
		}
	}
	return []json.RawMessage{}, nil
}

// product extracts the product from a list item: either nested under "product" or the
// item itself. Items without an id are skipped.
func (t *Tracker) product(item json.RawMessage) (domain.Product, bool) {
	var wrapper struct {
		Product json.RawMessage `json:"product"`
	}
	body := item
	if err := json.Unmarshal(item, &wrapper); err == nil {
		if b := bytes.TrimSpace(wrapper.Product); len(b) > 0 && b[0] == '{' {
			body = b
		}
	}
	var patch domain.ProductPatch
	if err := json.Unmarshal(body, &patch); err != nil || patch.IDValue() == "" {
		return domain.Product{}, false
	}
	if t.products != nil {
		return t.products.Ingest(patch), true
	}
	return domain.MergeProduct(nil, patch), true
}
