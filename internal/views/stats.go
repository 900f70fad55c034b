package views

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

type statsEntry struct {
	stats      domain.ViewStats
	days       int
	fetchedAt  time.Time
	subscribed bool
}

// GetStats returns view analytics for a product, cached for a minute. While cached the
// tracker holds a live subscription so pushed views keep the numbers current.
func (t *Tracker) GetStats(ctx context.Context, productID string, days int) (domain.ViewStats, error) {
	if !domain.IsObjectID(productID) {
		return domain.ViewStats{}, domain.ErrInvalidField("productId", "object_id")
	}
	if days <= 0 {
		days = 30
	}

	now := t.now()
	t.mu.Lock()
	if e, ok := t.stats[productID]; ok && e.days == days && now.Sub(e.fetchedAt) < statsTTL {
		out := e.stats.Clone()
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()

	resp, err := t.api.Do(ctx, http.MethodGet, "/views/product/"+url.PathEscape(productID)+"/stats", httpclient.Options{
		Params:   url.Values{"days": {strconv.Itoa(days)}},
		Timeout:  t.cfg.StatsTimeout,
		Priority: true,
	})
	if err != nil {
		return domain.ViewStats{}, err
	}
	var stats domain.ViewStats
	if err := resp.Data(&stats); err != nil {
		return domain.ViewStats{}, err
	}
	stats.ProductID = productID

	t.mu.Lock()
	e, ok := t.stats[productID]
	if !ok {
		e = &statsEntry{}
		t.stats[productID] = e
	}
	e.stats, e.days, e.fetchedAt = stats, days, now
	subscribe := !e.subscribed && t.live != nil
	e.subscribed = e.subscribed || subscribe
	t.mu.Unlock()

	if subscribe {
		if err := t.live.SubscribeEntity(ctx, productID); err != nil {
			t.log.Debug().Err(err).Str("product_id", productID).Msg("stats_subscribe_failed")
		}
	}
	return stats.Clone(), nil
}

// ReleaseStats drops cached stats and the live subscription that kept them current.
func (t *Tracker) ReleaseStats(ctx context.Context, productID string) {
	t.mu.Lock()
	e, ok := t.stats[productID]
	delete(t.stats, productID)
	t.mu.Unlock()

	if ok && e.subscribed && t.live != nil {
		if err := t.live.UnsubscribeEntity(ctx, productID); err != nil {
			t.log.Debug().Err(err).Str("product_id", productID).Msg("stats_unsubscribe_failed")
		}
	}
}

func (t *Tracker) onViewUpdated(payload any) {
	ev, ok := payload.(eventbus.ViewUpdatedEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.stats[ev.ProductID]
	if !ok {
		return
	}
	at := ev.At
	if at.IsZero() {
		at = t.now()
	}
	e.stats.ApplyView(at, ev.Duration, ev.Source)
	if ev.ViewCount != nil && *ev.ViewCount > e.stats.TotalViews {
		e.stats.TotalViews = *ev.ViewCount
	}
}
