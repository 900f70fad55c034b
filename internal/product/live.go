package product

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/metrics"
)

type liveMark struct {
	payload string
	at      time.Time
}

// duplicate reports whether an identical event for the same product arrived within the
// dedup window. Distinct payloads always pass.
func (s *Store) duplicate(typ, productID string, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	key := typ + "|" + productID
	now := s.now()

	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()
	if last, ok := s.recent[key]; ok && last.payload == string(b) && now.Sub(last.at) < s.dedupWindow {
		return true
	}
	s.recent[key] = liveMark{payload: string(b), at: now}
	if len(s.recent) > 512 {
		for k, m := range s.recent {
			if now.Sub(m.at) >= s.dedupWindow {
				delete(s.recent, k)
			}
		}
	}
	return false
}

// ApplyUpvote applies a pushed upvote counter change.
func (s *Store) ApplyUpvote(ctx context.Context, ev domain.CountEvent) {
	s.applyCount(ev, upvoteToggle, "product:upvote")
}

// ApplyBookmark applies a pushed bookmark counter change.
func (s *Store) ApplyBookmark(ctx context.Context, ev domain.CountEvent) {
	s.applyCount(ev, bookmarkToggle, "product:bookmark")
}

func (s *Store) applyCount(ev domain.CountEvent, kind toggleKind, typ string) {
	if ev.ProductID == "" {
		metrics.LiveEventsTotal.WithLabelValues(typ, "invalid").Inc()
		return
	}
	if s.duplicate(typ, ev.ProductID, ev) {
		metrics.LiveEventsTotal.WithLabelValues(typ, "deduped").Inc()
		return
	}

	// only the acting user's own flag follows the event; other users' actions move the count
	var flag *bool
	if uid := s.identity.CurrentUserID(); uid != "" && uid == ev.UserID {
		f := ev.Action == "add"
		flag = &f
	}

	s.mu.Lock()
	slug, known := s.slugByID[ev.ProductID]
	var p domain.Product
	if known {
		prev := s.cache[slug]
		prevFlag, _ := kind.state(prev)
		if flag == nil {
			flag = &prevFlag
		}
		p = s.mergeLocked(slug, kind.patch(*flag, ev.Count))
	}
	s.mu.Unlock()

	metrics.LiveEventsTotal.WithLabelValues(typ, "applied").Inc()
	if s.bus == nil {
		return
	}
	s.bus.Publish(kind.topic, eventbus.CountUpdatedEvent{
		ProductID: ev.ProductID,
		Slug:      slug,
		Count:     max(ev.Count, 0),
		Action:    ev.Action,
		UserID:    ev.UserID,
		UserFlag:  flag,
	})
	if known {
		s.publishUpdated(p, "")
	}
}

// ApplyView applies a pushed view count. A missing count means one more view.
func (s *Store) ApplyView(ctx context.Context, ev domain.ViewEvent) {
	const typ = "product:view_update"
	if ev.ProductID == "" {
		metrics.LiveEventsTotal.WithLabelValues(typ, "invalid").Inc()
		return
	}
	if s.duplicate(typ, ev.ProductID, ev) {
		metrics.LiveEventsTotal.WithLabelValues(typ, "deduped").Inc()
		return
	}

	s.mu.Lock()
	slug, known := s.slugByID[ev.ProductID]
	var p domain.Product
	if known {
		next := s.cache[slug].ViewCount + 1
		if ev.ViewCount != nil {
			next = *ev.ViewCount
		}
		p = s.mergeLocked(slug, domain.ProductPatch{ViewCount: &next})
	}
	s.mu.Unlock()

	at := ev.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	metrics.LiveEventsTotal.WithLabelValues(typ, "applied").Inc()
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.ViewUpdated, eventbus.ViewUpdatedEvent{
		ProductID: ev.ProductID,
		Slug:      slug,
		ViewCount: ev.ViewCount,
		Duration:  ev.Duration,
		Source:    ev.Source,
		At:        at,
	})
	if known {
		s.publishUpdated(p, "")
	}
}

// ApplyUpdate merges a pushed partial product ("product:<field>:update").
func (s *Store) ApplyUpdate(ctx context.Context, productID, field string, payload json.RawMessage) {
	typ := fmt.Sprintf("product:%s:update", field)
	if productID == "" || len(payload) == 0 {
		metrics.LiveEventsTotal.WithLabelValues(typ, "invalid").Inc()
		return
	}
	if s.duplicate(typ, productID, payload) {
		metrics.LiveEventsTotal.WithLabelValues(typ, "deduped").Inc()
		return
	}
	patch, err := unwrapProduct(payload)
	if err != nil {
		s.log.Debug().Err(err).Str("type", typ).Msg("live_update_undecodable")
		metrics.LiveEventsTotal.WithLabelValues(typ, "invalid").Inc()
		return
	}

	s.mu.Lock()
	slug, known := s.slugByID[productID]
	if !known {
		s.mu.Unlock()
		metrics.LiveEventsTotal.WithLabelValues(typ, "unknown").Inc()
		return
	}
	patch.ID = &productID
	p := s.mergeLocked(slug, patch)
	s.mu.Unlock()

	metrics.LiveEventsTotal.WithLabelValues(typ, "applied").Inc()
	oldSlug := ""
	if p.Slug != slug {
		oldSlug = slug
	}
	s.publishUpdated(p, oldSlug)
}
