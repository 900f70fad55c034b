package product

import (
	"context"
	"net/http"
	"net/url"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

type toggleKind struct {
	name  string // path segment and log name
	topic eventbus.Topic
	state func(p domain.Product) (bool, int)
	patch func(flag bool, count int) domain.ProductPatch
}

var (
	upvoteToggle = toggleKind{
		name:  "upvote",
		topic: eventbus.UpvoteUpdated,
		state: func(p domain.Product) (bool, int) { return p.Upvoted, p.UpvoteCount },
		patch: domain.UpvoteStatePatch,
	}
	bookmarkToggle = toggleKind{
		name:  "bookmark",
		topic: eventbus.BookmarkUpdated,
		state: func(p domain.Product) (bool, int) { return p.Bookmarked, p.BookmarkCount },
		patch: domain.BookmarkStatePatch,
	}
)

// ToggleUpvote flips the user's upvote optimistically and reconciles with the server.
func (s *Store) ToggleUpvote(ctx context.Context, slug string) (domain.Product, error) {
	return s.toggle(ctx, slug, upvoteToggle)
}

// ToggleBookmark flips the user's bookmark optimistically and reconciles with the server.
func (s *Store) ToggleBookmark(ctx context.Context, slug string) (domain.Product, error) {
	return s.toggle(ctx, slug, bookmarkToggle)
}

func (s *Store) toggle(ctx context.Context, slug string, kind toggleKind) (domain.Product, error) {
	if !s.identity.IsAuthenticated() {
		return domain.Product{}, domain.ErrAuthRequired()
	}

	prev, ok := s.Lookup(slug)
	if !ok {
		fetched, err := s.GetBySlug(ctx, slug, GetOptions{})
		switch {
		case err == nil:
			prev = fetched
		case domain.IsCanceled(err):
			return domain.Product{}, err
		default:
			s.log.Debug().Err(err).Str("slug", slug).Msg("toggle_placeholder")
			prev = s.Ingest(domain.ProductPatch{Slug: &slug})
		}
	}

	// captured by value: a live event may change the cache before the server answers
	prevFlag, prevCount := kind.state(prev)
	optimisticCount := prevCount + 1
	if prevFlag {
		optimisticCount = max(prevCount-1, 0)
	}
	s.applyQuiet(slug, kind.patch(!prevFlag, optimisticCount))

	resp, err := s.api.Do(ctx, http.MethodPost, "/products/"+url.PathEscape(slug)+"/"+kind.name, httpclient.Options{})
	if err != nil {
		s.applyQuiet(slug, kind.patch(prevFlag, prevCount))
		if !domain.IsCanceled(err) {
			s.log.Warn().Err(err).Str("slug", slug).Str("kind", kind.name).Msg("toggle_reverted")
		}
		return domain.Product{}, err
	}

	patch := toggleResponsePatch(resp, kind, !prevFlag, optimisticCount)
	s.mu.Lock()
	p := s.mergeLocked(s.resolveLocked(slug, ""), patch)
	s.mu.Unlock()

	flag, count := kind.state(p)
	if s.bus != nil {
		s.bus.Publish(kind.topic, eventbus.CountUpdatedEvent{
			ProductID: p.ID,
			Slug:      p.Slug,
			Count:     count,
			Action:    actionFor(flag),
			UserID:    s.identity.CurrentUserID(),
			UserFlag:  &flag,
		})
	}
	s.publishUpdated(p, "")
	return p, nil
}

// applyQuiet merges without publishing.
func (s *Store) applyQuiet(slug string, patch domain.ProductPatch) {
	s.mu.Lock()
	s.mergeLocked(s.resolveLocked(slug, ""), patch)
	s.mu.Unlock()
}

type toggleResponse struct {
	domain.ProductPatch
	Count   *int                `json:"count"`
	Product *domain.ProductPatch `json:"product"`
}

// toggleResponsePatch reads the authoritative (flag, count) from the many shapes the
// server answers with. Values it cannot find fall back to the optimistic ones.
func toggleResponsePatch(resp *httpclient.Response, kind toggleKind, flag bool, count int) domain.ProductPatch {
	var r toggleResponse
	if err := resp.Data(&r); err != nil {
		return kind.patch(flag, count)
	}
	src := r.ProductPatch
	if r.Product != nil {
		src = *r.Product
	}
	switch kind.name {
	case "upvote":
		if v := firstBool(r.Upvoted, r.UserHasUpvoted, nestedUpvoteFlag(r.Upvotes), src.Upvoted, src.UserHasUpvoted, nestedUpvoteFlag(src.Upvotes)); v != nil {
			flag = *v
		}
		if v := firstInt(r.UpvoteCount, nestedUpvoteCount(r.Upvotes), r.Count, src.UpvoteCount, nestedUpvoteCount(src.Upvotes)); v != nil {
			count = *v
		}
	case "bookmark":
		if v := firstBool(r.Bookmarked, r.UserHasBookmarked, nestedBookmarkFlag(r.Bookmarks), src.Bookmarked, src.UserHasBookmarked, nestedBookmarkFlag(src.Bookmarks)); v != nil {
			flag = *v
		}
		if v := firstInt(r.BookmarkCount, nestedBookmarkCount(r.Bookmarks), r.Count, src.BookmarkCount, nestedBookmarkCount(src.Bookmarks)); v != nil {
			count = *v
		}
	}

	out := kind.patch(flag, count)
	if id := src.IDValue(); id != "" {
		out.ID = &id
	}
	return out
}

func actionFor(flag bool) string {
	if flag {
		return "add"
	}
	return "remove"
}

func firstBool(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstInt(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func nestedUpvoteFlag(p *domain.UpvotePatch) *bool {
	if p == nil {
		return nil
	}
	return p.UserHasUpvoted
}

func nestedUpvoteCount(p *domain.UpvotePatch) *int {
	if p == nil {
		return nil
	}
	return p.Count
}

func nestedBookmarkFlag(p *domain.BookmarkPatch) *bool {
	if p == nil {
		return nil
	}
	return p.UserHasBookmarked
}

func nestedBookmarkCount(p *domain.BookmarkPatch) *int {
	if p == nil {
		return nil
	}
	return p.Count
}
