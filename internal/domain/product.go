package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UpvoteState is the nested form of the upvote counters.
type UpvoteState struct {
	Count          int  `json:"count"`
	UserHasUpvoted bool `json:"userHasUpvoted"`
}

// BookmarkState is the nested form of the bookmark counters.
type BookmarkState struct {
	Count             int  `json:"count"`
	UserHasBookmarked bool `json:"userHasBookmarked"`
}

// Product is the canonical client-side record. Flat and nested counters always agree.
type Product struct {
	ID          string     `json:"_id"`
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Tagline     string     `json:"tagline,omitempty"`
	Description string     `json:"description,omitempty"`
	Thumbnail   string     `json:"thumbnail,omitempty"`
	Gallery     []string   `json:"gallery"`
	Tags        []string   `json:"tags"`
	Category    string     `json:"category,omitempty"`
	MakerID     string     `json:"maker,omitempty"`
	Status      string     `json:"status"`
	LaunchedAt  *time.Time `json:"launchedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	UpvoteCount   int           `json:"upvoteCount"`
	BookmarkCount int           `json:"bookmarkCount"`
	Upvoted       bool          `json:"upvoted"`
	Bookmarked    bool          `json:"bookmarked"`
	Upvotes       UpvoteState   `json:"upvotes"`
	Bookmarks     BookmarkState `json:"bookmarks"`
	ViewCount     int           `json:"viewCount"`
	CommentCount  int           `json:"commentCount"`
}

// Clone returns a deep copy so cache entries never share slices with callers.
func (p Product) Clone() Product {
	c := p
	if p.Gallery != nil {
		c.Gallery = append([]string(nil), p.Gallery...)
	}
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
	if p.LaunchedAt != nil {
		t := *p.LaunchedAt
		c.LaunchedAt = &t
	}
	return c
}

// CheckInvariants verifies the replicated counters and flags.
func (p Product) CheckInvariants() error {
	switch {
	case p.UpvoteCount != p.Upvotes.Count:
		return fmt.Errorf("upvote count mismatch: %d != %d", p.UpvoteCount, p.Upvotes.Count)
	case p.BookmarkCount != p.Bookmarks.Count:
		return fmt.Errorf("bookmark count mismatch: %d != %d", p.BookmarkCount, p.Bookmarks.Count)
	case p.Upvoted != p.Upvotes.UserHasUpvoted:
		return fmt.Errorf("upvoted flag mismatch")
	case p.Bookmarked != p.Bookmarks.UserHasBookmarked:
		return fmt.Errorf("bookmarked flag mismatch")
	case p.UpvoteCount < 0 || p.BookmarkCount < 0:
		return fmt.Errorf("negative count")
	}
	return nil
}

// UpvotePatch is the nested upvote shape as it arrives from the server.
type UpvotePatch struct {
	Count          *int  `json:"count,omitempty"`
	UserHasUpvoted *bool `json:"userHasUpvoted,omitempty"`
}

// BookmarkPatch is the nested bookmark shape as it arrives from the server.
type BookmarkPatch struct {
	Count             *int  `json:"count,omitempty"`
	UserHasBookmarked *bool `json:"userHasBookmarked,omitempty"`
}

// ProductPatch is a partial product. Nil fields are absent and keep the previous value.
type ProductPatch struct {
	ID          *string      `json:"_id,omitempty"`
	AltID       *string      `json:"id,omitempty"`
	Slug        *string      `json:"slug,omitempty"`
	Name        *string      `json:"name,omitempty"`
	Tagline     *string      `json:"tagline,omitempty"`
	Description *string      `json:"description,omitempty"`
	Thumbnail   *FlexString  `json:"thumbnail,omitempty"`
	Gallery     []FlexString `json:"gallery,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Category    *FlexString  `json:"category,omitempty"`
	Maker       *FlexString  `json:"maker,omitempty"`
	Status      *string      `json:"status,omitempty"`
	LaunchedAt  *time.Time   `json:"launchedAt,omitempty"`
	CreatedAt   *time.Time   `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`

	UpvoteCount       *int           `json:"upvoteCount,omitempty"`
	BookmarkCount     *int           `json:"bookmarkCount,omitempty"`
	Upvoted           *bool          `json:"upvoted,omitempty"`
	UserHasUpvoted    *bool          `json:"userHasUpvoted,omitempty"`
	Bookmarked        *bool          `json:"bookmarked,omitempty"`
	UserHasBookmarked *bool          `json:"userHasBookmarked,omitempty"`
	Upvotes           *UpvotePatch   `json:"upvotes,omitempty"`
	Bookmarks         *BookmarkPatch `json:"bookmarks,omitempty"`
	ViewCount         *int           `json:"viewCount,omitempty"`
	Views             *int           `json:"views,omitempty"`
	CommentCount      *int           `json:"commentCount,omitempty"`
}

// IDValue returns the id carried by the patch, accepting both "_id" and "id".
func (p ProductPatch) IDValue() string {
	if p.ID != nil && *p.ID != "" {
		return *p.ID
	}
	if p.AltID != nil {
		return *p.AltID
	}
	return ""
}

// SlugValue returns the slug carried by the patch.
func (p ProductPatch) SlugValue() string {
	if p.Slug != nil {
		return *p.Slug
	}
	return ""
}

// UpvoteStatePatch sets both counter forms for an upvote state.
func UpvoteStatePatch(flag bool, count int) ProductPatch {
	return ProductPatch{UpvoteCount: &count, Upvoted: &flag}
}

// BookmarkStatePatch sets both counter forms for a bookmark state.
func BookmarkStatePatch(flag bool, count int) ProductPatch {
	return ProductPatch{BookmarkCount: &count, Bookmarked: &flag}
}

// MergeProduct applies patch on top of prev. It is the single place where the counter
// invariants are enforced: flat fields win over nested ones, fresh values over cached ones,
// and both forms are written back.
func MergeProduct(prev *Product, patch ProductPatch) Product {
	var out Product
	if prev != nil {
		out = prev.Clone()
	}

	if id := patch.IDValue(); id != "" {
		out.ID = id
	}
	setString(&out.Slug, patch.Slug)
	setString(&out.Name, patch.Name)
	setString(&out.Tagline, patch.Tagline)
	setString(&out.Description, patch.Description)
	setString(&out.Status, patch.Status)
	if patch.Thumbnail != nil {
		out.Thumbnail = string(*patch.Thumbnail)
	}
	if patch.Category != nil {
		out.Category = string(*patch.Category)
	}
	if patch.Maker != nil {
		out.MakerID = string(*patch.Maker)
	}
	if patch.Gallery != nil {
		out.Gallery = make([]string, 0, len(patch.Gallery))
		for _, g := range patch.Gallery {
			if g != "" {
				out.Gallery = append(out.Gallery, string(g))
			}
		}
	}
	if patch.Tags != nil {
		out.Tags = append([]string(nil), patch.Tags...)
	}
	if patch.LaunchedAt != nil {
		t := *patch.LaunchedAt
		out.LaunchedAt = &t
	}
	if patch.CreatedAt != nil {
		out.CreatedAt = *patch.CreatedAt
	}
	if patch.UpdatedAt != nil {
		out.UpdatedAt = *patch.UpdatedAt
	}

	var prevUp, prevBm *int
	var prevUpFlag, prevBmFlag *bool
	if prev != nil {
		prevUp, prevBm = &prev.UpvoteCount, &prev.BookmarkCount
		prevUpFlag, prevBmFlag = &prev.Upvoted, &prev.Bookmarked
	}
	var nestedUp, nestedBm *int
	var nestedUpFlag, nestedBmFlag *bool
	if patch.Upvotes != nil {
		nestedUp, nestedUpFlag = patch.Upvotes.Count, patch.Upvotes.UserHasUpvoted
	}
	if patch.Bookmarks != nil {
		nestedBm, nestedBmFlag = patch.Bookmarks.Count, patch.Bookmarks.UserHasBookmarked
	}

	out.UpvoteCount = clampCount(coalesceInt(patch.UpvoteCount, nestedUp, prevUp))
	out.BookmarkCount = clampCount(coalesceInt(patch.BookmarkCount, nestedBm, prevBm))
	out.Upvoted = coalesceBool(patch.Upvoted, patch.UserHasUpvoted, nestedUpFlag, prevUpFlag)
	out.Bookmarked = coalesceBool(patch.Bookmarked, patch.UserHasBookmarked, nestedBmFlag, prevBmFlag)
	out.Upvotes = UpvoteState{Count: out.UpvoteCount, UserHasUpvoted: out.Upvoted}
	out.Bookmarks = BookmarkState{Count: out.BookmarkCount, UserHasBookmarked: out.Bookmarked}

	if v := coalescePtr(patch.ViewCount, patch.Views); v != nil {
		out.ViewCount = clampCount(*v)
	}
	if patch.CommentCount != nil {
		out.CommentCount = clampCount(*patch.CommentCount)
	}
	if out.Gallery == nil {
		out.Gallery = []string{}
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return out
}

// DecodeProduct normalizes a raw server product.
func DecodeProduct(raw json.RawMessage) (Product, error) {
	var patch ProductPatch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return Product{}, ErrParse(err)
	}
	return MergeProduct(nil, patch), nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func coalescePtr(vals ...*int) *int {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func coalesceInt(vals ...*int) int {
	if v := coalescePtr(vals...); v != nil {
		return *v
	}
	return 0
}

func coalesceBool(vals ...*bool) bool {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return false
}

func clampCount(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// FlexString accepts either a JSON string or an object reference such as
// {"_id": "...", "slug": "...", "url": "..."}; objects collapse to their most specific key.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var obj struct {
		URL  string `json:"url"`
		Slug string `json:"slug"`
		ID   string `json:"_id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	for _, v := range []string{obj.URL, obj.Slug, obj.ID, obj.Name} {
		if v != "" {
			*f = FlexString(v)
			return nil
		}
	}
	*f = ""
	return nil
}

// Pagination mirrors the server's pagination block.
type Pagination struct {
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	Total      int    `json:"total"`
	Pages      int    `json:"pages"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}
