package product

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

// Comment is a product comment or reply. Replies have a ParentID.
type Comment struct {
	ID         string            `json:"_id"`
	Content    string            `json:"content"`
	User       domain.FlexString `json:"user"`
	ParentID   string            `json:"parent,omitempty"`
	Likes      int               `json:"likes"`
	Liked      bool              `json:"isLiked"`
	ReplyCount int               `json:"replyCount"`
	Edited     bool              `json:"isEdited"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// CommentPage is one page of comments or replies.
type CommentPage struct {
	Comments   []Comment
	Pagination *domain.Pagination
}

// LikeResult is the server state of a comment like after a toggle.
type LikeResult struct {
	Liked bool `json:"isLiked"`
	Likes int  `json:"likes"`
}

// Comments passes comment operations straight to the server. Nothing is cached.
type Comments struct {
	api      API
	identity domain.Identity
}

// Comments returns the comment client sharing the store's transport and identity.
func (s *Store) Comments() *Comments {
	return &Comments{api: s.api, identity: s.identity}
}

func commentsPath(slug string, segs ...string) string {
	var b strings.Builder
	b.WriteString("/products/")
	b.WriteString(url.PathEscape(slug))
	b.WriteString("/comments")
	for _, s := range segs {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func (c *Comments) List(ctx context.Context, slug string, params url.Values) (CommentPage, error) {
	return c.page(ctx, commentsPath(slug), params)
}

func (c *Comments) Add(ctx context.Context, slug, content string) (Comment, error) {
	return c.write(ctx, http.MethodPost, commentsPath(slug), content)
}

func (c *Comments) Edit(ctx context.Context, slug, commentID, content string) (Comment, error) {
	return c.write(ctx, http.MethodPut, commentsPath(slug, commentID), content)
}

func (c *Comments) Delete(ctx context.Context, slug, commentID string) error {
	return c.remove(ctx, commentsPath(slug, commentID))
}

func (c *Comments) Replies(ctx context.Context, slug, commentID string, params url.Values) (CommentPage, error) {
	return c.page(ctx, commentsPath(slug, commentID, "replies"), params)
}

func (c *Comments) AddReply(ctx context.Context, slug, commentID, content string) (Comment, error) {
	return c.write(ctx, http.MethodPost, commentsPath(slug, commentID, "replies"), content)
}

func (c *Comments) EditReply(ctx context.Context, slug, commentID, replyID, content string) (Comment, error) {
	return c.write(ctx, http.MethodPut, commentsPath(slug, commentID, "replies", replyID), content)
}

func (c *Comments) DeleteReply(ctx context.Context, slug, commentID, replyID string) error {
	return c.remove(ctx, commentsPath(slug, commentID, "replies", replyID))
}

// ToggleLike flips the user's like on a comment or reply.
func (c *Comments) ToggleLike(ctx context.Context, slug, commentID string) (LikeResult, error) {
	if !c.identity.IsAuthenticated() {
		return LikeResult{}, domain.ErrAuthRequired()
	}
	resp, err := c.api.Do(ctx, http.MethodPost, commentsPath(slug, commentID, "like"), httpclient.Options{})
	if err != nil {
		return LikeResult{}, err
	}
	var out LikeResult
	if err := resp.Data(&out); err != nil {
		return LikeResult{}, err
	}
	return out, nil
}

func (c *Comments) page(ctx context.Context, path string, params url.Values) (CommentPage, error) {
	resp, err := c.api.Do(ctx, http.MethodGet, path, httpclient.Options{Params: params})
	if err != nil {
		return CommentPage{}, err
	}
	// a bare array is not an envelope; fall back to the whole body
	env, _ := resp.Envelope()
	if env.Failed() {
		return CommentPage{}, domain.New(domain.KindHTTP, env.ErrorCode(), env.ErrorMessage())
	}
	raw := env.Data
	if len(raw) == 0 || string(raw) == "null" {
		raw = resp.Body
	}

	var out CommentPage
	if err := json.Unmarshal(raw, &out.Comments); err != nil {
		var obj struct {
			Comments   []Comment          `json:"comments"`
			Replies    []Comment          `json:"replies"`
			Pagination *domain.Pagination `json:"pagination"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return CommentPage{}, domain.ErrParse(err)
		}
		out.Comments = obj.Comments
		if out.Comments == nil {
			out.Comments = obj.Replies
		}
		out.Pagination = obj.Pagination
	}
	if out.Pagination == nil {
		out.Pagination = env.Pagination
	}
	if out.Comments == nil {
		out.Comments = []Comment{}
	}
	return out, nil
}

func (c *Comments) write(ctx context.Context, method, path, content string) (Comment, error) {
	if !c.identity.IsAuthenticated() {
		return Comment{}, domain.ErrAuthRequired()
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, domain.ErrInvalidField("content", "required")
	}
	resp, err := c.api.Do(ctx, method, path, httpclient.Options{Body: map[string]string{"content": content}})
	if err != nil {
		return Comment{}, err
	}
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return Comment{}, err
	}
	var wrapper struct {
		Comment *Comment `json:"comment"`
		Reply   *Comment `json:"reply"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		if wrapper.Comment != nil {
			return *wrapper.Comment, nil
		}
		if wrapper.Reply != nil {
			return *wrapper.Reply, nil
		}
	}
	var out Comment
	if err := json.Unmarshal(raw, &out); err != nil {
		return Comment{}, domain.ErrParse(err)
	}
	return out, nil
}

func (c *Comments) remove(ctx context.Context, path string) error {
	if !c.identity.IsAuthenticated() {
		return domain.ErrAuthRequired()
	}
	_, err := c.api.Do(ctx, http.MethodDelete, path, httpclient.Options{})
	return err
}
