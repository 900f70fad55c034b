package product

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

func TestDelete_IdempotentAndNavigates(t *testing.T) {
	nav := &fakeNav{path: "/product/p"}
	s, api, bus := newTestStore(t, "U", WithNavigator(nav))
	rec := record(bus, eventbus.ProductDeleted)
	seed(s, "p", "P", 1, false)
	s.SetCurrent("p")

	api.On("Do", mock.Anything, http.MethodDelete, "/products/p", mock.Anything).
		Return(jsonResp(`{"success":true}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodDelete, "/products/p", mock.Anything).
		Return(nil, domain.FromStatus(http.StatusNotFound, "", "gone")).Once()

	res, err := s.Delete(context.Background(), "p")
	require.NoError(t, err)
	assert.False(t, res.WasAlreadyDeleted)
	assert.Equal(t, "P", res.ID)
	assert.Equal(t, []string{"/products"}, nav.visited)
	_, ok := s.Lookup("p")
	assert.False(t, ok)
	_, ok = s.SlugForID("P")
	assert.False(t, ok)
	_, ok = s.Current()
	assert.False(t, ok)

	res, err = s.Delete(context.Background(), "p")
	require.NoError(t, err)
	assert.True(t, res.WasAlreadyDeleted)

	require.Equal(t, 2, rec.count(eventbus.ProductDeleted))
	ev := rec.last(eventbus.ProductDeleted).(eventbus.ProductDeletedEvent)
	assert.True(t, ev.WasAlreadyDeleted)
}

func TestDelete_ServerErrorKeepsCache(t *testing.T) {
	s, api, _ := newTestStore(t, "U")
	seed(s, "p", "P", 1, false)
	api.On("Do", mock.Anything, http.MethodDelete, "/products/p", mock.Anything).
		Return(nil, domain.FromStatus(http.StatusForbidden, "", "not yours")).Once()

	_, err := s.Delete(context.Background(), "p")
	assert.True(t, domain.IsKind(err, domain.KindForbidden))
	_, ok := s.Lookup("p")
	assert.True(t, ok)
}

func TestCreate_DecodesDataURLsAndCaches(t *testing.T) {
	s, api, bus := newTestStore(t, "U")
	rec := record(bus, eventbus.ProductUpdated)
	png := []byte{0x89, 'P', 'N', 'G'}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)

	var sent httpclient.Options
	api.On("Do", mock.Anything, http.MethodPost, "/products", mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(3).(httpclient.Options) }).
		Return(jsonResp(`{"success":true,"data":{"product":{"_id":"N","slug":"new-thing","name":"New Thing"}}}`), nil).
		Once()

	p, err := s.Create(context.Background(), Input{
		Name:      "New Thing",
		Tags:      []string{"ai", "tools"},
		Thumbnail: dataURL,
		Gallery:   []string{"https://cdn/x.png", dataURL},
	})
	require.NoError(t, err)
	assert.Equal(t, "new-thing", p.Slug)

	require.NotNil(t, sent.Multipart)
	assert.Equal(t, "New Thing", sent.Multipart.Fields["name"])
	assert.Equal(t, `["ai","tools"]`, sent.Multipart.Fields["tags"])
	assert.Equal(t, `["https://cdn/x.png"]`, sent.Multipart.Fields["existingGallery"])
	require.Len(t, sent.Multipart.Files, 2)
	assert.Equal(t, "thumbnail", sent.Multipart.Files[0].Field)
	assert.Equal(t, png, sent.Multipart.Files[0].Data)
	assert.Equal(t, "image/png", sent.Multipart.Files[0].ContentType)
	assert.Equal(t, "gallery", sent.Multipart.Files[1].Field)

	got, err := s.GetBySlug(context.Background(), "new-thing", GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "New Thing", got.Name)
	assert.Equal(t, 1, rec.count(eventbus.ProductUpdated))
}

func TestCreate_ValidationFailsWithoutNetwork(t *testing.T) {
	s, _, _ := newTestStore(t, "U")
	_, err := s.Create(context.Background(), Input{Tagline: "no name"})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	_, err = s.Create(context.Background(), Input{Name: "x", Thumbnail: "data:image/png,notbase64"})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestUpdate_SlugChangeRenamesEntry(t *testing.T) {
	s, api, bus := newTestStore(t, "U")
	rec := record(bus, eventbus.ProductUpdated)
	seed(s, "old", "P", 4, true)
	s.SetCurrent("old")

	api.On("Do", mock.Anything, http.MethodPut, "/products/old", mock.Anything).
		Return(jsonResp(`{"data":{"slugChanged":true,"product":{"_id":"P","slug":"renamed","name":"Renamed"}}}`), nil).
		Once()

	p, err := s.Update(context.Background(), "old", Input{Name: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", p.Slug)
	assert.Equal(t, 4, p.UpvoteCount, "counters survive the rename")

	_, ok := s.Lookup("old")
	assert.False(t, ok)
	slug, _ := s.SlugForID("P")
	assert.Equal(t, "renamed", slug)
	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, "renamed", cur.Slug)

	ev := rec.last(eventbus.ProductUpdated).(eventbus.ProductUpdatedEvent)
	assert.Equal(t, "old", ev.OldSlug)
	assert.Equal(t, "renamed", ev.Slug)
}

func TestValidateURL(t *testing.T) {
	s, api, _ := newTestStore(t, "U")
	api.On("Do", mock.Anything, http.MethodPost, "/products/validate-url", mock.MatchedBy(func(o httpclient.Options) bool {
		body, ok := o.Body.(map[string]string)
		return ok && body["url"] == "https://example.com"
	})).Return(jsonResp(`{"data":{"valid":true,"exists":false}}`), nil).Once()

	v, err := s.ValidateURL(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.False(t, v.Exists)

	_, err = s.ValidateURL(context.Background(), "not a url")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestComments(t *testing.T) {
	s, api, _ := newTestStore(t, "U")
	c := s.Comments()

	api.On("Do", mock.Anything, http.MethodGet, "/products/p/comments", mock.Anything).
		Return(jsonResp(`{"data":{"comments":[{"_id":"c1","content":"hi","user":{"_id":"U","name":"Ann"}}],"pagination":{"page":1}}}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodPost, "/products/p/comments/c1/replies", mock.Anything).
		Return(jsonResp(`{"data":{"reply":{"_id":"r1","content":"yo","parent":"c1"}}}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodPost, "/products/p/comments/c1/like", mock.Anything).
		Return(jsonResp(`{"data":{"isLiked":true,"likes":3}}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodDelete, "/products/p/comments/c1/replies/r1", mock.Anything).
		Return(jsonResp(`{"success":true}`), nil).Once()

	page, err := c.List(context.Background(), "p", nil)
	require.NoError(t, err)
	require.Len(t, page.Comments, 1)
	assert.Equal(t, domain.FlexString("U"), page.Comments[0].User)

	reply, err := c.AddReply(context.Background(), "p", "c1", "  yo ")
	require.NoError(t, err)
	assert.Equal(t, "c1", reply.ParentID)

	like, err := c.ToggleLike(context.Background(), "p", "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, like.Likes)

	require.NoError(t, c.DeleteReply(context.Background(), "p", "c1", "r1"))

	_, err = c.Add(context.Background(), "p", "   ")
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestComments_EditAndReplies(t *testing.T) {
	s, api, _ := newTestStore(t, "U")
	c := s.Comments()
	ctx := context.Background()

	api.On("Do", mock.Anything, http.MethodPut, "/products/p/comments/c1", mock.Anything).
		Return(jsonResp(`{"data":{"_id":"c1","content":"edited"}}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodPut, "/products/p/comments/c1/replies/r1", mock.Anything).
		Return(jsonResp(`{"data":{"comment":{"_id":"r1","content":"fixed","parent":"c1"}}}`), nil).Once()
	api.On("Do", mock.Anything, http.MethodGet, "/products/p/comments/c1/replies", mock.Anything).
		Return(jsonResp(`[{"_id":"r1","content":"fixed","parent":"c1"}]`), nil).Once()
	api.On("Do", mock.Anything, http.MethodDelete, "/products/p/comments/c1", mock.Anything).
		Return(jsonResp(`{"success":true}`), nil).Once()

	edited, err := c.Edit(ctx, "p", "c1", "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", edited.Content)

	reply, err := c.EditReply(ctx, "p", "c1", "r1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "r1", reply.ID)

	page, err := c.Replies(ctx, "p", "c1", nil)
	require.NoError(t, err)
	require.Len(t, page.Comments, 1)
	assert.Equal(t, "c1", page.Comments[0].ParentID)

	require.NoError(t, c.Delete(ctx, "p", "c1"))
	api.AssertExpectations(t)
}

func TestComments_RequireSignIn(t *testing.T) {
	s, _, _ := newTestStore(t, "")
	_, err := s.Comments().Edit(context.Background(), "p", "c1", "x")
	assert.True(t, domain.Is(err, "auth_required"))
}
