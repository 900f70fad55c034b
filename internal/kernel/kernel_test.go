package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/productbazar-client/internal/auth"
	"github.com/baechuer/productbazar-client/internal/channel"
	"github.com/baechuer/productbazar-client/internal/config"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/product"
	"github.com/baechuer/productbazar-client/internal/recommendation"
	"github.com/baechuer/productbazar-client/internal/session"
)

type fakeAPI struct {
	srv           *httptest.Server
	trendingHits  atomic.Int32
	feedHits      atomic.Int32
	logoutRequest atomic.Int32
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login/email", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, `{"success":true,"data":{"accessToken":"tok-1","user":{"_id":"U1","email":"a@b.co","isEmailVerified":true,"role":"maker","isProfileCompleted":true}}}`)
		})
		r.Post("/auth/logout", func(w http.ResponseWriter, _ *http.Request) {
			f.logoutRequest.Add(1)
			writeJSON(w, 200, `{"success":true}`)
		})
		r.Get("/products/trending", func(w http.ResponseWriter, _ *http.Request) {
			f.trendingHits.Add(1)
			writeJSON(w, 200, `{"success":true,"data":[{"_id":"P1","slug":"rocket","name":"Rocket","upvoteCount":3}]}`)
		})
		r.Get("/recommendations/feed", func(w http.ResponseWriter, _ *http.Request) {
			f.feedHits.Add(1)
			writeJSON(w, 200, `{"success":true,"data":{"recommendations":[{"product":{"_id":"P1","slug":"rocket"},"score":0.9,"reason":"for_you"}]}}`)
		})
		r.Post("/products/{slug}/upvote", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, 200, `{"success":true,"data":{"upvoted":true,"upvoteCount":4}}`)
		})
		r.Get("/products/{slug}", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, 200, `{"success":true,"data":{"_id":"P1","slug":"`+chi.URLParam(req, "slug")+`","name":"Rocket","upvoteCount":3}}`)
		})
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func testConfig(apiURL string) *config.Config {
	return &config.Config{
		APIBaseURL:            apiURL + "/api/v1",
		HTTPTimeout:           2 * time.Second,
		ViewStatsTimeout:      time.Second,
		TokenRefreshThreshold: time.Minute,
		AuthRefreshInterval:   time.Minute,
		UserAgent:             "kernel-test",
		Live:                  config.Live{Exchange: "test.live"},
	}
}

func newKernel(t *testing.T, cfg *config.Config, deps Deps) *Kernel {
	t.Helper()
	k, cleanup, err := New(cfg, deps)
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	t.Cleanup(cleanup)
	return k
}

func TestNew_NilConfig(t *testing.T) {
	k, cleanup, err := New(nil, DefaultDeps())
	assert.Error(t, err)
	assert.Nil(t, k)
	assert.Nil(t, cleanup)
}

func TestNew_RedisBackedSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newFakeAPI(t)

	cfg := testConfig(api.srv.URL)
	cfg.Redis.URL = "redis://" + mr.Addr()
	deps := DefaultDeps()
	deps.HTTPClient = api.srv.Client()
	k := newKernel(t, cfg, deps)

	_, err := k.Auth.LoginWithEmail(context.Background(), auth.EmailLogin{Email: "a@b.co", Password: "pw"})
	require.NoError(t, err)

	tok, err := mr.Get("pb:persistent:accessToken")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	h := k.Health(context.Background())
	assert.Equal(t, "redis", h.Storage)
	assert.True(t, h.StorageOK)
	assert.True(t, h.Authenticated)
}

func TestNew_RedisUnavailableFallsBackToMemory(t *testing.T) {
	api := newFakeAPI(t)
	cfg := testConfig(api.srv.URL)
	cfg.Redis.URL = "redis://127.0.0.1:1"

	deps := Deps{
		NewRedis: func(context.Context, string) (*goredis.Client, error) {
			return nil, errors.New("connection refused")
		},
		HTTPClient: api.srv.Client(),
	}
	k := newKernel(t, cfg, deps)

	_, ok := k.Sessions.Persistent.(*session.MemoryStore)
	assert.True(t, ok)
	assert.Equal(t, "memory", k.Health(context.Background()).Storage)
}

func TestLiveEventsReachProductStore(t *testing.T) {
	api := newFakeAPI(t)
	cfg := testConfig(api.srv.URL)
	cfg.Live.URL = "memory://"

	transport := channel.NewMemoryTransport()
	var gotExchange string
	deps := Deps{
		NewTransport: func(_, exchange string) channel.Transport {
			gotExchange = exchange
			return transport
		},
		HTTPClient: api.srv.Client(),
	}
	k := newKernel(t, cfg, deps)
	assert.Equal(t, "test.live", gotExchange)

	ctx := context.Background()
	require.NoError(t, k.Start(ctx))
	assert.True(t, k.Live.Connected())

	p, err := k.Products.GetBySlug(ctx, "rocket", product.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.UpvoteCount)

	require.NoError(t, k.Live.SubscribeEntity(ctx, "P1"))
	payload, _ := json.Marshal(map[string]any{"productId": "P1", "count": 7, "action": "add", "userId": "U2"})
	require.True(t, transport.Emit(channel.Message{Type: channel.TypeUpvote, EntityID: "P1", Payload: payload}))

	require.Eventually(t, func() bool {
		p, ok := k.Products.Lookup("rocket")
		return ok && p.UpvoteCount == 7
	}, time.Second, 10*time.Millisecond)
}

func TestStart_WithoutBrokerUsesLocalTransport(t *testing.T) {
	api := newFakeAPI(t)
	k := newKernel(t, testConfig(api.srv.URL), Deps{HTTPClient: api.srv.Client()})

	require.NoError(t, k.Start(context.Background()))
	assert.True(t, k.Live.Connected())
	assert.False(t, k.Health(context.Background()).Authenticated)
}

func TestLogout_ClearsRecommendationCache(t *testing.T) {
	api := newFakeAPI(t)
	k := newKernel(t, testConfig(api.srv.URL), Deps{HTTPClient: api.srv.Client()})
	ctx := context.Background()

	_, err := k.Auth.LoginWithEmail(ctx, auth.EmailLogin{Email: "a@b.co", Password: "pw"})
	require.NoError(t, err)

	items, err := k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	_, err = k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), api.trendingHits.Load())

	require.NoError(t, k.Auth.Logout(ctx))
	assert.Equal(t, int32(1), api.logoutRequest.Load())

	_, err = k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), api.trendingHits.Load())
}

func TestOwnUpvote_MarksFeedStale(t *testing.T) {
	api := newFakeAPI(t)
	k := newKernel(t, testConfig(api.srv.URL), Deps{HTTPClient: api.srv.Client()})
	ctx := context.Background()

	_, err := k.Auth.LoginWithEmail(ctx, auth.EmailLogin{Email: "a@b.co", Password: "pw"})
	require.NoError(t, err)

	_, err = k.Recommendations.Feed(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(1), api.feedHits.Load())

	// somebody else's upvote does not touch the cached lists
	k.Bus.Publish(eventbus.UpvoteUpdated, eventbus.CountUpdatedEvent{ProductID: "P1", Count: 5, Action: "add", UserID: "U2"})
	_, err = k.Recommendations.Feed(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	assert.Never(t, func() bool { return api.feedHits.Load() > 1 }, 200*time.Millisecond, 20*time.Millisecond)

	p, err := k.Products.ToggleUpvote(ctx, "rocket")
	require.NoError(t, err)
	assert.True(t, p.Upvoted)

	items, err := k.Recommendations.Feed(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, items, 1, "stale list is still served")
	require.Eventually(t, func() bool { return api.feedHits.Load() == 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestMarkBiasedStale_RemovalAlsoStalesTrending(t *testing.T) {
	api := newFakeAPI(t)
	k := newKernel(t, testConfig(api.srv.URL), Deps{HTTPClient: api.srv.Client()})
	ctx := context.Background()

	_, err := k.Auth.LoginWithEmail(ctx, auth.EmailLogin{Email: "a@b.co", Password: "pw"})
	require.NoError(t, err)

	_, err = k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	hits := api.trendingHits.Load()

	k.Bus.Publish(eventbus.BookmarkUpdated, eventbus.CountUpdatedEvent{ProductID: "P1", Action: "add", UserID: "U1"})
	_, err = k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	assert.Never(t, func() bool { return api.trendingHits.Load() > hits }, 200*time.Millisecond, 20*time.Millisecond)

	k.Bus.Publish(eventbus.BookmarkUpdated, eventbus.CountUpdatedEvent{ProductID: "P1", Action: "remove", UserID: "U1"})
	_, err = k.Recommendations.Trending(ctx, recommendation.Params{}, recommendation.FetchOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return api.trendingHits.Load() > hits }, 3*time.Second, 20*time.Millisecond)
}

func TestCleanup_Idempotent(t *testing.T) {
	api := newFakeAPI(t)
	_, cleanup, err := New(testConfig(api.srv.URL), Deps{HTTPClient: api.srv.Client()})
	require.NoError(t, err)
	cleanup()
	cleanup()
}

func TestHeadlessNavigator(t *testing.T) {
	n := NewHeadlessNavigator()
	assert.Equal(t, "/", n.CurrentPath())
	n.Navigate("/auth/login")
	assert.Equal(t, "/auth/login", n.CurrentPath())
}
