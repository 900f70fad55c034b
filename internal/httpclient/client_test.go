package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	pkgctx "github.com/baechuer/productbazar-client/internal/pkg/context"
	"github.com/baechuer/productbazar-client/internal/session"
)

func TestClient_InjectsHeaders(t *testing.T) {
	var got http.Header
	r := chi.NewRouter()
	r.Get("/api/v1/products", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, `{"success":true,"data":[]}`)
	})
	env := newTestEnv(t, r)
	env.client.cfg.UserAgent = "pb-test"
	env.setToken(t, "tok-1")

	ctx := pkgctx.WithRequestID(context.Background(), "req-42")
	_, err := env.client.Get(ctx, "/products", Options{})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", got.Get("Authorization"))
	assert.Equal(t, "req-42", got.Get("X-Request-Id"))
	assert.Equal(t, "pb-test", got.Get("User-Agent"))
}

func TestClient_CallerAuthorizationWins(t *testing.T) {
	var got string
	r := chi.NewRouter()
	r.Get("/api/v1/auth/me", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, `{}`)
	})
	env := newTestEnv(t, r)
	env.setToken(t, "stored")

	_, err := env.client.Get(context.Background(), "/auth/me", Options{Headers: map[string]string{"Authorization": "Bearer explicit"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer explicit", got)
}

func TestResponse_DataUnwrapsEnvelope(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/products/p", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"slug":"p","name":"P"}}`)
	})
	env := newTestEnv(t, r)

	resp, err := env.client.Get(context.Background(), "/products/p", Options{Params: url.Values{"page": {"1"}}})
	require.NoError(t, err)

	var p struct{ Slug, Name string }
	require.NoError(t, resp.Data(&p))
	assert.Equal(t, "p", p.Slug)
	assert.Equal(t, "P", p.Name)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		kind   domain.ErrKind
		code   string
	}{
		{http.StatusNotFound, `{"success":false,"message":"Product not found","code":"NOT_FOUND"}`, domain.KindNotFound, "NOT_FOUND"},
		{http.StatusForbidden, `{"error":{"code":"forbidden","message":"nope"}}`, domain.KindForbidden, "forbidden"},
		{http.StatusUnprocessableEntity, `not json`, domain.KindValidation, ""},
		{http.StatusInternalServerError, `{}`, domain.KindServer, ""},
		{http.StatusConflict, `{"message":"taken"}`, domain.KindConflict, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			r := chi.NewRouter()
			r.Post("/api/v1/x", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			env := newTestEnv(t, r)

			_, err := env.client.Post(context.Background(), "/x", Options{Body: map[string]string{"a": "b"}})
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.Equal(t, tt.status, domain.StatusOf(err))
			if tt.code != "" {
				assert.True(t, domain.Is(err, tt.code))
			}
		})
	}
}

func TestClient_RefreshSingleFlight(t *testing.T) {
	var unauthorized, refreshes, retried atomic.Int32
	allRejected := make(chan struct{})
	var once sync.Once

	r := chi.NewRouter()
	r.Get("/api/v1/items/{n}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer new" {
			if unauthorized.Add(1) == 3 {
				once.Do(func() { close(allRejected) })
			}
			// hold every rejection until all three arrived with the old token
			select {
			case <-allRejected:
			case <-time.After(2 * time.Second):
			}
			writeJSON(w, http.StatusUnauthorized, `{"message":"jwt expired"}`)
			return
		}
		retried.Add(1)
		writeJSON(w, http.StatusOK, `{"data":{"n":"`+chi.URLParam(r, "n")+`"}}`)
	})
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"accessToken":"new","user":{"_id":"u1","role":"maker"}}}`)
	})

	env := newTestEnv(t, r)
	env.setToken(t, "old")
	refreshed := countTopic(env.bus, eventbus.TokenRefreshed)
	var gotUser *domain.User
	env.bus.Subscribe(eventbus.TokenRefreshed, func(p any) {
		gotUser = p.(eventbus.TokenRefreshedEvent).User
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.client.Get(context.Background(), fmt.Sprintf("/items/%d", i), Options{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(3), unauthorized.Load())
	assert.Equal(t, int32(1), refreshes.Load())
	assert.Equal(t, int32(3), retried.Load())
	assert.Equal(t, 1, refreshed())
	require.NotNil(t, gotUser)
	assert.True(t, gotUser.Capabilities.CanUploadProducts)

	tok, _, _ := env.store.Get(context.Background(), "accessToken")
	assert.Equal(t, "new", tok)
}

func TestClient_RequestsWaitForInFlightRefresh(t *testing.T) {
	release := make(chan struct{})
	var seen atomic.Value
	r := chi.NewRouter()
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, `{"accessToken":"fresh"}`)
	})
	r.Get("/api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{}`)
	})
	env := newTestEnv(t, r)
	env.setToken(t, "stale")

	refreshDone := make(chan error, 1)
	go func() {
		_, err := env.client.Refresh(context.Background())
		refreshDone <- err
	}()
	require.Eventually(t, env.client.Refreshing, time.Second, 5*time.Millisecond)

	reqDone := make(chan error, 1)
	go func() {
		_, err := env.client.Get(context.Background(), "/me", Options{})
		reqDone <- err
	}()

	select {
	case <-reqDone:
		t.Fatal("request overtook the refresh")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	require.NoError(t, <-refreshDone)
	require.NoError(t, <-reqDone)
	assert.Equal(t, "Bearer fresh", seen.Load())
}

func TestClient_RefreshFailureFailsAllWithUnauthorized(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/items/{n}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{}`)
	})
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		writeJSON(w, http.StatusUnauthorized, `{"message":"refresh token revoked"}`)
	})
	env := newTestEnv(t, r)
	env.setToken(t, "old")
	unauth := countTopic(env.bus, eventbus.Unauthorized)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.client.Get(context.Background(), fmt.Sprintf("/items/%d", i), Options{})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
	}
	assert.GreaterOrEqual(t, unauth(), 1)
}

func TestClient_SecondUnauthorizedPropagates(t *testing.T) {
	var refreshes atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/admin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"code":"NO_ACCESS"}`)
	})
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		writeJSON(w, http.StatusOK, `{"data":{"accessToken":"new"}}`)
	})
	env := newTestEnv(t, r)
	env.setToken(t, "old")

	_, err := env.client.Get(context.Background(), "/admin", Options{})
	assert.Equal(t, domain.KindUnauthorized, domain.KindOf(err))
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestClient_RateLimitRetryAfter(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/recommendations/feed", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, `{"message":"slow down"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"data":[]}`)
	})
	env := newTestEnv(t, r)

	_, err := env.client.Get(context.Background(), "/recommendations/feed", Options{RetryCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, env.sleeps.all())
}

func TestClient_RateLimitExhausted(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/recommendations/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, `{}`)
	})
	env := newTestEnv(t, r)

	_, err := env.client.Get(context.Background(), "/recommendations/feed", Options{RetryCount: 2})
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimited, domain.KindOf(err))
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "30", de.Meta["retry_after"])
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, env.sleeps.all(), "capped at the max delay")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_RetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusCreated,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{}`)),
		}, nil
	})}
	env := newTestEnv(t, http.NotFoundHandler(), WithHTTPClient(hc))

	resp, err := env.client.Post(context.Background(), "/views/product/x", Options{RetryCount: 2, Body: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Len(t, env.sleeps.all(), 2)
}

func TestClient_NetworkErrorWithoutRetry(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})}
	env := newTestEnv(t, http.NotFoundHandler(), WithHTTPClient(hc))

	_, err := env.client.Get(context.Background(), "/products", Options{})
	assert.Equal(t, domain.KindNetwork, domain.KindOf(err))
	assert.Empty(t, env.sleeps.all())
}

func TestClient_Timeout(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	env := newTestEnv(t, r)

	_, err := env.client.Get(context.Background(), "/slow", Options{Timeout: 20 * time.Millisecond})
	assert.Equal(t, domain.KindTimeout, domain.KindOf(err))
}

func TestClient_CallerCancellationIsSilent(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/v1/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	env := newTestEnv(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := env.client.Get(ctx, "/slow", Options{RetryCount: 3})
	assert.True(t, domain.IsCanceled(err))
	assert.True(t, domain.ResultOf(err).Silent)
	assert.Equal(t, 0, env.client.PendingCount())
}

func TestClient_IdenticalGetSupersedesOlder(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Get("/api/v1/products", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		writeJSON(w, http.StatusOK, `{"data":[]}`)
	})
	env := newTestEnv(t, r)

	firstErr := make(chan error, 1)
	go func() {
		_, err := env.client.Get(context.Background(), "/products", Options{})
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := env.client.Get(context.Background(), "/products", Options{})
	require.NoError(t, err)

	err = <-firstErr
	assert.True(t, domain.IsCanceled(err))
	assert.Equal(t, 0, env.client.PendingCount())
}

func TestClient_PriorityIsNotSupersededAndBustsCache(t *testing.T) {
	var mu sync.Mutex
	var stamps []string
	release := make(chan struct{})
	r := chi.NewRouter()
	r.Get("/api/v1/views/product/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		stamps = append(stamps, r.URL.Query().Get("_t"))
		n := len(stamps)
		mu.Unlock()
		if n == 1 {
			<-release
		}
		writeJSON(w, http.StatusOK, `{}`)
	})
	env := newTestEnv(t, r)

	firstErr := make(chan error, 1)
	go func() {
		_, err := env.client.Priority(context.Background(), http.MethodGet, "/views/product/P/stats", Options{})
		firstErr <- err
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := env.client.Priority(context.Background(), http.MethodGet, "/views/product/P/stats", Options{})
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-firstErr)

	require.Len(t, stamps, 2)
	assert.NotEmpty(t, stamps[0])
	assert.NotEqual(t, stamps[0], stamps[1])
}

func TestClient_Multipart(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/v1/products", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "Rocket", r.FormValue("name"))
		f, hdr, err := r.FormFile("thumbnail")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "thumb.png", hdr.Filename)
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
		writeJSON(w, http.StatusCreated, `{"data":{"slug":"rocket"}}`)
	})
	env := newTestEnv(t, r)

	_, err := env.client.Post(context.Background(), "/products", Options{Multipart: &Multipart{
		Fields: map[string]string{"name": "Rocket"},
		Files:  []File{{Field: "thumbnail", Name: "thumb.png", ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
	}})
	require.NoError(t, err)
}

func TestClient_MaybeRefresh(t *testing.T) {
	var refreshes atomic.Int32
	r := chi.NewRouter()
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		writeJSON(w, http.StatusOK, `{"data":{"accessToken":"renewed"}}`)
	})
	env := newTestEnv(t, r)

	env.setToken(t, signedToken(t, time.Now().Add(time.Hour)))
	did, err := env.client.MaybeRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, did)

	env.setToken(t, signedToken(t, time.Now().Add(time.Minute)))
	did, err = env.client.MaybeRefresh(context.Background())
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, int32(1), refreshes.Load())

	// opaque tokens are left alone
	env.setToken(t, "opaque")
	did, err = env.client.MaybeRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, did)
}

func TestClient_MaybeRefreshAtMostOncePerSecond(t *testing.T) {
	var refreshes atomic.Int32
	var soon string
	r := chi.NewRouter()
	r.Post("/api/v1/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		// the renewed token is still close to expiry
		writeJSON(w, http.StatusOK, `{"data":{"accessToken":"`+soon+`"}}`)
	})
	env := newTestEnv(t, r)
	soon = signedToken(t, time.Now().Add(time.Minute))
	env.setToken(t, soon)

	did, err := env.client.MaybeRefresh(context.Background())
	require.NoError(t, err)
	require.True(t, did)

	did, err = env.client.MaybeRefresh(context.Background())
	require.NoError(t, err)
	assert.False(t, did)
	assert.Equal(t, int32(1), refreshes.Load())
}

func TestClient_Beacon(t *testing.T) {
	got := make(chan string, 1)
	r := chi.NewRouter()
	r.Post("/api/v1/views/product/{id}/duration", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	env := newTestEnv(t, r)

	b := env.client.Beacon()
	require.NotNil(t, b)
	assert.True(t, b.Send("/views/product/P/duration", map[string]int{"duration": 4}))
	require.NoError(t, env.client.Close(context.Background()))
	assert.JSONEq(t, `{"duration":4}`, <-got)

	noBeacon := newTestEnv(t, r, WithoutBeacon())
	assert.Nil(t, noBeacon.client.Beacon())
}

func TestClient_BeaconHasNoAttemptTimeout(t *testing.T) {
	got := make(chan string, 1)
	r := chi.NewRouter()
	r.Post("/api/v1/views/product/{id}/duration", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		got <- chi.URLParam(r, "id")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL + "/api/v1", Timeout: 30 * time.Millisecond},
		session.NewMemoryStore(), eventbus.New(), WithHTTPClient(srv.Client()))

	require.True(t, c.Beacon().Send("/views/product/P/duration", map[string]int{"duration": 9}))
	select {
	case id := <-got:
		assert.Equal(t, "P", id)
	case <-time.After(2 * time.Second):
		t.Fatal("beacon was not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))
}

func TestCalculateDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		base := time.Duration(100<<attempt) * time.Millisecond
		d := CalculateDelay(attempt, cfg)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base*3/10)
	}
	assert.Equal(t, time.Second, CalculateDelay(10, cfg))
}

func TestRateLimitDelay(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := http.Header{}
	h.Set("Retry-After", now.Add(3*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 3*time.Second, RateLimitDelay(0, h, now, 10*time.Second))

	d := RateLimitDelay(1, http.Header{}, now, 10*time.Second)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 3*time.Second)
}
