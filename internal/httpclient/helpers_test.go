package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/session"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type testEnv struct {
	client *Client
	store  *session.MemoryStore
	bus    *eventbus.Bus
	sleeps *sleepRecorder
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, h http.Handler, opts ...Option) *testEnv {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	env := &testEnv{
		store:  session.NewMemoryStore(),
		bus:    eventbus.New(),
		sleeps: &sleepRecorder{},
		srv:    srv,
	}
	opts = append([]Option{WithHTTPClient(srv.Client()), WithSleep(env.sleeps.sleep)}, opts...)
	env.client = New(Config{BaseURL: srv.URL + "/api/v1", Timeout: 2 * time.Second}, env.store, env.bus, opts...)
	return env
}

func (e *testEnv) setToken(t *testing.T, tok string) {
	t.Helper()
	if err := e.store.Set(context.Background(), session.KeyAccessToken, tok); err != nil {
		t.Fatalf("set token: %v", err)
	}
}

// countTopic counts publications of topic.
func countTopic(bus *eventbus.Bus, topic eventbus.Topic) func() int {
	var mu sync.Mutex
	n := 0
	bus.Subscribe(topic, func(any) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
