package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_client_requests_total",
			Help: "Total number of API requests issued by the client",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bazaar_client_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bazaar_client_requests_in_flight",
			Help: "Number of API requests currently in flight",
		},
	)

	TokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_token_refresh_total",
			Help: "Access token refresh attempts by result",
		},
		[]string{"result"},
	)

	RecommendationCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_recommendation_cache_total",
			Help: "Recommendation cache lookups by kind and result (hit, stale, miss, coalesced)",
		},
		[]string{"kind", "result"},
	)

	LiveEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_live_events_total",
			Help: "Live channel events by type and result (applied, deduped, unrouted)",
		},
		[]string{"type", "result"},
	)

	daemonRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bazaar_daemon_http_requests_total",
			Help: "Requests served by the daemon's own HTTP endpoints",
		},
		[]string{"method", "path", "status"},
	)
)

// ObserveRequest records one finished API call.
func ObserveRequest(method, path string, status int, elapsed time.Duration) {
	endpoint := Endpoint(path)
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	RequestsTotal.WithLabelValues(method, endpoint, label).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

var staticSegments = map[string]bool{
	"api": true, "v1": true, "auth": true, "products": true, "views": true, "product": true,
	"recommendations": true, "comments": true, "replies": true, "like": true, "upvote": true,
	"bookmark": true, "duration": true, "stats": true, "history": true, "popular": true,
	"related": true, "category": true, "trending": true, "recent": true, "validate-url": true,
	"feed": true, "personalized": true, "new": true, "similar": true, "maker": true, "tags": true,
	"collaborative": true, "preferences": true, "interests": true, "interaction": true, "page": true,
	"feedback": true, "dismiss": true, "me": true, "login": true, "register": true, "email": true,
	"request-otp": true, "verify-otp": true, "refresh-token": true, "logout": true,
	"send-email-verification": true, "verify-email": true, "send-phone-otp": true,
	"complete-profile": true, "update-profile": true, "update-banner": true,
}

// Endpoint collapses slugs, ids and tokens in path so label cardinality stays bounded.
func Endpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if !staticSegments[p] {
			parts[i] = ":param"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Middleware records the daemon's own HTTP traffic.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		daemonRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
