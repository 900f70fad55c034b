package httpclient

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// RetryConfig controls backoff between attempts.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// rateLimitSchedule is used when a 429 carries no Retry-After.
var rateLimitSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}

// CalculateDelay is exponential backoff for attempt (0-based) plus up to 30% jitter, capped at MaxDelay.
func CalculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt)))
	delay += time.Duration(rand.Float64() * 0.3 * float64(delay))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// RateLimitDelay honours Retry-After (seconds or HTTP date) and falls back to a fixed schedule.
func RateLimitDelay(attempt int, h http.Header, now time.Time, maxDelay time.Duration) time.Duration {
	var delay time.Duration
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(v); err == nil {
			delay = at.Sub(now)
		}
	}
	if delay <= 0 {
		idx := attempt
		if idx >= len(rateLimitSchedule) {
			idx = len(rateLimitSchedule) - 1
		}
		delay = rateLimitSchedule[idx]
		delay += time.Duration(rand.Float64() * 0.2 * float64(delay))
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
