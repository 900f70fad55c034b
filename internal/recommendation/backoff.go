package recommendation

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	backoffBase      = time.Second
	backoffCap       = 15
	backoffThreshold = 10
	backoffWindow    = 10 * time.Second
)

var errBusy = errors.New("endpoint busy")

// limiter counts requests per endpoint in a rolling window and slows bursts down.
type limiter struct {
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count int
	last  time.Time
}

func newLimiter(now func() time.Time) *limiter {
	return &limiter{
		now:     now,
		sleep:   sleepCtx,
		jitter:  func() float64 { return 0.5 + rand.Float64() },
		windows: make(map[string]*window),
	}
}

// wait delays the caller in proportion to recent traffic on endpoint. With a cached
// answer available it returns errBusy once the endpoint is past the threshold.
func (l *limiter) wait(ctx context.Context, endpoint string, cached bool) error {
	now := l.now()
	l.mu.Lock()
	w, ok := l.windows[endpoint]
	if !ok || now.Sub(w.last) >= backoffWindow {
		w = &window{}
		l.windows[endpoint] = w
	}
	prior := w.count
	w.count++
	w.last = now
	l.mu.Unlock()

	if prior >= backoffThreshold && cached {
		return errBusy
	}
	if prior == 0 {
		return nil
	}
	d := time.Duration(float64(backoffBase) * float64(min(prior, backoffCap)) * l.jitter())
	return l.sleep(ctx, d)
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
