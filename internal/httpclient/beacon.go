package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Beacon queues a small POST that outlives its caller. Send reports false when it cannot queue.
type Beacon interface {
	Send(path string, body any) bool
}

const maxBeacons = 16

// noAttemptTimeout lifts the per-attempt deadline; beacons run until the server answers.
const noAttemptTimeout time.Duration = -1

type beaconSender struct {
	c     *Client
	wg    sync.WaitGroup
	slots chan struct{}
}

func newBeaconSender(c *Client) *beaconSender {
	return &beaconSender{c: c, slots: make(chan struct{}, maxBeacons)}
}

// Beacon returns the fire-and-forget sender, or nil when disabled.
func (c *Client) Beacon() Beacon {
	if c.beacons == nil {
		return nil
	}
	return c.beacons
}

func (b *beaconSender) Send(path string, body any) bool {
	data, err := json.Marshal(body)
	if err != nil {
		return false
	}
	select {
	case b.slots <- struct{}{}:
	default:
		return false
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()

		ctx := context.Background()
		opts := Options{Timeout: noAttemptTimeout}
		target := b.c.buildURL(path, opts)
		payload := &encodedBody{data: data, contentType: "application/json"}
		resp, err := b.c.send(ctx, http.MethodPost, path, target, payload, opts, b.c.token(ctx))
		if err != nil {
			b.c.log.Debug().Err(err).Str("path", path).Msg("beacon_failed")
			return
		}
		if resp.Status >= 300 {
			b.c.log.Debug().Int("status", resp.Status).Str("path", path).Msg("beacon_rejected")
		}
	}()
	return true
}

func (b *beaconSender) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
