package httpclient

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/metrics"
	"github.com/baechuer/productbazar-client/internal/session"
)

// refreshCall is a one-shot gate: done closes once token/err are final.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Refreshing reports whether a token refresh is in flight.
func (c *Client) Refreshing() bool {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshing != nil
}

// Refresh forces a token refresh, joining one already in flight.
func (c *Client) Refresh(ctx context.Context) (string, error) {
	return c.refresh(ctx)
}

func (c *Client) refresh(ctx context.Context) (string, error) {
	c.refreshMu.Lock()
	call := c.refreshing
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		c.refreshing = call
		// detached: the initiator's cancellation must not fail everyone queued behind it
		go c.runRefresh(call)
	}
	c.refreshMu.Unlock()

	return call.wait(ctx)
}

// awaitRefresh blocks requests issued while a refresh is in flight so none is sent with the stale token.
func (c *Client) awaitRefresh(ctx context.Context) error {
	c.refreshMu.Lock()
	call := c.refreshing
	c.refreshMu.Unlock()
	if call == nil {
		return nil
	}
	_, err := call.wait(ctx)
	return err
}

func (r *refreshCall) wait(ctx context.Context) (string, error) {
	select {
	case <-r.done:
		return r.token, r.err
	case <-ctx.Done():
		return "", domain.FromContext(ctx.Err())
	}
}

func (c *Client) runRefresh(call *refreshCall) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	token, user, err := c.requestRefresh(ctx)
	if err == nil && c.tokens != nil {
		if serr := c.tokens.Set(ctx, session.KeyAccessToken, token); serr != nil {
			err = serr
		}
	}

	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
		c.log.Warn().Err(err).Msg("token_refresh_failed")
		call.err = domain.Wrap(domain.KindUnauthorized, "session_expired", "session expired", err)
	} else {
		metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
		c.log.Debug().Msg("token_refreshed")
		call.token = token
	}

	c.refreshMu.Lock()
	c.refreshing = nil
	c.lastRefresh = c.now()
	c.refreshMu.Unlock()

	if c.bus != nil {
		if call.err != nil {
			c.bus.Publish(eventbus.Unauthorized, nil)
		} else {
			c.bus.Publish(eventbus.TokenRefreshed, eventbus.TokenRefreshedEvent{Token: token, User: user})
		}
	}
	close(call.done)
}

type refreshPayload struct {
	AccessToken string       `json:"accessToken"`
	Token       string       `json:"token"`
	User        *domain.User `json:"user"`
}

func (c *Client) requestRefresh(ctx context.Context) (string, *domain.User, error) {
	resp, err := c.Do(ctx, http.MethodPost, refreshPath, Options{})
	if err != nil {
		return "", nil, err
	}
	var p refreshPayload
	if err := resp.Data(&p); err != nil {
		return "", nil, err
	}
	token := p.AccessToken
	if token == "" {
		token = p.Token
	}
	if token == "" {
		return "", nil, domain.ErrParse(errors.New("refresh response carries no access token"))
	}
	return token, p.User, nil
}

// TokenExpiry reads the exp claim without verifying the signature.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// MaybeRefresh refreshes when the stored token expires within the threshold,
// no refresh is in flight and none completed in the last second.
func (c *Client) MaybeRefresh(ctx context.Context) (bool, error) {
	token := c.token(ctx)
	if token == "" {
		return false, nil
	}
	exp, ok := TokenExpiry(token)
	if !ok || exp.Sub(c.now()) > c.cfg.RefreshThreshold {
		return false, nil
	}

	c.refreshMu.Lock()
	busy := c.refreshing != nil || (!c.lastRefresh.IsZero() && c.now().Sub(c.lastRefresh) < time.Second)
	c.refreshMu.Unlock()
	if busy {
		return false, nil
	}

	if _, err := c.refresh(ctx); err != nil {
		return false, err
	}
	return true, nil
}
