package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
)

// sessionPayload is the body of every endpoint that signs the user in.
type sessionPayload struct {
	AccessToken string       `json:"accessToken"`
	Token       string       `json:"token"`
	User        *domain.User `json:"user"`
}

func (p sessionPayload) token() string {
	if p.AccessToken != "" {
		return p.AccessToken
	}
	return p.Token
}

// decodeUser accepts {"user": {...}} or a bare user. A body without a user yields nil.
func decodeUser(resp *httpclient.Response) (*domain.User, error) {
	var raw json.RawMessage
	if err := resp.Data(&raw); err != nil {
		return nil, err
	}
	var wrapper struct {
		User *domain.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.User != nil {
		return wrapper.User, nil
	}
	var u domain.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, domain.ErrParse(err)
	}
	if u.ID == "" {
		return nil, nil
	}
	return &u, nil
}

func (c *Coordinator) signIn(ctx context.Context, path string, body any) (*domain.User, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, path, httpclient.Options{Body: body})
	if err != nil {
		return nil, err
	}
	var p sessionPayload
	if err := resp.Data(&p); err != nil {
		return nil, err
	}
	if err := c.setSession(ctx, p.token(), p.User); err != nil {
		return nil, err
	}
	u := p.User
	if u == nil && p.token() != "" {
		if u, err = c.RefreshUserData(ctx, true); err != nil {
			return nil, err
		}
	}
	if u != nil {
		c.log.Info().Str("user_id", u.ID).Msg("auth_signed_in")
	}
	return u, nil
}

func (c *Coordinator) LoginWithEmail(ctx context.Context, in EmailLogin) (*domain.User, error) {
	done := c.begin()
	if err := validationError(c.validate.Struct(in)); err != nil {
		return nil, done(err)
	}
	u, err := c.signIn(ctx, "/auth/login/email", in)
	return u, done(err)
}

func (c *Coordinator) RegisterWithEmail(ctx context.Context, in EmailRegistration) (*domain.User, error) {
	done := c.begin()
	if err := validationError(c.validate.Struct(in)); err != nil {
		return nil, done(err)
	}
	u, err := c.signIn(ctx, "/auth/register/email", in)
	return u, done(err)
}

// LoginWithPhone requests a login OTP for phone.
func (c *Coordinator) LoginWithPhone(ctx context.Context, phone string) (OTPChallenge, error) {
	done := c.begin()
	if err := validationError(c.validate.Var(phone, "required,e164")); err != nil {
		return OTPChallenge{}, done(err)
	}
	ch, err := c.challenge(ctx, "/auth/login/request-otp", map[string]string{"phone": phone})
	return ch, done(err)
}

// RegisterWithPhone requests a registration OTP.
func (c *Coordinator) RegisterWithPhone(ctx context.Context, in PhoneRegistration) (OTPChallenge, error) {
	done := c.begin()
	if err := validationError(c.validate.Struct(in)); err != nil {
		return OTPChallenge{}, done(err)
	}
	ch, err := c.challenge(ctx, "/auth/register/request-otp", in)
	return ch, done(err)
}

// VerifyOTP completes a phone login or registration.
func (c *Coordinator) VerifyOTP(ctx context.Context, in OTPVerification) (*domain.User, error) {
	done := c.begin()
	if err := validationError(c.validate.Struct(in)); err != nil {
		return nil, done(err)
	}
	u, err := c.signIn(ctx, "/auth/"+string(in.Purpose)+"/verify-otp", in)
	return u, done(err)
}

func (c *Coordinator) challenge(ctx context.Context, path string, body any) (OTPChallenge, error) {
	resp, err := c.api.Do(ctx, http.MethodPost, path, httpclient.Options{Body: body})
	if err != nil {
		return OTPChallenge{}, err
	}
	var ch OTPChallenge
	if err := resp.Data(&ch); err != nil {
		return OTPChallenge{}, err
	}
	if ch.Message == "" {
		if env, err := resp.Envelope(); err == nil {
			ch.Message = env.Message
		}
	}
	return ch, nil
}

func (c *Coordinator) RequestEmailVerification(ctx context.Context) error {
	done := c.begin()
	if !c.IsAuthenticated() {
		return done(domain.ErrAuthRequired())
	}
	_, err := c.api.Do(ctx, http.MethodPost, "/auth/send-email-verification", httpclient.Options{})
	return done(err)
}

// VerifyEmailToken confirms an emailed link. A signed-in user is updated in place.
func (c *Coordinator) VerifyEmailToken(ctx context.Context, token string) error {
	done := c.begin()
	if token == "" {
		return done(domain.ErrInvalidField("token", "required"))
	}
	resp, err := c.api.Do(ctx, http.MethodGet, "/auth/verify-email/"+url.PathEscape(token), httpclient.Options{})
	if err != nil {
		return done(err)
	}
	if u, _ := decodeUser(resp); u != nil && c.IsAuthenticated() {
		return done(c.setUser(ctx, *u))
	}
	if st := c.State(); st.User != nil {
		u := *st.User
		u.IsEmailVerified = true
		return done(c.setUser(ctx, u))
	}
	return done(nil)
}

func (c *Coordinator) SendPhoneOTP(ctx context.Context, phone string) (OTPChallenge, error) {
	done := c.begin()
	if err := validationError(c.validate.Var(phone, "required,e164")); err != nil {
		return OTPChallenge{}, done(err)
	}
	ch, err := c.challenge(ctx, "/auth/send-phone-otp", map[string]string{"phone": phone})
	return ch, done(err)
}

// VerifyPhoneOTP confirms the signed-in user's phone number.
func (c *Coordinator) VerifyPhoneOTP(ctx context.Context, phone, code string) error {
	done := c.begin()
	in := OTPVerification{Purpose: OTPLogin, Phone: phone, Code: code}
	if err := validationError(c.validate.Struct(in)); err != nil {
		return done(err)
	}
	resp, err := c.api.Do(ctx, http.MethodPost, "/auth/verify-otp", httpclient.Options{Body: in})
	if err != nil {
		return done(err)
	}
	u, _ := decodeUser(resp)
	if u == nil {
		if st := c.State(); st.User != nil {
			cp := *st.User
			cp.Phone, cp.IsPhoneVerified = phone, true
			u = &cp
		}
	}
	if u != nil {
		return done(c.setUser(ctx, *u))
	}
	return done(nil)
}

// CompleteProfile submits the onboarding profile with an optional picture.
func (c *Coordinator) CompleteProfile(ctx context.Context, in ProfileInput, picture *httpclient.File) (*domain.User, error) {
	return c.submitProfile(ctx, http.MethodPost, "/auth/complete-profile", in, picture)
}

func (c *Coordinator) UpdateProfile(ctx context.Context, in ProfileInput, picture *httpclient.File) (*domain.User, error) {
	return c.submitProfile(ctx, http.MethodPut, "/auth/update-profile", in, picture)
}

func (c *Coordinator) UpdateProfilePicture(ctx context.Context, picture httpclient.File) (*domain.User, error) {
	return c.submitProfile(ctx, http.MethodPut, "/auth/update-profile", ProfileInput{}, &picture)
}

func (c *Coordinator) UpdateBannerImage(ctx context.Context, banner httpclient.File) (*domain.User, error) {
	done := c.begin()
	if !c.IsAuthenticated() {
		return nil, done(domain.ErrAuthRequired())
	}
	banner.Field = "bannerImage"
	u, err := c.sendUser(ctx, http.MethodPut, "/auth/update-banner", &httpclient.Multipart{Files: []httpclient.File{banner}})
	return u, done(err)
}

func (c *Coordinator) submitProfile(ctx context.Context, method, path string, in ProfileInput, picture *httpclient.File) (*domain.User, error) {
	done := c.begin()
	if !c.IsAuthenticated() {
		return nil, done(domain.ErrAuthRequired())
	}
	if err := validationError(c.validate.Struct(in)); err != nil {
		return nil, done(err)
	}
	u, err := c.sendUser(ctx, method, path, in.form(picture))
	return u, done(err)
}

func (c *Coordinator) sendUser(ctx context.Context, method, path string, form *httpclient.Multipart) (*domain.User, error) {
	resp, err := c.api.Do(ctx, method, path, httpclient.Options{Multipart: form})
	if err != nil {
		return nil, err
	}
	u, err := decodeUser(resp)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return c.RefreshUserData(ctx, true)
	}
	if err := c.setUser(ctx, *u); err != nil {
		return nil, err
	}
	return u, nil
}

// Logout ends the session. The server call is best-effort; local state is always cleared.
func (c *Coordinator) Logout(ctx context.Context) error {
	done := c.begin()
	var err error
	if c.State().HasToken {
		_, err = c.api.Do(ctx, http.MethodPost, "/auth/logout", httpclient.Options{})
		if err != nil && !domain.IsCanceled(err) {
			c.log.Info().Err(err).Msg("auth_logout_request_failed")
		}
	}
	c.clearSession(context.WithoutCancel(ctx))
	if c.bus != nil {
		c.bus.Publish(eventbus.Logout, nil)
	}
	c.log.Info().Msg("auth_signed_out")
	return done(nil)
}

// RefreshUserData re-reads /auth/me. Concurrent calls share one request and, unless
// forced, calls within a second of the last one return the current user.
func (c *Coordinator) RefreshUserData(ctx context.Context, force bool) (*domain.User, error) {
	c.meMu.Lock()
	recent := c.now().Sub(c.lastMe) < meDebounce
	c.meMu.Unlock()
	if recent && !force {
		return c.State().User, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.me.DoChan("me", func() (any, error) {
		defer func() {
			c.meMu.Lock()
			c.lastMe = c.now()
			c.meMu.Unlock()
		}()
		resp, err := c.api.Do(fetchCtx, http.MethodGet, "/auth/me", httpclient.Options{})
		if err != nil {
			return nil, err
		}
		u, err := decodeUser(resp)
		if err != nil || u == nil {
			return nil, err
		}
		if err := c.setUser(fetchCtx, *u); err != nil {
			return nil, err
		}
		return u, nil
	})

	select {
	case <-ctx.Done():
		return nil, domain.FromContext(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, mapError(res.Err)
		}
		u, _ := res.Val.(*domain.User)
		if u == nil {
			return c.State().User, nil
		}
		cp := *u
		return &cp, nil
	}
}
