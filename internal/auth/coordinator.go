package auth

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/session"
)

const (
	loginPath   = "/auth/login"
	meDebounce  = time.Second
	defaultTick = 2 * time.Minute
)

// API is the slice of the HTTP client the coordinator needs.
type API interface {
	Do(ctx context.Context, method, path string, opts httpclient.Options) (*httpclient.Response, error)
	MaybeRefresh(ctx context.Context) (bool, error)
}

// State is a snapshot of the signed-in session.
type State struct {
	User        *domain.User
	NextStep    domain.NextStep
	HasToken    bool
	Loading     bool
	Err         error
	Initialized bool
}

// Coordinator owns the signed-in user, the access token and the onboarding step.
// It is the Identity every other component reads.
type Coordinator struct {
	api      API
	store    session.Store
	bus      *eventbus.Bus
	nav      domain.Navigator
	validate *validator.Validate
	log      zerolog.Logger
	now      func() time.Time
	interval time.Duration

	initOnce sync.Once
	initErr  error

	mu          sync.RWMutex
	user        *domain.User
	token       string
	skipped     []string
	nextStep    domain.NextStep
	pending     int
	lastErr     error
	initialized bool

	me     singleflight.Group
	meMu   sync.Mutex
	lastMe time.Time

	unsubs []func()
}

type Option func(*Coordinator)

func WithNavigator(nav domain.Navigator) Option {
	return func(c *Coordinator) { c.nav = nav }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithRefreshInterval sets the proactive refresh period.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

func New(api API, store session.Store, bus *eventbus.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		api:      api,
		store:    store,
		bus:      bus,
		validate: validator.New(),
		log:      logger.Component("auth"),
		now:      time.Now,
		interval: defaultTick,
		nextStep: domain.DeriveNextStep(nil, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	if bus != nil {
		c.unsubs = append(c.unsubs,
			bus.Subscribe(eventbus.TokenRefreshed, c.onTokenRefreshed),
			bus.Subscribe(eventbus.Unauthorized, c.onUnauthorized),
		)
	}
	return c
}

// Close detaches the coordinator from the event bus.
func (c *Coordinator) Close() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
}

// Initialize hydrates the session from storage and refreshes the user once.
// Concurrent and repeated calls share the first run.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.hydrate(ctx)

		c.mu.Lock()
		c.initialized = true
		hasToken := c.token != ""
		c.mu.Unlock()

		if c.initErr != nil {
			c.log.Warn().Err(c.initErr).Msg("auth_hydrate_failed")
		}
		if hasToken {
			if _, err := c.RefreshUserData(ctx, true); err != nil && !domain.IsCanceled(err) {
				c.log.Info().Err(err).Msg("auth_initial_refresh_failed")
			}
		}
	})
	return c.initErr
}

func (c *Coordinator) hydrate(ctx context.Context) error {
	token, _, err := c.store.Get(ctx, session.KeyAccessToken)
	if err != nil {
		return err
	}
	var user domain.User
	hasUser, err := session.GetJSON(ctx, c.store, session.KeyUser, &user)
	if err != nil {
		return err
	}
	var skipped []string
	if _, err := session.GetJSON(ctx, c.store, session.KeySkippedSteps, &skipped); err != nil {
		return err
	}

	c.mu.Lock()
	c.token = token
	c.skipped = skipped
	if hasUser {
		c.user = &user
	}
	c.nextStep = domain.DeriveNextStep(c.user, c.skipped)
	c.mu.Unlock()

	if hasUser {
		c.publishUser()
	}
	return nil
}

// State returns a snapshot.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := State{
		NextStep:    c.nextStep,
		HasToken:    c.token != "",
		Loading:     c.pending > 0,
		Err:         c.lastErr,
		Initialized: c.initialized,
	}
	if c.user != nil {
		u := *c.user
		s.User = &u
	}
	return s
}

func (c *Coordinator) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != "" && c.user != nil
}

func (c *Coordinator) CurrentUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return ""
	}
	return c.user.ID
}

// begin marks an operation in flight; the returned func records its outcome.
func (c *Coordinator) begin() func(err error) error {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	return func(err error) error {
		err = mapError(err)
		c.mu.Lock()
		c.pending--
		if err == nil || !domain.IsCanceled(err) {
			c.lastErr = err
		}
		c.mu.Unlock()
		return err
	}
}

// setSession stores the token (when present) and user, then publishes the change.
func (c *Coordinator) setSession(ctx context.Context, token string, user *domain.User) error {
	if token != "" {
		if err := c.store.Set(ctx, session.KeyAccessToken, token); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if token != "" {
		c.token = token
	}
	c.mu.Unlock()
	if user == nil {
		return nil
	}
	return c.setUser(ctx, *user)
}

func (c *Coordinator) setUser(ctx context.Context, user domain.User) error {
	user.Capabilities = domain.DeriveCapabilities(user.Role, user.SecondaryRoles)

	c.mu.Lock()
	c.user = &user
	c.nextStep = domain.DeriveNextStep(c.user, c.skipped)
	step := c.nextStep
	c.mu.Unlock()

	err := session.SetJSON(ctx, c.store, session.KeyUser, user)
	if err == nil {
		err = c.store.Set(ctx, session.KeyUserID, user.ID)
	}
	if err == nil {
		err = session.SetJSON(ctx, c.store, session.KeyNextStep, step)
	}
	c.publishUser()
	return err
}

func (c *Coordinator) clearSession(ctx context.Context) {
	for _, k := range []string{session.KeyAccessToken, session.KeyUser, session.KeyUserID, session.KeyNextStep, session.KeySkippedSteps} {
		if err := c.store.Remove(ctx, k); err != nil {
			c.log.Warn().Err(err).Str("key", k).Msg("auth_session_clear_failed")
		}
	}
	c.mu.Lock()
	c.user = nil
	c.token = ""
	c.skipped = nil
	c.nextStep = domain.DeriveNextStep(nil, nil)
	c.mu.Unlock()
	c.publishUser()
}

func (c *Coordinator) publishUser() {
	if c.bus == nil {
		return
	}
	st := c.State()
	c.bus.Publish(eventbus.UserUpdated, eventbus.UserUpdatedEvent{User: st.User, NextStep: st.NextStep})
}

func (c *Coordinator) onTokenRefreshed(payload any) {
	ev, ok := payload.(eventbus.TokenRefreshedEvent)
	if !ok {
		return
	}
	c.mu.Lock()
	c.token = ev.Token
	c.mu.Unlock()
	if ev.User == nil {
		return
	}
	if err := c.setUser(context.Background(), *ev.User); err != nil {
		c.log.Warn().Err(err).Msg("auth_user_persist_failed")
	}
}

// onUnauthorized runs inside the failed refresh; it must not issue requests.
func (c *Coordinator) onUnauthorized(any) {
	c.log.Info().Msg("auth_session_expired")
	c.clearSession(context.Background())
	if c.nav != nil && !strings.HasPrefix(c.nav.CurrentPath(), "/auth") {
		c.nav.Navigate(loginPath)
	}
}

// Run refreshes the user and the token on a fixed interval while signed in.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.tick(ctx)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	if !c.IsAuthenticated() {
		return
	}
	if _, err := c.RefreshUserData(ctx, false); err != nil && !domain.IsCanceled(err) {
		c.log.Debug().Err(err).Msg("auth_periodic_refresh_failed")
	}
	if _, err := c.api.MaybeRefresh(ctx); err != nil && !domain.IsCanceled(err) {
		c.log.Debug().Err(err).Msg("auth_token_refresh_failed")
	}
}

// SkipProfileCompletion records the skip and re-derives the next step.
func (c *Coordinator) SkipProfileCompletion(ctx context.Context) (domain.NextStep, error) {
	c.mu.Lock()
	if !slices.Contains(c.skipped, string(domain.StepProfileCompletion)) {
		c.skipped = append(c.skipped, string(domain.StepProfileCompletion))
	}
	skipped := slices.Clone(c.skipped)
	c.nextStep = domain.DeriveNextStep(c.user, c.skipped)
	step := c.nextStep
	c.mu.Unlock()

	err := session.SetJSON(ctx, c.store, session.KeySkippedSteps, skipped)
	if err == nil {
		err = session.SetJSON(ctx, c.store, session.KeyNextStep, step)
	}
	c.publishUser()
	return step, err
}
