package kernel

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/auth"
	"github.com/baechuer/productbazar-client/internal/channel"
	"github.com/baechuer/productbazar-client/internal/config"
	"github.com/baechuer/productbazar-client/internal/domain"
	"github.com/baechuer/productbazar-client/internal/eventbus"
	"github.com/baechuer/productbazar-client/internal/httpclient"
	"github.com/baechuer/productbazar-client/internal/interaction"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/product"
	"github.com/baechuer/productbazar-client/internal/recommendation"
	"github.com/baechuer/productbazar-client/internal/session"
	"github.com/baechuer/productbazar-client/internal/views"
)

const shutdownTimeout = 5 * time.Second

/*
========================
 Dependency injection
========================
*/

type Deps struct {
	NewRedis func(ctx context.Context, url string) (*goredis.Client, error)

	NewTransport func(url, exchange string) channel.Transport

	// Navigator receives redirects (login after a lost session, list after a delete).
	Navigator domain.Navigator

	// HTTPClient replaces the API client's transport; nil keeps the traced default.
	HTTPClient *http.Client
}

func DefaultDeps() Deps {
	return Deps{
		NewRedis: session.NewRedisClient,
		NewTransport: func(url, exchange string) channel.Transport {
			return channel.NewAMQPTransport(url, exchange)
		},
	}
}

// Kernel is the wired client: one bus, one session, one API client and the
// components sharing them.
type Kernel struct {
	Bus             *eventbus.Bus
	Sessions        session.Sessions
	Client          *httpclient.Client
	Auth            *auth.Coordinator
	Products        *product.Store
	Recommendations *recommendation.Scheduler
	Views           *views.Tracker
	Interactions    *interaction.Recorder
	Live            *channel.Channel

	navigator domain.Navigator
	redis     *goredis.Client
	log       zerolog.Logger
}

/*
========================
 Core bootstrap logic
========================
*/

// New builds every component. The returned cleanup is safe to call more than once.
func New(cfg *config.Config, deps Deps) (*Kernel, func(), error) {
	if cfg == nil {
		return nil, nil, errors.New("kernel: nil config")
	}
	k := &Kernel{
		Bus:       eventbus.New(),
		navigator: deps.Navigator,
		log:       logger.Component("kernel"),
	}
	if k.navigator == nil {
		k.navigator = NewHeadlessNavigator()
	}
	var cleanupFns []func()

	// 1) session stores (redis best-effort)
	k.Sessions = session.NewMemorySessions()
	if cfg.Redis.URL != "" && deps.NewRedis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		rdb, err := deps.NewRedis(ctx, cfg.Redis.URL)
		cancel()
		if err != nil {
			k.log.Warn().Err(err).Msg("redis unavailable; using in-memory session stores")
		} else {
			k.log.Info().Msg("redis connected")
			k.redis = rdb
			k.Sessions = session.NewRedisSessions(rdb)
			cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		}
	}

	// 2) api client
	clientOpts := []httpclient.Option{}
	if deps.HTTPClient != nil {
		clientOpts = append(clientOpts, httpclient.WithHTTPClient(deps.HTTPClient))
	}
	k.Client = httpclient.New(httpclient.Config{
		BaseURL:          cfg.APIBaseURL,
		Timeout:          cfg.HTTPTimeout,
		RefreshThreshold: cfg.TokenRefreshThreshold,
		UserAgent:        cfg.UserAgent,
	}, k.Sessions.Persistent, k.Bus, clientOpts...)
	cleanupFns = append(cleanupFns, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := k.Client.Close(ctx); err != nil {
			k.log.Warn().Err(err).Msg("pending beacons dropped")
		}
	})

	// 3) identity
	k.Auth = auth.New(k.Client, k.Sessions.Persistent, k.Bus,
		auth.WithNavigator(k.navigator),
		auth.WithRefreshInterval(cfg.AuthRefreshInterval),
	)
	cleanupFns = append(cleanupFns, k.Auth.Close)

	// 4) shared product cache
	k.Products = product.New(k.Client, k.Bus, k.Auth, product.WithNavigator(k.navigator))

	// 5) live channel (memory transport when no broker is configured)
	var transport channel.Transport
	if cfg.Live.URL != "" && deps.NewTransport != nil {
		transport = deps.NewTransport(cfg.Live.URL, cfg.Live.Exchange)
	} else {
		k.log.Info().Msg("no live broker configured; live updates are local only")
		transport = channel.NewMemoryTransport()
	}
	k.Live = channel.New(transport, k.Bus, k.Products)
	cleanupFns = append(cleanupFns, func() {
		if err := k.Live.Disconnect(); err != nil {
			k.log.Warn().Err(err).Msg("live channel close failed")
		}
	})

	// 6) recommendations
	k.Recommendations = recommendation.New(k.Client, k.Products, k.Sessions.Persistent, k.Auth,
		recommendation.WithRateLimitWarning(func(endpoint string) {
			k.log.Warn().Str("endpoint", endpoint).Msg("recommendations rate limited; serving cached results")
		}),
	)
	cleanupFns = append(cleanupFns, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = k.Recommendations.Close(ctx)
	})

	// 7) views and interactions
	viewOpts := []views.Option{views.WithLive(k.Live), views.WithProducts(k.Products)}
	if b := k.Client.Beacon(); b != nil {
		viewOpts = append(viewOpts, views.WithBeacon(b))
	}
	k.Views = views.New(k.Client, k.Sessions.Session, k.Bus, views.Config{
		StatsTimeout: cfg.ViewStatsTimeout,
		Viewport:     cfg.Viewport,
		UserAgent:    cfg.UserAgent,
	}, viewOpts...)
	cleanupFns = append(cleanupFns, k.Views.Close)

	k.Interactions = interaction.New(k.Client, k.Sessions.Session, k.Recommendations)

	// 8) cross-component reactions
	// cached lists are personalised for the user who fetched them
	unsub := k.Bus.Subscribe(eventbus.Logout, func(any) { k.Recommendations.Clear() })
	cleanupFns = append(cleanupFns, unsub)
	for _, topic := range []eventbus.Topic{eventbus.UpvoteUpdated, eventbus.BookmarkUpdated} {
		unsub := k.Bus.Subscribe(topic, k.markBiasedStale)
		cleanupFns = append(cleanupFns, unsub)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() { runCleanup(cleanupFns) })
	}
	return k, cleanup, nil
}

// markBiasedStale reacts to the signed-in user's own upvotes and bookmarks. Lists are
// backdated, not evicted.
func (k *Kernel) markBiasedStale(payload any) {
	ev, ok := payload.(eventbus.CountUpdatedEvent)
	if !ok || ev.UserID == "" || ev.UserID != k.Auth.CurrentUserID() {
		return
	}
	kinds := slices.Clone(domain.BiasedRecKinds)
	if ev.Action == "remove" {
		kinds = append(kinds, domain.RecTrending)
	}
	k.Recommendations.MarkStale(kinds...)
}

// Start restores the session and opens the live channel. A broker that cannot be reached
// is retried in the background; the kernel keeps working without live updates.
func (k *Kernel) Start(ctx context.Context) error {
	if err := k.Auth.Initialize(ctx); err != nil {
		return err
	}
	if err := k.Live.Connect(ctx); err != nil {
		if domain.IsCanceled(err) {
			return err
		}
		k.log.Warn().Err(err).Msg("live channel unavailable; retrying in background")
	}
	return nil
}

// Run blocks on the proactive auth refresh loop until ctx ends.
func (k *Kernel) Run(ctx context.Context) error {
	err := k.Auth.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Health is the daemon's readiness report.
type Health struct {
	Authenticated bool   `json:"authenticated"`
	LiveConnected bool   `json:"liveConnected"`
	Storage       string `json:"storage"`
	StorageOK     bool   `json:"storageOk"`
	Products      int    `json:"cachedProducts"`
}

func (k *Kernel) Health(ctx context.Context) Health {
	h := Health{
		Authenticated: k.Auth.IsAuthenticated(),
		LiveConnected: k.Live.Connected(),
		Storage:       "memory",
		StorageOK:     true,
		Products:      k.Products.Len(),
	}
	if k.redis != nil {
		h.Storage = "redis"
		h.StorageOK = k.redis.Ping(ctx).Err() == nil
	}
	return h
}

/*
========================
 helpers
========================
*/

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
