// cmd/bazaard/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/baechuer/productbazar-client/internal/config"
	"github.com/baechuer/productbazar-client/internal/kernel"
	"github.com/baechuer/productbazar-client/internal/logger"
	"github.com/baechuer/productbazar-client/internal/metrics"
	"github.com/baechuer/productbazar-client/internal/tracing"
)

const serviceName = "bazaard"

var version = "dev"

// daemon is what Run needs from a built client.
type daemon interface {
	Start(ctx context.Context) error
	Run(ctx context.Context) error
	Handler() http.Handler
	Addr() string
}

type builder func(ctx context.Context) (daemon, func(), error)

func Run(build builder, sigCh <-chan os.Signal, lg zerolog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, cleanup, err := build(ctx)
	if err != nil {
		lg.Error().Err(err).Msg("bootstrap failed")
		return 1
	}
	defer cleanup()

	if err := d.Start(ctx); err != nil {
		lg.Error().Err(err).Msg("client start failed")
		return 1
	}

	srv := &http.Server{
		Addr:              d.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := d.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		lg.Error().Err(err).Msg("daemon crashed")
		return 1
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("graceful shutdown failed")
		_ = srv.Close()
	}

	lg.Info().Msg("shutdown complete")
	return 0
}

// client adapts the kernel to the daemon surface.
type client struct {
	*kernel.Kernel
	addr string
}

func (c client) Addr() string { return c.addr }

func (c client) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h := c.Health(req.Context())
		if !h.StorageOK {
			render.Status(req, http.StatusServiceUnavailable)
		}
		render.JSON(w, req, h)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func buildFromKernel(ctx context.Context) (daemon, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	tp, err := tracing.InitTracing(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, nil, err
	}

	k, cleanup, err := kernel.New(cfg, kernel.DefaultDeps())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}

	return client{Kernel: k, addr: cfg.Metrics.Addr}, func() {
		cleanup()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Log.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}, nil
}

func main() {
	logger.Init()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	code := Run(buildFromKernel, sigCh, logger.Component(serviceName))
	os.Exit(code)
}
