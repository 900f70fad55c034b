package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the client kernel settings.
type Config struct {
	APIBaseURL            string        `env:"API_BASE_URL" envDefault:"http://localhost:5000/api/v1"`
	HTTPTimeout           time.Duration `env:"HTTP_TIMEOUT" envDefault:"15s"`
	ViewStatsTimeout      time.Duration `env:"VIEW_STATS_TIMEOUT" envDefault:"10s"`
	TokenRefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"5m"`
	AuthRefreshInterval   time.Duration `env:"AUTH_REFRESH_INTERVAL" envDefault:"2m"`
	UserAgent             string        `env:"USER_AGENT" envDefault:"productbazar-client/1.0"`
	Viewport              string        `env:"VIEWPORT" envDefault:"1280x800"`

	Debug     bool   `env:"DEBUG" envDefault:"false"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	Redis   Redis   `envPrefix:"REDIS_"`
	Live    Live    `envPrefix:"RABBIT_"`
	Metrics Metrics `envPrefix:"METRICS_"`
	Tracing Tracing
}

// Redis selects the Redis-backed session stores when URL is set.
type Redis struct {
	URL string `env:"URL"`
}

// Live configures the push channel. An empty URL disables live updates.
type Live struct {
	URL      string `env:"URL"`
	Exchange string `env:"EXCHANGE" envDefault:"productbazar.live"`
}

type Metrics struct {
	Addr string `env:"ADDR" envDefault:":9464"`
}

type Tracing struct {
	Enabled      bool   `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// LIVE_EXCHANGE is the documented name; RABBIT_EXCHANGE still works.
	if v, ok := lookupLiveExchange(); ok {
		cfg.Live.Exchange = v
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("invalid API_BASE_URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid API_BASE_URL: scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("invalid API_BASE_URL: missing host")
	}
	if c.HTTPTimeout <= 0 {
		return errors.New("HTTP_TIMEOUT must be positive")
	}
	if c.TokenRefreshThreshold < 0 {
		return errors.New("TOKEN_REFRESH_THRESHOLD must not be negative")
	}
	if c.AuthRefreshInterval <= 0 {
		return errors.New("AUTH_REFRESH_INTERVAL must be positive")
	}
	return nil
}

func lookupLiveExchange() (string, bool) {
	var tmp struct {
		Exchange string `env:"LIVE_EXCHANGE"`
	}
	if err := env.Parse(&tmp); err != nil || tmp.Exchange == "" {
		return "", false
	}
	return tmp.Exchange, true
}
