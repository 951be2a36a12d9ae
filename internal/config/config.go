// Package config loads the service configuration from the environment.
//
// Every required variable is checked at start-up; a missing value is reported as
// a *ConfigError instead of silently falling back to a no-op client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port        string `env:"PORT" envDefault:"18911"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Hosted auth provider (OAuth2 compatible).
	AuthURL       string `env:"AUTH_URL,required,notEmpty"`
	AuthAnonKey   string `env:"AUTH_ANON_KEY,required,notEmpty"`
	AuthJWTSecret string `env:"AUTH_JWT_SECRET,required,notEmpty"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	StripeTestSecretKey string `env:"STRIPE_TEST_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`

	PaymentsWebhookSecret string `env:"PAYMENTS_WEBHOOK_SECRET,required,notEmpty"`

	SiteURL string `env:"SITE_URL,required,notEmpty"`

	OperatorToken     string        `env:"OPERATOR_TOKEN"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"0s"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	RateLimitRPS       float64  `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"20"`

	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://db/migrations"`
}

// ConfigError lists every variable that was missing or malformed.
type ConfigError struct {
	Missing []string
	Invalid []string
	Err     error
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required variables: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid variables: "+strings.Join(e.Invalid, ", "))
	}
	if len(parts) == 0 && e.Err != nil {
		return "config: " + e.Err.Error()
	}
	return "config: " + strings.Join(parts, "; ")
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromMap(environ())
}

// FromMap parses configuration from an explicit environment map.
func FromMap(vars map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return nil, toConfigError(err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var invalid []string
	if u, err := url.Parse(c.SiteURL); err != nil || u.Scheme == "" || u.Host == "" {
		invalid = append(invalid, "SITE_URL")
	}
	if u, err := url.Parse(c.AuthURL); err != nil || u.Scheme == "" || u.Host == "" {
		invalid = append(invalid, "AUTH_URL")
	}
	if c.ReconcileInterval < 0 {
		invalid = append(invalid, "RECONCILE_INTERVAL")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		invalid = append(invalid, "RATE_LIMIT_RPS/RATE_LIMIT_BURST")
	}
	if len(invalid) > 0 {
		return &ConfigError{Invalid: invalid}
	}
	return nil
}

// SiteOrigin returns SITE_URL without a trailing slash.
func (c *Config) SiteOrigin() string {
	return strings.TrimRight(c.SiteURL, "/")
}

// Presence reports which of the tracked variables are set, without their values.
// Only ever returned to authenticated operators.
func (c *Config) Presence() map[string]bool {
	return map[string]bool{
		"DATABASE_URL":            c.DatabaseURL != "",
		"AUTH_URL":                c.AuthURL != "",
		"AUTH_ANON_KEY":           c.AuthAnonKey != "",
		"AUTH_JWT_SECRET":         c.AuthJWTSecret != "",
		"STRIPE_SECRET_KEY":       c.StripeSecretKey != "",
		"STRIPE_TEST_SECRET_KEY":  c.StripeTestSecretKey != "",
		"STRIPE_WEBHOOK_SECRET":   c.StripeWebhookSecret != "",
		"PAYMENTS_WEBHOOK_SECRET": c.PaymentsWebhookSecret != "",
		"SITE_URL":                c.SiteURL != "",
		"OPERATOR_TOKEN":          c.OperatorToken != "",
	}
}

func toConfigError(err error) error {
	ce := &ConfigError{Err: err}

	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return ce
	}
	for _, e := range agg.Errors {
		var notSet env.EnvVarIsNotSetError
		var empty env.EmptyEnvVarError
		var parse env.ParseError
		switch {
		case errors.As(e, &notSet):
			ce.Missing = append(ce.Missing, notSet.Key)
		case errors.As(e, &empty):
			ce.Missing = append(ce.Missing, empty.Key)
		case errors.As(e, &parse):
			ce.Invalid = append(ce.Invalid, parse.Name)
		default:
			ce.Invalid = append(ce.Invalid, fmt.Sprint(e))
		}
	}
	sort.Strings(ce.Missing)
	return ce
}

func environ() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
