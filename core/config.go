package core

import (
	"context"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

const (
	// SilentCheckPath is the same-origin relay page loaded by prompt=none round-trips.
	SilentCheckPath = "/silent-check-sso.html"
	// CallbackPath and CallbackMode identify "we just came back from the provider".
	CallbackPath = "/auth"
	CallbackMode = "keycloak-callback"
	// ExchangePath is the backend endpoint, relative to APIBaseURL.
	ExchangePath = "/auth/keycloak/exchange"
	// WorkspacePath is where a completed sign-in lands.
	WorkspacePath = "/workspace"
	// LoginFailedPath is where a failed callback falls back to.
	LoginFailedPath = "/auth?mode=login&error=sso_failed"
)

// Config is the host-side configuration, read once at startup.
type Config struct {
	// Origin is the scheme://host[:port] the host surface is reachable at.
	Origin          string        `env:"KCBRIDGE_ORIGIN" envDefault:"http://localhost:5173"`
	APIBaseURL      string        `env:"KCBRIDGE_API_BASE_URL" envDefault:"http://localhost:8080/api"`
	ExchangeTimeout time.Duration `env:"KCBRIDGE_EXCHANGE_TIMEOUT" envDefault:"15s"`
	// StateDir holds the file-backed session stores; empty means the OS config dir.
	StateDir string `env:"KCBRIDGE_STATE_DIR"`

	Provider oidckit.Config
}

// LoadConfig reads host and provider settings from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) origin() string { return strings.TrimRight(strings.TrimSpace(c.Origin), "/") }

// SilentCheckRedirectURI is {origin}/silent-check-sso.html.
func (c Config) SilentCheckRedirectURI() string { return c.origin() + SilentCheckPath }

// CallbackRedirectURI is {origin}/auth?mode=keycloak-callback.
func (c Config) CallbackRedirectURI() string {
	return c.origin() + CallbackPath + "?mode=" + CallbackMode
}

// ExchangeURL is the absolute backend exchange endpoint.
func (c Config) ExchangeURL() string {
	return strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/") + ExchangePath
}

func (c Config) exchangeTimeout() time.Duration {
	if c.ExchangeTimeout <= 0 {
		return 15 * time.Second
	}
	return c.ExchangeTimeout
}

// ProviderHandle is the part of *oidckit.Handle the flows depend on.
type ProviderHandle interface {
	Init(ctx context.Context, opts oidckit.InitOptions) (bool, error)
	AuthURL(ctx context.Context, action oidckit.Action, redirectURI string) (string, error)
	Authenticated() bool
	AccessToken() string
	RefreshToken() string
	Claims() oidckit.Claims
	Clear(ctx context.Context) error
}

// HandleSource hands out the process-wide provider handle.
type HandleSource interface {
	GetHandle(cfg oidckit.Config) ProviderHandle
}

type registrySource struct{ r *oidckit.Registry }

func (s registrySource) GetHandle(cfg oidckit.Config) ProviderHandle { return s.r.GetHandle(cfg) }

// FromRegistry serves handles from r.
func FromRegistry(r *oidckit.Registry) HandleSource { return registrySource{r: r} }

// DefaultHandles serves the process-wide handle.
func DefaultHandles() HandleSource { return FromRegistry(oidckit.Default()) }
