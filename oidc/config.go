package oidckit

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// DefaultURL is used when KEYCLOAK_URL is unset. It never enables federation by itself.
const DefaultURL = "https://auth.dvhub.tech"

const (
	DefaultRealm    = "devhub"
	DefaultClientID = "devhub-frontend"
)

// Config holds the provider settings for the single Keycloak realm the bridge talks to.
type Config struct {
	URL      string   `env:"KEYCLOAK_URL"`
	Realm    string   `env:"KEYCLOAK_REALM" envDefault:"devhub"`
	ClientID string   `env:"KEYCLOAK_CLIENT_ID" envDefault:"devhub-frontend"`
	Scopes   []string `env:"KEYCLOAK_SCOPES" envSeparator:"," envDefault:"openid,profile,email"`
}

// LoadConfig reads the provider settings from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// IsFederationEnabled reports whether a provider URL was explicitly configured.
// The fallback URL does not count.
func IsFederationEnabled(cfg Config) bool {
	return strings.TrimSpace(cfg.URL) != ""
}

func (c Config) Enabled() bool { return IsFederationEnabled(c) }

// BaseURL returns the configured provider URL without a trailing slash.
func (c Config) BaseURL() string {
	u := strings.TrimSpace(c.URL)
	if u == "" {
		u = DefaultURL
	}
	return strings.TrimRight(u, "/")
}

func (c Config) realm() string {
	if r := strings.TrimSpace(c.Realm); r != "" {
		return r
	}
	return DefaultRealm
}

func (c Config) clientID() string {
	if id := strings.TrimSpace(c.ClientID); id != "" {
		return id
	}
	return DefaultClientID
}

func (c Config) scopes() []string {
	if len(c.Scopes) == 0 {
		return []string{"openid", "profile", "email"}
	}
	return c.Scopes
}

// Issuer is the realm issuer, {url}/realms/{realm}.
func (c Config) Issuer() string {
	return c.BaseURL() + "/realms/" + c.realm()
}
