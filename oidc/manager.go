package oidckit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"golang.org/x/oauth2"
)

// Action selects which hosted page of the provider an auth URL points at.
type Action string

const (
	ActionLogin       Action = "login"
	ActionRegister    Action = "register"
	// ActionSilentCheck is a prompt=none round-trip for browser hosts: the relay page posts the
	// redirect back and the host hands it to Init (or Coordinator.ResolveCallback) as a Callback.
	ActionSilentCheck Action = "silent-check"
)

// GeneratePKCE returns a verifier and S256 challenge suitable for the auth request.
func GeneratePKCE() (verifier string, challenge string, err error) {
	v := make([]byte, 32)
	if _, err = rand.Read(v); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(v)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func randToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// StateCache stores pending auth requests keyed by their state parameter.
type StateCache interface {
	Put(ctx context.Context, state string, data StateData) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}

// StateData is what we persist for a pending provider round-trip.
type StateData struct {
	Action      Action    `json:"action"`
	Verifier    string    `json:"verifier"`
	Nonce       string    `json:"nonce"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
}

// StateTTL bounds how long a pending round-trip may take.
const StateTTL = 10 * time.Minute

// buildAuthURL renders the hosted login, registration or silent-check URL.
// The redirect URI is per request, so the discovered config is copied rather than mutated.
func buildAuthURL(base *oauth2.Config, action Action, state, nonce, challenge, redirectURI string) string {
	conf := *base
	conf.RedirectURL = redirectURI

	opts := []rp.AuthURLOpt{
		rp.AuthURLOpt(rp.WithURLParam("nonce", nonce)),
		rp.WithCodeChallenge(challenge),
		rp.AuthURLOpt(rp.WithURLParam("code_challenge_method", "S256")),
	}
	switch action {
	case ActionRegister:
		conf.Endpoint.AuthURL = registrationEndpoint(conf.Endpoint.AuthURL)
	case ActionSilentCheck:
		opts = append(opts, rp.AuthURLOpt(rp.WithURLParam("prompt", "none")))
	}

	var params []oauth2.AuthCodeOption
	for _, o := range opts {
		params = append(params, o()...)
	}
	return conf.AuthCodeURL(state, params...)
}

// Keycloak serves self-registration next to the auth endpoint.
func registrationEndpoint(authURL string) string {
	if strings.HasSuffix(authURL, "/auth") {
		return strings.TrimSuffix(authURL, "/auth") + "/registrations"
	}
	return authURL
}

// localStateCache is used when no StateCache is configured. Expired entries are swept by go-cache.
type localStateCache struct {
	c   *gocache.Cache
	ttl time.Duration
}

func newLocalStateCache(ttl time.Duration) *localStateCache {
	return &localStateCache{c: gocache.New(ttl, ttl), ttl: ttl}
}

func (c *localStateCache) Put(_ context.Context, state string, data StateData) error {
	c.c.Set(state, data, c.ttl)
	return nil
}

func (c *localStateCache) Get(_ context.Context, state string) (StateData, bool, error) {
	v, ok := c.c.Get(state)
	if !ok {
		return StateData{}, false, nil
	}
	d, ok := v.(StateData)
	return d, ok, nil
}

func (c *localStateCache) Del(_ context.Context, state string) error {
	c.c.Delete(state)
	return nil
}

func (c *localStateCache) Len() int { return c.c.ItemCount() }
