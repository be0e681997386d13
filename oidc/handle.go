package oidckit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotInitialized         = errors.New("oidckit: handle not initialized")
	ErrLoginIframeUnsupported = errors.New("oidckit: login iframe polling is not supported")
	ErrInvalidCallback        = errors.New("oidckit: callback is missing code or state")
	ErrUnknownState           = errors.New("oidckit: unknown or expired state")
)

// silentErrors are the codes a prompt=none round-trip uses to say "no session".
var silentErrors = map[string]bool{
	"login_required":             true,
	"consent_required":           true,
	"interaction_required":       true,
	"account_selection_required": true,
}

// IsSilentError reports whether code is a soft "not signed in" answer from the provider.
func IsSilentError(code string) bool { return silentErrors[code] }

// CallbackError is an error the provider returned on the redirect callback.
type CallbackError struct {
	Code        string
	Description string
}

func (e *CallbackError) Error() string {
	if e.Description != "" {
		return "oidckit: provider returned " + e.Code + ": " + e.Description
	}
	return "oidckit: provider returned " + e.Code
}

// Callback carries the query parameters of a provider redirect back to the host.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackFromQuery reads a provider redirect's query string.
func CallbackFromQuery(q url.Values) Callback {
	return Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// InitOptions mirrors the check-only initialization the host performs on load.
// CheckLoginIframe must stay false; the handle never polls the provider in the background.
type InitOptions struct {
	SilentCheckRedirectURI string
	CheckLoginIframe       bool
	Callback               *Callback
}

// Snapshot is a copy of the handle's public state.
type Snapshot struct {
	Initialized   bool
	Authenticated bool
	AccessToken   string
	RefreshToken  string
	Expiry        time.Time
	Claims        Claims
}

// Option configures a Handle.
type Option func(*Handle)

func WithHTTPClient(c *http.Client) Option {
	return func(h *Handle) {
		if c != nil {
			h.httpClient = c
		}
	}
}

func WithSessionStore(s SessionStore) Option { return func(h *Handle) { h.sessions = s } }

func WithStateCache(c StateCache) Option {
	return func(h *Handle) {
		if c != nil {
			h.states = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handle) {
		if l != nil {
			h.log = l
		}
	}
}

// Handle is the process-wide relationship with the provider. Only Init, AuthURL and Clear mutate it.
type Handle struct {
	cfg        Config
	httpClient *http.Client
	sessions   SessionStore
	states     StateCache
	log        logrus.FieldLogger

	group singleflight.Group
	// initMu admits one initialization at a time, whatever its singleflight key.
	initMu sync.Mutex

	mu             sync.RWMutex
	rp             rp.RelyingParty
	initialized    bool
	authenticated  bool
	token          *oauth2.Token
	claims         Claims
	nonce          string
	silentRedirect string
}

func newHandle(cfg Config, opts ...Option) *Handle {
	h := &Handle{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		states:     newLocalStateCache(StateTTL),
		log:        logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.WithField("component", "kcbridge.provider")
	return h
}

func (h *Handle) Config() Config { return h.cfg }

func (h *Handle) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

func (h *Handle) Authenticated() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.authenticated
}

func (h *Handle) AccessToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.token == nil {
		return ""
	}
	return h.token.AccessToken
}

func (h *Handle) RefreshToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.token == nil {
		return ""
	}
	return h.token.RefreshToken
}

func (h *Handle) IDToken() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.claims.RawIDToken
}

func (h *Handle) Claims() Claims {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.claims
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Snapshot{Initialized: h.initialized, Authenticated: h.authenticated, Claims: h.claims}
	if h.token != nil {
		s.AccessToken = h.token.AccessToken
		s.RefreshToken = h.token.RefreshToken
		s.Expiry = h.token.Expiry
	}
	return s
}

// Init resolves the handle's authenticated state without user interaction.
// With a Callback it consumes a provider redirect; otherwise it restores a persisted
// provider session. Concurrent callers share one in-flight initialization.
func (h *Handle) Init(ctx context.Context, opts InitOptions) (bool, error) {
	if opts.CheckLoginIframe {
		return false, ErrLoginIframeUnsupported
	}
	key := "init"
	if opts.Callback != nil {
		key = "callback:" + opts.Callback.State
	}
	// the shared work must outlive any single caller's cancellation
	work := context.WithoutCancel(ctx)
	ch := h.group.DoChan(key, func() (any, error) {
		h.initMu.Lock()
		defer h.initMu.Unlock()
		return h.init(work, opts)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (h *Handle) init(ctx context.Context, opts InitOptions) (bool, error) {
	rpClient, err := h.relyingParty()
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	if opts.SilentCheckRedirectURI != "" {
		h.silentRedirect = opts.SilentCheckRedirectURI
	}
	h.mu.Unlock()

	var ok bool
	if opts.Callback != nil {
		ok, err = h.consumeCallback(ctx, rpClient, *opts.Callback)
	} else if h.Authenticated() {
		ok = true
	} else {
		ok, err = h.restore(ctx, rpClient)
	}
	if err != nil {
		return false, err
	}
	h.mu.Lock()
	h.initialized = true
	h.mu.Unlock()
	return ok, nil
}

// relyingParty runs discovery once; a failed discovery is retried on the next Init.
// Callers hold initMu.
func (h *Handle) relyingParty() (rp.RelyingParty, error) {
	h.mu.RLock()
	c := h.rp
	h.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	issuer := h.cfg.Issuer()
	c, err := rp.NewRelyingPartyOIDC(issuer, h.cfg.clientID(), "", "", h.cfg.scopes(), rp.WithHTTPClient(h.httpClient))
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", issuer, err)
	}
	h.mu.Lock()
	h.rp = c
	h.mu.Unlock()
	return c, nil
}

func (h *Handle) clientCtx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, h.httpClient)
}

func (h *Handle) consumeCallback(ctx context.Context, rpClient rp.RelyingParty, cb Callback) (bool, error) {
	if cb.Error != "" {
		if cb.State != "" {
			_ = h.states.Del(ctx, cb.State)
		}
		if IsSilentError(cb.Error) {
			return h.Authenticated(), nil
		}
		return false, &CallbackError{Code: cb.Error, Description: cb.ErrorDescription}
	}
	if cb.Code == "" || cb.State == "" {
		return false, ErrInvalidCallback
	}
	data, ok, err := h.states.Get(ctx, cb.State)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if !ok {
		return false, ErrUnknownState
	}
	_ = h.states.Del(ctx, cb.State)

	tok, claims, err := exchangeCode(h.clientCtx(ctx), rpClient, cb.Code, data.Verifier, data.Nonce, data.RedirectURI)
	if err != nil {
		return false, err
	}
	h.authenticate(ctx, tok, claims, data.Nonce)
	return true, nil
}

func (h *Handle) restore(ctx context.Context, rpClient rp.RelyingParty) (bool, error) {
	if h.sessions == nil {
		return false, nil
	}
	stored, ok, err := h.sessions.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load provider session: %w", err)
	}
	if !ok {
		return false, nil
	}
	tok, err := refreshSession(h.clientCtx(ctx), rpClient, stored.RefreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			h.log.WithField("sub", stored.Subject).Info("stored provider session rejected; clearing")
			if cerr := h.sessions.Clear(ctx); cerr != nil {
				h.log.WithError(cerr).Warn("clear provider session")
			}
			return false, nil
		}
		return false, fmt.Errorf("refresh provider session: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = stored.RefreshToken
	}
	claims, err := verifyIDToken(ctx, rpClient, tok, stored.Nonce)
	if errors.Is(err, ErrNoIDToken) {
		claims, err = Claims{Subject: stored.Subject}, nil
	}
	if err != nil {
		return false, err
	}
	h.authenticate(ctx, tok, claims, stored.Nonce)
	return true, nil
}

func (h *Handle) authenticate(ctx context.Context, tok *oauth2.Token, claims Claims, nonce string) {
	h.mu.Lock()
	h.authenticated = true
	h.token = tok
	h.claims = claims
	h.nonce = nonce
	h.mu.Unlock()

	if h.sessions == nil || tok.RefreshToken == "" {
		return
	}
	err := h.sessions.Save(ctx, StoredSession{
		RefreshToken: tok.RefreshToken,
		Nonce:        nonce,
		Subject:      claims.Subject,
		SavedAt:      time.Now().UTC(),
	})
	if err != nil {
		h.log.WithError(err).Warn("persist provider session")
	}
}

// AuthURL builds the provider URL for action and records the pending round-trip.
// The handle must have completed Init.
func (h *Handle) AuthURL(ctx context.Context, action Action, redirectURI string) (string, error) {
	h.mu.RLock()
	rpClient, initialized := h.rp, h.initialized
	if redirectURI == "" && action == ActionSilentCheck {
		redirectURI = h.silentRedirect
	}
	h.mu.RUnlock()
	if rpClient == nil || !initialized {
		return "", ErrNotInitialized
	}
	if redirectURI == "" {
		return "", errors.New("oidckit: redirect uri required")
	}

	verifier, challenge, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state, err := randToken(24)
	if err != nil {
		return "", err
	}
	nonce, err := randToken(24)
	if err != nil {
		return "", err
	}
	err = h.states.Put(ctx, state, StateData{
		Action:      action,
		Verifier:    verifier,
		Nonce:       nonce,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("store state: %w", err)
	}
	return buildAuthURL(rpClient.OAuthConfig(), action, state, nonce, challenge, redirectURI), nil
}

// Clear drops the in-memory tokens and the persisted provider session.
// The provider-side SSO session is left alone.
func (h *Handle) Clear(ctx context.Context) error {
	h.mu.Lock()
	h.authenticated = false
	h.token = nil
	h.claims = Claims{}
	h.nonce = ""
	h.mu.Unlock()
	if h.sessions == nil {
		return nil
	}
	return h.sessions.Clear(ctx)
}
