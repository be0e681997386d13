package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

// State is where the host stands in the probe, redirect, callback and exchange sequence.
type State string

const (
	StateUnknown                  State = "unknown"
	StateSilentChecked            State = "silent_checked"
	StateAwaitingRedirectCallback State = "awaiting_redirect_callback"
	StateProviderAuthenticated    State = "provider_authenticated"
	StateExchanged                State = "exchanged"
	StateFailed                   State = "failed"
)

// ErrSSOFailed is returned when a provider sign-in could not be turned into an application session.
// The coordinator does not retry; it rests in StateFailed until the caller starts over.
var ErrSSOFailed = errors.New("kcbridge: sso sign-in failed")

// Coordinator sequences probe, interactive flow and exchange, and persists the resulting session.
// Every auth decision holds one lock, so a probe never interleaves with a redirect.
type Coordinator struct {
	cfg      Config
	handles  HandleSource
	probe    *Probe
	flow     *Flow
	bridge   *Bridge
	sessions AppSessionStore
	events   SessionEventSink
	log      logrus.FieldLogger

	decide sync.Mutex

	mu      sync.RWMutex
	state   State
	session *AppSession
}

func NewCoordinator(cfg Config, handles HandleSource) *Coordinator {
	if handles == nil {
		handles = DefaultHandles()
	}
	return &Coordinator{
		cfg:     cfg,
		handles: handles,
		probe:   NewProbe(cfg, handles),
		flow:    NewFlow(cfg, handles),
		bridge:  NewBridge(cfg, handles),
		log:     componentLogger(nil, "kcbridge.coordinator"),
		state:   StateUnknown,
	}
}

func (c *Coordinator) WithLogger(l logrus.FieldLogger) *Coordinator {
	c.log = componentLogger(l, "kcbridge.coordinator")
	c.probe.WithLogger(l)
	c.flow.WithLogger(l)
	c.bridge.WithLogger(l)
	return c
}

// WithHTTPClient sets the client used for the backend exchange.
func (c *Coordinator) WithHTTPClient(hc *http.Client) *Coordinator {
	c.bridge.WithHTTPClient(hc)
	return c
}

func (c *Coordinator) WithRedirector(rd Redirector) *Coordinator {
	c.flow.WithRedirector(rd)
	return c
}

func (c *Coordinator) WithSessionStore(s AppSessionStore) *Coordinator {
	c.sessions = s
	return c
}

func (c *Coordinator) WithEventSink(s SessionEventSink) *Coordinator {
	c.events = s
	return c
}

func (c *Coordinator) Config() Config { return c.cfg }

func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session returns a copy of the current application session, or nil.
func (c *Coordinator) Session() *AppSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}

// Start restores a stored application session, or probes the provider silently and
// exchanges when it reports a session. A failed exchange leaves StateFailed and ErrSSOFailed.
func (c *Coordinator) Start(ctx context.Context) (State, error) {
	c.decide.Lock()
	defer c.decide.Unlock()

	if sess := c.loadStored(ctx); sess != nil {
		c.setSession(sess)
		c.transition(ctx, StateExchanged, "restored")
		return StateExchanged, nil
	}
	if !c.probe.Probe(ctx) {
		c.transition(ctx, StateSilentChecked, "")
		return StateSilentChecked, nil
	}
	c.transition(ctx, StateProviderAuthenticated, "")
	if _, err := c.exchangeLocked(ctx); err != nil {
		return StateFailed, err
	}
	return StateExchanged, nil
}

// Login hands the user to the provider's login page. Initialization errors propagate.
func (c *Coordinator) Login(ctx context.Context) error {
	return c.interactive(ctx, c.flow.Login)
}

// Register hands the user to the provider's registration page. Initialization errors propagate.
func (c *Coordinator) Register(ctx context.Context) error {
	return c.interactive(ctx, c.flow.Register)
}

func (c *Coordinator) interactive(ctx context.Context, start func(context.Context) error) error {
	c.decide.Lock()
	defer c.decide.Unlock()

	if err := start(ctx); err != nil {
		if !errors.Is(err, ErrFederationDisabled) {
			c.fail(ctx, err)
		}
		return err
	}
	c.transition(ctx, StateAwaitingRedirectCallback, "")
	return nil
}

// ResolveCallback consumes a provider redirect, exchanges the provider token and
// persists the application session. Any failure ends in StateFailed and wraps ErrSSOFailed.
func (c *Coordinator) ResolveCallback(ctx context.Context, cb oidckit.Callback) (*AppSession, error) {
	c.decide.Lock()
	defer c.decide.Unlock()

	if !oidckit.IsFederationEnabled(c.cfg.Provider) {
		c.fail(ctx, ErrFederationDisabled)
		return nil, fmt.Errorf("%w: %w", ErrSSOFailed, ErrFederationDisabled)
	}
	h := c.handles.GetHandle(c.cfg.Provider)
	ok, err := h.Init(ctx, oidckit.InitOptions{Callback: &cb, CheckLoginIframe: false})
	if err != nil {
		c.fail(ctx, err)
		return nil, fmt.Errorf("%w: %w", ErrSSOFailed, err)
	}
	if !ok {
		err := errors.New("provider reported no session")
		c.fail(ctx, err)
		return nil, fmt.Errorf("%w: %w", ErrSSOFailed, err)
	}
	c.transition(ctx, StateProviderAuthenticated, "")
	return c.exchangeLocked(ctx)
}

// Exchange trades the current provider token for an application session.
// It returns (nil, nil) and leaves the state alone when the handle is not authenticated.
func (c *Coordinator) Exchange(ctx context.Context) (*AppSession, error) {
	c.decide.Lock()
	defer c.decide.Unlock()

	h := c.handles.GetHandle(c.cfg.Provider)
	if !h.Authenticated() || h.AccessToken() == "" {
		return nil, nil
	}
	return c.exchangeLocked(ctx)
}

func (c *Coordinator) exchangeLocked(ctx context.Context) (*AppSession, error) {
	res := c.bridge.Exchange(ctx)
	if res == nil {
		c.fail(ctx, errors.New("exchange returned no session"))
		return nil, ErrSSOFailed
	}
	sess := &AppSession{Token: res.AppToken, User: res.AppUser, ExchangedAt: time.Now().UTC()}
	if c.sessions != nil {
		if err := c.sessions.Save(ctx, *sess); err != nil {
			c.log.WithError(err).Warn("persist app session")
		}
	}
	c.setSession(sess)
	c.transition(ctx, StateExchanged, "")
	return sess, nil
}

// Logout drops the application session and the locally held provider session.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.decide.Lock()
	defer c.decide.Unlock()

	var errs []error
	if c.sessions != nil {
		if err := c.sessions.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear app session: %w", err))
		}
	}
	if err := c.handles.GetHandle(c.cfg.Provider).Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear provider session: %w", err))
	}
	c.setSession(nil)
	c.transition(ctx, StateUnknown, "logout")
	return errors.Join(errs...)
}

func (c *Coordinator) loadStored(ctx context.Context) *AppSession {
	if c.sessions == nil {
		return nil
	}
	sess, err := c.sessions.Load(ctx)
	if err != nil {
		c.log.WithError(err).Warn("load app session")
		return nil
	}
	return sess
}

func (c *Coordinator) setSession(s *AppSession) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Coordinator) fail(ctx context.Context, err error) {
	c.log.WithError(err).Warn("sso sign-in failed")
	c.transition(ctx, StateFailed, err.Error())
}

func (c *Coordinator) transition(ctx context.Context, to State, reason string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	var userID string
	if c.session != nil {
		userID = string(c.session.User.ID)
	}
	c.mu.Unlock()

	stateTransitions.WithLabelValues(string(to)).Inc()
	c.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
	if c.events == nil {
		return
	}
	e := SessionEvent{
		OccurredAt: time.Now().UTC(),
		From:       from,
		To:         to,
		UserID:     userID,
		Trigger:    triggerFromContext(ctx),
	}
	if to != StateUnknown {
		e.Subject = c.handles.GetHandle(c.cfg.Provider).Claims().Subject
	}
	if reason != "" {
		e.Reason = &reason
	}
	if err := c.events.LogSessionEvent(ctx, e); err != nil {
		c.log.WithError(err).Warn("session event sink")
	}
}
