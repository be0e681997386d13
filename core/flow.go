package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/browser"
	"github.com/sirupsen/logrus"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var (
	ErrFederationDisabled = errors.New("kcbridge: identity federation is not configured")
	ErrProviderInit       = errors.New("kcbridge: provider initialization failed")
)

// Redirector sends the user agent to target. Once it returns nil the flow is out of the caller's hands.
type Redirector interface {
	Redirect(ctx context.Context, target string) error
}

// RedirectFunc adapts a function to Redirector.
type RedirectFunc func(ctx context.Context, target string) error

func (f RedirectFunc) Redirect(ctx context.Context, target string) error { return f(ctx, target) }

// BrowserRedirector opens the system browser, printing the URL to Out when that fails.
type BrowserRedirector struct {
	Out io.Writer
}

func (b BrowserRedirector) Redirect(_ context.Context, target string) error {
	if err := browser.OpenURL(target); err == nil {
		return nil
	}
	out := b.Out
	if out == nil {
		out = os.Stderr
	}
	_, err := fmt.Fprintf(out, "Open this URL in your browser to continue:\n\n  %s\n\n", target)
	return err
}

type redirectorKey struct{}

// WithRedirector overrides the flow's redirector for one call, e.g. an HTTP 302 for the current request.
func WithRedirector(ctx context.Context, rd Redirector) context.Context {
	return context.WithValue(ctx, redirectorKey{}, rd)
}

func redirectorFrom(ctx context.Context, fallback Redirector) Redirector {
	if rd, ok := ctx.Value(redirectorKey{}).(Redirector); ok && rd != nil {
		return rd
	}
	return fallback
}

// Flow drives user-initiated login and registration at the provider.
type Flow struct {
	cfg        Config
	handles    HandleSource
	redirector Redirector
	log        logrus.FieldLogger
}

func NewFlow(cfg Config, handles HandleSource) *Flow {
	return &Flow{
		cfg:        cfg,
		handles:    handles,
		redirector: BrowserRedirector{},
		log:        componentLogger(nil, "kcbridge.flow"),
	}
}

func (f *Flow) WithRedirector(rd Redirector) *Flow {
	if rd != nil {
		f.redirector = rd
	}
	return f
}

func (f *Flow) WithLogger(l logrus.FieldLogger) *Flow {
	f.log = componentLogger(l, "kcbridge.flow")
	return f
}

// Login sends the user to the provider's hosted login page.
func (f *Flow) Login(ctx context.Context) error { return f.start(ctx, oidckit.ActionLogin) }

// Register sends the user to the provider's hosted registration page.
func (f *Flow) Register(ctx context.Context) error { return f.start(ctx, oidckit.ActionRegister) }

// start initializes the handle before redirecting; errors propagate to the caller.
func (f *Flow) start(ctx context.Context, action oidckit.Action) error {
	if !oidckit.IsFederationEnabled(f.cfg.Provider) {
		return ErrFederationDisabled
	}
	h := f.handles.GetHandle(f.cfg.Provider)
	if !h.Authenticated() {
		if _, err := h.Init(ctx, oidckit.InitOptions{CheckLoginIframe: false}); err != nil {
			return fmt.Errorf("%w: %w", ErrProviderInit, err)
		}
	}
	target, err := h.AuthURL(ctx, action, f.cfg.CallbackRedirectURI())
	if err != nil {
		return fmt.Errorf("build %s url: %w", action, err)
	}
	f.log.WithField("action", string(action)).Info("redirecting to provider")
	if err := redirectorFrom(ctx, f.redirector).Redirect(ctx, target); err != nil {
		return fmt.Errorf("redirect: %w", err)
	}
	return nil
}
