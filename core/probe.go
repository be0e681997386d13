package core

import (
	"context"

	"github.com/sirupsen/logrus"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

// Probe detects an existing provider session without user interaction.
type Probe struct {
	cfg     Config
	handles HandleSource
	log     logrus.FieldLogger
}

func NewProbe(cfg Config, handles HandleSource) *Probe {
	return &Probe{cfg: cfg, handles: handles, log: componentLogger(nil, "kcbridge.probe")}
}

func (p *Probe) WithLogger(l logrus.FieldLogger) *Probe {
	p.log = componentLogger(l, "kcbridge.probe")
	return p
}

// Probe reports whether the provider has an authenticated session for this host.
// It never redirects and never fails: with federation disabled it returns false
// without touching the network, and initialization errors are logged and read as false.
func (p *Probe) Probe(ctx context.Context) bool {
	if !oidckit.IsFederationEnabled(p.cfg.Provider) {
		probeTotal.WithLabelValues("disabled").Inc()
		return false
	}
	h := p.handles.GetHandle(p.cfg.Provider)
	ok, err := h.Init(ctx, oidckit.InitOptions{
		SilentCheckRedirectURI: p.cfg.SilentCheckRedirectURI(),
		CheckLoginIframe:       false,
	})
	if err != nil {
		probeTotal.WithLabelValues("error").Inc()
		p.log.WithError(err).Warn("silent init failed")
		return false
	}
	if !ok {
		probeTotal.WithLabelValues("anonymous").Inc()
		return false
	}
	probeTotal.WithLabelValues("authenticated").Inc()
	p.log.WithField("sub", h.Claims().Subject).Debug("provider session found")
	return true
}
