package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/kcbridge/core"
)

var exchangesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kcbridge_backend_exchange_total",
	Help: "Provider tokens presented to the backend exchange endpoint, by result.",
}, []string{"result"})

// Service trades a verified provider access token for an application session.
type Service struct {
	verifier TokenVerifier
	store    Store
	minter   *Minter
	log      logrus.FieldLogger
}

func NewService(v TokenVerifier, s Store, m *Minter) *Service {
	return &Service{verifier: v, store: s, minter: m, log: logrus.StandardLogger().WithField("component", "kcbridge.backend")}
}

func (s *Service) WithLogger(l logrus.FieldLogger) *Service {
	if l != nil {
		s.log = l.WithField("component", "kcbridge.backend")
	}
	return s
}

func (s *Service) Minter() *Minter { return s.minter }

// Store exposes the backing store, mainly for the audit purge job.
func (s *Service) Store() Store { return s.store }

// Exchange verifies providerToken, links it to an application user and mints an app token.
// The refresh token is accepted for parity with the client request and only noted in the audit.
// Verification failures wrap ErrInvalidProviderToken.
func (s *Service) Exchange(ctx context.Context, providerToken, refreshToken string) (*core.ExchangeResult, error) {
	audit := ExchangeAudit{HadRefreshToken: refreshToken != ""}

	id, err := s.verifier.VerifyAccessToken(ctx, providerToken)
	if err != nil {
		if errors.Is(err, ErrInvalidProviderToken) {
			audit.Result = AuditRejected
		} else {
			audit.Result = AuditError
		}
		s.record(ctx, audit)
		return nil, err
	}
	audit.ProviderSubject = id.Subject

	u, err := s.store.UpsertProviderUser(ctx, id)
	if err != nil {
		audit.Result = AuditError
		s.record(ctx, audit)
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	audit.UserID = u.ID

	tok, err := s.minter.Mint(u)
	if err != nil {
		audit.Result = AuditError
		s.record(ctx, audit)
		return nil, fmt.Errorf("mint app token: %w", err)
	}
	audit.Result = AuditOK
	s.record(ctx, audit)
	s.log.WithFields(logrus.Fields{"user_id": u.ID, "subject": id.Subject}).Info("provider token exchanged")
	return &core.ExchangeResult{AppToken: tok, AppUser: profileOf(u)}, nil
}

func (s *Service) record(ctx context.Context, a ExchangeAudit) {
	exchangesServed.WithLabelValues(a.Result).Inc()
	if err := s.store.RecordExchange(ctx, a); err != nil {
		s.log.WithError(err).Warn("record exchange audit")
	}
}

func profileOf(u User) core.UserProfile {
	p := core.UserProfile{
		ID:        core.UserID(u.ID),
		Email:     u.Email,
		Name:      u.Name,
		Handle:    u.Handle,
		AvatarURL: u.AvatarURL,
	}
	if !u.CreatedAt.IsZero() {
		p.CreatedAt = u.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !u.UpdatedAt.IsZero() {
		p.UpdatedAt = u.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return p
}
