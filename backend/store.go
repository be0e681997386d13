package backend

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// User is an application account linked to one provider subject.
type User struct {
	ID              string
	ProviderSubject string
	Email           string
	Name            string
	Handle          *string
	AvatarURL       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Exchange audit results.
const (
	AuditOK       = "ok"
	AuditRejected = "rejected"
	AuditError    = "error"
)

// ExchangeAudit records one call to the exchange endpoint.
type ExchangeAudit struct {
	ProviderSubject string
	UserID          string
	Result          string
	HadRefreshToken bool
	CreatedAt       time.Time
}

// Store persists application users and the exchange audit trail.
type Store interface {
	UpsertProviderUser(ctx context.Context, id ProviderIdentity) (User, error)
	RecordExchange(ctx context.Context, a ExchangeAudit) error
	PurgeExchangeAudit(ctx context.Context, before time.Time) (int64, error)
}

// MemoryStore is a Store for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]User
	audit []ExchangeAudit
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]User{}, now: time.Now}
}

func (m *MemoryStore) UpsertProviderUser(_ context.Context, id ProviderIdentity) (User, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return User{}, errors.New("backend: provider subject required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	u, ok := m.users[id.Subject]
	if !ok {
		u = User{ID: uuid.NewString(), ProviderSubject: id.Subject, CreatedAt: now}
		if h := strings.TrimSpace(id.PreferredUsername); h != "" {
			u.Handle = &h
		}
	}
	if id.Email != "" {
		u.Email = id.Email
	}
	if id.Name != "" {
		u.Name = id.Name
	}
	u.UpdatedAt = now
	m.users[id.Subject] = u
	return u, nil
}

func (m *MemoryStore) RecordExchange(_ context.Context, a ExchangeAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	m.audit = append(m.audit, a)
	return nil
}

func (m *MemoryStore) PurgeExchangeAudit(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	var n int64
	for _, a := range m.audit {
		if a.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.audit = kept
	return n, nil
}

// Audit returns the recorded exchanges, oldest first.
func (m *MemoryStore) Audit() []ExchangeAudit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ExchangeAudit(nil), m.audit...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// PostgresStore keeps users and audit rows in the kcbridge schema.
type PostgresStore struct {
	pg *pgxpool.Pool
}

func NewPostgresStore(pg *pgxpool.Pool) *PostgresStore { return &PostgresStore{pg: pg} }

func (s *PostgresStore) UpsertProviderUser(ctx context.Context, id ProviderIdentity) (User, error) {
	if strings.TrimSpace(id.Subject) == "" {
		return User{}, errors.New("backend: provider subject required")
	}
	var u User
	err := s.pg.QueryRow(ctx, `
		INSERT INTO kcbridge.users (provider_subject, email, name, handle)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''))
		ON CONFLICT (provider_subject) DO UPDATE
		SET email = COALESCE(EXCLUDED.email, kcbridge.users.email),
		    name = COALESCE(EXCLUDED.name, kcbridge.users.name),
		    updated_at = now()
		RETURNING id::text, provider_subject, COALESCE(email, ''), COALESCE(name, ''), handle, avatar_url, created_at, updated_at`,
		id.Subject, id.Email, id.Name, strings.TrimSpace(id.PreferredUsername),
	).Scan(&u.ID, &u.ProviderSubject, &u.Email, &u.Name, &u.Handle, &u.AvatarURL, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *PostgresStore) RecordExchange(ctx context.Context, a ExchangeAudit) error {
	_, err := s.pg.Exec(ctx, `
		INSERT INTO kcbridge.exchange_audit (provider_subject, user_id, result, had_refresh_token)
		VALUES (NULLIF($1, ''), NULLIF($2, '')::uuid, $3, $4)`,
		a.ProviderSubject, a.UserID, a.Result, a.HadRefreshToken,
	)
	return err
}

func (s *PostgresStore) PurgeExchangeAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pg.Exec(ctx, `DELETE FROM kcbridge.exchange_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
