package backend

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	DefaultAppIssuer   = "kcbridge"
	DefaultAppTokenTTL = time.Hour
)

// AppClaims are the claims of an application token.
type AppClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	// Provider subject the application user was resolved from.
	ProviderSubject string `json:"psub,omitempty"`
}

// Minter issues and parses HS256 application tokens. The signing key is derived from a
// shared secret so the raw secret never signs anything directly.
type Minter struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewMinter(secret []byte, issuer string, ttl time.Duration) (*Minter, error) {
	if len(secret) < 16 {
		return nil, errors.New("backend: app token secret must be at least 16 bytes")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("kcbridge app token v1")), key); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	if issuer == "" {
		issuer = DefaultAppIssuer
	}
	if ttl <= 0 {
		ttl = DefaultAppTokenTTL
	}
	return &Minter{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (m *Minter) Mint(u User) (string, error) {
	now := m.now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Email:           u.Email,
		Name:            u.Name,
		ProviderSubject: u.ProviderSubject,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
}

func (m *Minter) Parse(raw string) (*AppClaims, error) {
	claims := &AppClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
