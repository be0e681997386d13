package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

var ErrInvalidProviderToken = errors.New("backend: invalid provider token")

// ProviderIdentity is what the backend learns about a user from a verified provider access token.
type ProviderIdentity struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
	AuthorizedParty   string
}

// TokenVerifier validates a provider access token.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, raw string) (ProviderIdentity, error)
}

// OIDCVerifier checks provider access tokens against the realm's discovery document and JWKS.
// Discovery runs on first use and is retried after a failure.
type OIDCVerifier struct {
	issuer   string
	clientID string
	client   *http.Client

	mu       sync.Mutex
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier builds a verifier for cfg's realm. Tokens whose azp names a different
// client are rejected; a nil client uses http.DefaultClient.
func NewOIDCVerifier(cfg oidckit.Config, client *http.Client) *OIDCVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &OIDCVerifier{issuer: cfg.Issuer(), clientID: strings.TrimSpace(cfg.ClientID), client: client}
}

func (v *OIDCVerifier) load(ctx context.Context) (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier != nil {
		return v.verifier, nil
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, v.client), v.issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	// Keycloak access tokens carry aud=account; the client is checked through azp instead.
	v.verifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return v.verifier, nil
}

func (v *OIDCVerifier) VerifyAccessToken(ctx context.Context, raw string) (ProviderIdentity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ProviderIdentity{}, ErrInvalidProviderToken
	}
	iv, err := v.load(ctx)
	if err != nil {
		return ProviderIdentity{}, err
	}
	tok, err := iv.Verify(oidc.ClientContext(ctx, v.client), raw)
	if err != nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}

	var claims struct {
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
		Azp               string `json:"azp"`
	}
	if err := tok.Claims(&claims); err != nil {
		return ProviderIdentity{}, fmt.Errorf("%w: %v", ErrInvalidProviderToken, err)
	}
	if v.clientID != "" && claims.Azp != "" && claims.Azp != v.clientID {
		return ProviderIdentity{}, fmt.Errorf("%w: issued to %q", ErrInvalidProviderToken, claims.Azp)
	}
	return ProviderIdentity{
		Subject:           tok.Subject,
		Email:             claims.Email,
		EmailVerified:     claims.EmailVerified,
		Name:              claims.Name,
		PreferredUsername: claims.PreferredUsername,
		AuthorizedParty:   claims.Azp,
	}, nil
}
