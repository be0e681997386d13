package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrExchangeMalformed = errors.New("kcbridge: malformed exchange response")
	ErrExchangeEmpty     = errors.New("kcbridge: exchange response missing token or user")
)

// ExchangeStatusError is a non-2xx answer from the backend.
type ExchangeStatusError struct {
	Status int
	Body   string
}

func (e *ExchangeStatusError) Error() string {
	return fmt.Sprintf("kcbridge: exchange returned %d: %s", e.Status, e.Body)
}

// ExchangeRequest is the body of POST /auth/keycloak/exchange.
type ExchangeRequest struct {
	KeycloakToken        string  `json:"keycloak_token"`
	KeycloakRefreshToken *string `json:"keycloak_refresh_token"`
}

// ExchangeResult is the application session minted by the backend.
type ExchangeResult struct {
	AppToken string      `json:"token"`
	AppUser  UserProfile `json:"user"`
}

// UserID accepts either a JSON string or a JSON number and keeps its textual form.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// MarshalJSON writes integral ids back as numbers so a round-trip keeps the backend's shape.
func (id UserID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UserProfile is the application user returned by the backend.
type UserProfile struct {
	ID        UserID  `json:"id"`
	Email     string  `json:"email,omitempty"`
	Name      string  `json:"name,omitempty"`
	Handle    *string `json:"handle,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Bio       *string `json:"bio,omitempty"`
	Company   *string `json:"company,omitempty"`
	Location  *string `json:"location,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// Bridge exchanges the provider access token for an application session.
// It keeps no cache and never retries; each call is at most one request.
type Bridge struct {
	cfg     Config
	handles HandleSource
	client  *http.Client
	log     logrus.FieldLogger
}

func NewBridge(cfg Config, handles HandleSource) *Bridge {
	return &Bridge{
		cfg:     cfg,
		handles: handles,
		client:  http.DefaultClient,
		log:     componentLogger(nil, "kcbridge.exchange"),
	}
}

func (b *Bridge) WithHTTPClient(c *http.Client) *Bridge {
	if c != nil {
		b.client = c
	}
	return b
}

func (b *Bridge) WithLogger(l logrus.FieldLogger) *Bridge {
	b.log = componentLogger(l, "kcbridge.exchange")
	return b
}

// Exchange returns nil when the handle holds no access token (no request is made)
// and nil after any transport or backend failure, which is logged.
func (b *Bridge) Exchange(ctx context.Context) *ExchangeResult {
	h := b.handles.GetHandle(b.cfg.Provider)
	token := h.AccessToken()
	if !h.Authenticated() || token == "" {
		exchangeTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	res, err := b.post(ctx, token, h.RefreshToken())
	if err != nil {
		exchangeTotal.WithLabelValues("failed").Inc()
		b.log.WithError(err).Error("token exchange failed")
		return nil
	}
	exchangeTotal.WithLabelValues("ok").Inc()
	return res
}

func (b *Bridge) post(ctx context.Context, accessToken, refreshToken string) (*ExchangeResult, error) {
	body := ExchangeRequest{KeycloakToken: accessToken}
	if refreshToken != "" {
		body.KeycloakRefreshToken = &refreshToken
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.exchangeTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ExchangeURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeStatusError{Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 256)}
	}

	var out struct {
		Token string       `json:"token"`
		User  *UserProfile `json:"user"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeMalformed, err)
	}
	if out.Token == "" || out.User == nil {
		return nil, ErrExchangeEmpty
	}
	return &ExchangeResult{AppToken: out.Token, AppUser: *out.User}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
