package testing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	oidckit "github.com/PaulFidika/kcbridge/oidc"
)

// User is an account known to the fake realm.
type User struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

type codeGrant struct {
	user        User
	nonce       string
	challenge   string
	redirectURI string
	expires     time.Time
}

type refreshGrant struct {
	user  User
	nonce string
}

// Realm is an in-process Keycloak realm: discovery, JWKS, hosted auth and registration
// pages, and the token endpoint (authorization_code with PKCE, refresh_token with rotation).
//
// The realm keeps one SSO session, the analogue of the provider cookie. prompt=none requests
// succeed only while it is set; interactive requests sign in the pending user.
type Realm struct {
	srv      *httptest.Server
	name     string
	clientID string

	key    jwk.Key
	public jwk.Set

	mu            sync.Mutex
	users         map[string]User
	session       *User
	pending       *User
	codes         map[string]codeGrant
	refresh       map[string]refreshGrant
	failDiscovery bool
	failToken     bool
	hits          map[string]int
}

// NewRealm starts a realm named "devhub" serving client "devhub-frontend".
func NewRealm() *Realm {
	return NewRealmFor(oidckit.DefaultRealm, oidckit.DefaultClientID)
}

func NewRealmFor(name, clientID string) *Realm {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	key, err := jwk.FromRaw(priv)
	if err != nil {
		panic(err)
	}
	_ = key.Set(jwk.KeyIDKey, "kc-test-"+name)
	_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
	_ = key.Set(jwk.KeyUsageKey, "sig")
	pub, err := key.PublicKey()
	if err != nil {
		panic(err)
	}
	set := jwk.NewSet()
	_ = set.AddKey(pub)

	r := &Realm{
		name:     name,
		clientID: clientID,
		key:      key,
		public:   set,
		users:    make(map[string]User),
		codes:    make(map[string]codeGrant),
		refresh:  make(map[string]refreshGrant),
		hits:     make(map[string]int),
	}

	base := "/realms/" + name
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/.well-known/openid-configuration", r.handleDiscovery)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/certs", r.handleCerts)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/auth", r.handleAuth(false))
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/registrations", r.handleAuth(true))
	mux.HandleFunc("POST "+base+"/protocol/openid-connect/token", r.handleToken)
	r.srv = httptest.NewServer(r.count(mux))
	return r
}

func (r *Realm) Close() { r.srv.Close() }

// URL is the provider base URL (the value of KEYCLOAK_URL).
func (r *Realm) URL() string { return r.srv.URL }

func (r *Realm) Issuer() string { return r.srv.URL + "/realms/" + r.name }

func (r *Realm) ClientID() string { return r.clientID }

// Config returns provider settings pointing at this realm.
func (r *Realm) Config() oidckit.Config {
	return oidckit.Config{URL: r.srv.URL, Realm: r.name, ClientID: r.clientID, Scopes: []string{"openid", "profile", "email"}}
}

// HTTPClient is a client trusted by the realm's test server.
func (r *Realm) HTTPClient() *http.Client { return r.srv.Client() }

func (r *Realm) AddUser(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Subject] = u
}

// SignIn gives the realm an active SSO session for u.
func (r *Realm) SignIn(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Subject] = u
	r.session = &u
}

// SignOut ends the SSO session and revokes every refresh token.
func (r *Realm) SignOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
	r.refresh = make(map[string]refreshGrant)
}

// ExpectLogin makes the next interactive auth or registration sign in u.
func (r *Realm) ExpectLogin(u User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &u
}

func (r *Realm) FailDiscovery(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDiscovery = fail
}

func (r *Realm) FailTokenEndpoint(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failToken = fail
}

// Hits counts requests whose path ends with suffix.
func (r *Realm) Hits(suffix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for p, c := range r.hits {
		if strings.HasSuffix(p, suffix) {
			n += c
		}
	}
	return n
}

// TotalHits counts every request the realm served.
func (r *Realm) TotalHits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.hits {
		n += c
	}
	return n
}

// Authorize plays the browser: it requests authURL and returns the redirect the realm answers with.
func (r *Realm) Authorize(ctx context.Context, authURL string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, err
	}
	c := *r.srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("realm answered %d, want redirect", resp.StatusCode)
	}
	return url.Parse(resp.Header.Get("Location"))
}

// AccessToken signs an access token for u the way the token endpoint would.
func (r *Realm) AccessToken(u User, ttl time.Duration) string {
	return r.sign(r.accessClaims(u, ttl))
}

// AccessTokenFor signs an access token issued to another client.
func (r *Realm) AccessTokenFor(u User, azp string, ttl time.Duration) string {
	tok := r.accessClaims(u, ttl)
	_ = tok.Set("azp", azp)
	return r.sign(tok)
}

func (r *Realm) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.hits[req.URL.Path]++
		r.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

func (r *Realm) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	fail := r.failDiscovery
	r.mu.Unlock()
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	iss := r.Issuer()
	proto := iss + "/protocol/openid-connect"
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                iss,
		"authorization_endpoint":                proto + "/auth",
		"token_endpoint":                        proto + "/token",
		"jwks_uri":                              proto + "/certs",
		"userinfo_endpoint":                     proto + "/userinfo",
		"end_session_endpoint":                  proto + "/logout",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
	})
}

func (r *Realm) handleCerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.public)
}

func (r *Realm) handleAuth(registration bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		redirectURI := q.Get("redirect_uri")
		if q.Get("client_id") != r.clientID || redirectURI == "" {
			http.Error(w, "invalid client or redirect_uri", http.StatusBadRequest)
			return
		}
		if q.Get("response_type") != "code" {
			redirectWith(w, req, redirectURI, url.Values{"error": {"unsupported_response_type"}, "state": {q.Get("state")}})
			return
		}

		r.mu.Lock()
		var user *User
		switch {
		case r.session != nil && !registration:
			user = r.session
		case q.Get("prompt") == "none":
		case r.pending != nil:
			user = r.pending
			r.pending = nil
			r.users[user.Subject] = *user
			r.session = user
		}
		if user == nil {
			r.mu.Unlock()
			if q.Get("prompt") == "none" {
				redirectWith(w, req, redirectURI, url.Values{"error": {"login_required"}, "state": {q.Get("state")}})
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>sign in to " + r.name + "</body></html>"))
			return
		}
		code := randID()
		r.codes[code] = codeGrant{
			user:        *user,
			nonce:       q.Get("nonce"),
			challenge:   q.Get("code_challenge"),
			redirectURI: redirectURI,
			expires:     time.Now().Add(time.Minute),
		}
		r.mu.Unlock()
		redirectWith(w, req, redirectURI, url.Values{"code": {code}, "state": {q.Get("state")}, "session_state": {randID()}})
	}
}

func (r *Realm) handleToken(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		oauthErr(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	r.mu.Lock()
	fail := r.failToken
	r.mu.Unlock()
	if fail {
		oauthErr(w, http.StatusServiceUnavailable, "temporarily_unavailable", "token endpoint down")
		return
	}
	clientID := req.PostForm.Get("client_id")
	if id, _, ok := req.BasicAuth(); ok {
		clientID = id
	}
	if clientID != r.clientID {
		oauthErr(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		r.mu.Lock()
		g, ok := r.codes[req.PostForm.Get("code")]
		delete(r.codes, req.PostForm.Get("code"))
		r.mu.Unlock()
		if !ok || time.Now().After(g.expires) {
			oauthErr(w, http.StatusBadRequest, "invalid_grant", "Code not valid")
			return
		}
		if g.redirectURI != req.PostForm.Get("redirect_uri") {
			oauthErr(w, http.StatusBadRequest, "invalid_grant", "Incorrect redirect_uri")
			return
		}
		sum := sha256.Sum256([]byte(req.PostForm.Get("code_verifier")))
		if g.challenge == "" || base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			oauthErr(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
			return
		}
		r.issue(w, g.user, g.nonce)
	case "refresh_token":
		rt := req.PostForm.Get("refresh_token")
		r.mu.Lock()
		g, ok := r.refresh[rt]
		delete(r.refresh, rt)
		r.mu.Unlock()
		if !ok {
			oauthErr(w, http.StatusBadRequest, "invalid_grant", "Token is not active")
			return
		}
		r.issue(w, g.user, g.nonce)
	default:
		oauthErr(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (r *Realm) issue(w http.ResponseWriter, u User, nonce string) {
	rt := randID()
	r.mu.Lock()
	r.refresh[rt] = refreshGrant{user: u, nonce: nonce}
	r.mu.Unlock()

	id := r.baseClaims(u, 5*time.Minute)
	_ = id.Set(jwt.AudienceKey, []string{r.clientID})
	_ = id.Set("typ", "ID")
	_ = id.Set("email_verified", u.Email != "")
	if nonce != "" {
		_ = id.Set("nonce", nonce)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":       r.AccessToken(u, 5*time.Minute),
		"token_type":         "Bearer",
		"expires_in":         300,
		"refresh_token":      rt,
		"refresh_expires_in": 1800,
		"id_token":           r.sign(id),
		"scope":              "openid profile email",
	})
}

func (r *Realm) baseClaims(u User, ttl time.Duration) jwt.Token {
	now := time.Now()
	tok := jwt.New()
	_ = tok.Set(jwt.IssuerKey, r.Issuer())
	_ = tok.Set(jwt.SubjectKey, u.Subject)
	_ = tok.Set(jwt.IssuedAtKey, now)
	_ = tok.Set(jwt.ExpirationKey, now.Add(ttl))
	_ = tok.Set(jwt.JwtIDKey, randID())
	_ = tok.Set("azp", r.clientID)
	if u.Email != "" {
		_ = tok.Set("email", u.Email)
	}
	if u.Name != "" {
		_ = tok.Set("name", u.Name)
	}
	if u.Username != "" {
		_ = tok.Set("preferred_username", u.Username)
	}
	return tok
}

func (r *Realm) accessClaims(u User, ttl time.Duration) jwt.Token {
	tok := r.baseClaims(u, ttl)
	_ = tok.Set(jwt.AudienceKey, []string{"account"})
	_ = tok.Set("typ", "Bearer")
	_ = tok.Set("scope", "openid profile email")
	return tok
}

func (r *Realm) sign(tok jwt.Token) string {
	b, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, r.key))
	if err != nil {
		panic(err)
	}
	return string(b)
}

func redirectWith(w http.ResponseWriter, req *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			if v != "" {
				q.Set(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

func oauthErr(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randID() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
