package testing_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	kctesting "github.com/PaulFidika/kcbridge/testing"
)

const redirect = "http://app.local/auth?mode=keycloak-callback"

func authURL(realm *kctesting.Realm, extra url.Values) string {
	q := url.Values{
		"client_id":     {realm.ClientID()},
		"redirect_uri":  {redirect},
		"response_type": {"code"},
		"state":         {"st"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return realm.Issuer() + "/protocol/openid-connect/auth?" + q.Encode()
}

func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func token(t *testing.T, realm *kctesting.Realm, form url.Values) (int, map[string]any) {
	t.Helper()
	form.Set("client_id", realm.ClientID())
	resp, err := realm.HTTPClient().PostForm(realm.Issuer()+"/protocol/openid-connect/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestRealm_PromptNoneWithoutSession(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()

	loc, err := realm.Authorize(context.Background(), authURL(realm, url.Values{"prompt": {"none"}}))
	require.NoError(t, err)
	require.Equal(t, "login_required", loc.Query().Get("error"))
	require.Equal(t, "st", loc.Query().Get("state"))
}

func TestRealm_CodeFlowWithPKCE(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()
	realm.ExpectLogin(kctesting.User{Subject: "u-1", Email: "one@example.com"})

	loc, err := realm.Authorize(context.Background(), authURL(realm, url.Values{
		"code_challenge":        {challenge("verifier-123")},
		"code_challenge_method": {"S256"},
		"nonce":                 {"n-1"},
	}))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	status, body := token(t, realm, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirect},
		"code_verifier": {"verifier-123"},
	})
	require.Equal(t, http.StatusOK, status)

	set, err := jwk.Fetch(context.Background(), realm.Issuer()+"/protocol/openid-connect/certs", jwk.WithHTTPClient(realm.HTTPClient()))
	require.NoError(t, err)
	id, err := jwt.Parse([]byte(body["id_token"].(string)), jwt.WithKeySet(set), jwt.WithAudience(realm.ClientID()))
	require.NoError(t, err)
	require.Equal(t, "u-1", id.Subject())
	nonce, _ := id.Get("nonce")
	require.Equal(t, "n-1", nonce)

	// codes are single use
	status, body = token(t, realm, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirect},
		"code_verifier": {"verifier-123"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestRealm_RejectsWrongVerifier(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()
	realm.ExpectLogin(kctesting.User{Subject: "u-1"})

	loc, err := realm.Authorize(context.Background(), authURL(realm, url.Values{"code_challenge": {challenge("right")}}))
	require.NoError(t, err)
	status, body := token(t, realm, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {redirect},
		"code_verifier": {"wrong"},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestRealm_RefreshRotatesAndSignOutRevokes(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()
	realm.ExpectLogin(kctesting.User{Subject: "u-1"})

	loc, err := realm.Authorize(context.Background(), authURL(realm, url.Values{"code_challenge": {challenge("v")}}))
	require.NoError(t, err)
	_, body := token(t, realm, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {redirect},
		"code_verifier": {"v"},
	})
	rt := body["refresh_token"].(string)

	status, body := token(t, realm, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}})
	require.Equal(t, http.StatusOK, status)
	rotated := body["refresh_token"].(string)
	require.NotEqual(t, rt, rotated)

	status, _ = token(t, realm, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}})
	require.Equal(t, http.StatusBadRequest, status)

	realm.SignOut()
	status, body = token(t, realm, url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rotated}})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestRealm_InteractivePageWithoutPendingUser(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()

	_, err := realm.Authorize(context.Background(), authURL(realm, nil))
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "200"))
}

func TestRealm_AccessTokenClaims(t *testing.T) {
	realm := kctesting.NewRealm()
	defer realm.Close()

	raw := realm.AccessToken(kctesting.User{Subject: "u-2", Email: "two@example.com"}, time.Minute)
	tok, err := jwt.ParseString(raw, jwt.WithVerify(false))
	require.NoError(t, err)
	require.Equal(t, realm.Issuer(), tok.Issuer())
	azp, _ := tok.Get("azp")
	require.Equal(t, realm.ClientID(), azp)
	require.Equal(t, []string{"account"}, tok.Audience())
}
