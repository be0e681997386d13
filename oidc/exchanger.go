package oidckit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/zitadel/oidc/v2/pkg/client/rp"
	"github.com/zitadel/oidc/v2/pkg/oidc"
	"golang.org/x/oauth2"
)

// ErrNoIDToken is returned when the token endpoint omits the id_token.
var ErrNoIDToken = errors.New("oidckit: no id_token in token response")

// Claims is the minimal identity read from a verified ID token.
type Claims struct {
	Subject           string  `json:"sub"`
	Email             *string `json:"email,omitempty"`
	EmailVerified     *bool   `json:"email_verified,omitempty"`
	Name              *string `json:"name,omitempty"`
	PreferredUsername *string `json:"preferred_username,omitempty"`
	RawIDToken        string  `json:"-"`
}

// exchangeCode redeems an authorization code with its PKCE verifier and checks the ID token nonce.
func exchangeCode(ctx context.Context, rpClient rp.RelyingParty, code, verifier, nonce, redirectURI string) (*oauth2.Token, Claims, error) {
	conf := *rpClient.OAuthConfig()
	conf.RedirectURL = redirectURI

	tok, err := conf.Exchange(ctx, code, oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, Claims{}, fmt.Errorf("token exchange failed: %w", err)
	}
	claims, err := verifyIDToken(ctx, rpClient, tok, nonce)
	if err != nil {
		return nil, Claims{}, err
	}
	return tok, claims, nil
}

// refreshSession runs a refresh_token grant against the token endpoint.
func refreshSession(ctx context.Context, rpClient rp.RelyingParty, refreshToken string) (*oauth2.Token, error) {
	conf := *rpClient.OAuthConfig()
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// verifyIDToken checks the id_token carried by tok. The relying party's own verifier
// doesn't know the per-request nonce, so a scoped verifier is built from its parts.
func verifyIDToken(ctx context.Context, rpClient rp.RelyingParty, tok *oauth2.Token, nonce string) (Claims, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Claims{}, ErrNoIDToken
	}

	v := rp.NewIDTokenVerifier(
		rpClient.IDTokenVerifier().Issuer(),
		rpClient.IDTokenVerifier().ClientID(),
		rpClient.IDTokenVerifier().KeySet(),
		rp.WithNonce(func(context.Context) string { return nonce }),
	)
	idt, err := rp.VerifyIDToken[*oidc.IDTokenClaims](ctx, rawIDToken, v)
	if err != nil {
		return Claims{}, fmt.Errorf("id_token verification failed: %w", err)
	}
	if idt == nil {
		return Claims{}, fmt.Errorf("missing id_token claims")
	}

	var ev *bool
	if idt.UserInfoEmail.Email != "" {
		ev = boolptr(bool(idt.UserInfoEmail.EmailVerified))
	}
	return Claims{
		Subject:           idt.GetSubject(),
		Email:             strptr(idt.UserInfoEmail.Email),
		EmailVerified:     ev,
		Name:              strptr(idt.UserInfoProfile.Name),
		PreferredUsername: strptr(idt.PreferredUsername),
		RawIDToken:        rawIDToken,
	}, nil
}

// isInvalidGrant reports whether the provider rejected a grant as expired or revoked.
func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode != "" {
		return re.ErrorCode == "invalid_grant"
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized)
}

func strptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
func boolptr(b bool) *bool { return &b }
