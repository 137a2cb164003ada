package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

var (
	ErrInvalidOAuthConfig = errors.New("auth: invalid google oauth config")
	ErrMissingIDToken     = errors.New("auth: token response carried no id_token")
	errMissingAuthCode    = errors.New("authorization code must not be empty")
)

var googleScopes = []string{"openid", "email", "profile"}

// IDTokenVerifier validates an OpenID Connect id_token.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (GoogleClaims, error)
}

// GoogleOAuthConfig configures the authorization-code handshake with Google.
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Verifier     IDTokenVerifier
	// Endpoint overrides google.Endpoint, e.g. for tests.
	Endpoint   *oauth2.Endpoint
	HTTPClient *http.Client
}

// GoogleOAuth drives the redirect and code exchange of the Google sign-in flow.
type GoogleOAuth struct {
	config     *oauth2.Config
	verifier   IDTokenVerifier
	httpClient *http.Client
}

// NewGoogleOAuth validates configuration and constructs the client.
func NewGoogleOAuth(cfg GoogleOAuthConfig) (*GoogleOAuth, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: client id required", ErrInvalidOAuthConfig)
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("%w: client secret required", ErrInvalidOAuthConfig)
	}
	redirectURL := strings.TrimSpace(cfg.RedirectURL)
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: redirect url required", ErrInvalidOAuthConfig)
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("%w: id token verifier required", ErrInvalidOAuthConfig)
	}
	endpoint := google.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	return &GoogleOAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       googleScopes,
		},
		verifier:   cfg.Verifier,
		httpClient: cfg.HTTPClient,
	}, nil
}

// AuthCodeURL returns the consent-screen URL bound to state.
func (g *GoogleOAuth) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for tokens and returns the verified id_token claims.
func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (GoogleClaims, error) {
	if strings.TrimSpace(code) == "" {
		return GoogleClaims{}, errMissingAuthCode
	}
	if g.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	}
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return GoogleClaims{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken == "" {
		return GoogleClaims{}, ErrMissingIDToken
	}
	return g.verifier.Verify(ctx, rawIDToken)
}
