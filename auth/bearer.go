package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/socketio-server-go/internal/jwtauth"
)

// AccessTokenAuthOption configures optional aspects of the JWT access token
// authenticator (scopes, algorithms, leeway).
type AccessTokenAuthOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts tokens minted for other audiences as well,
// typically a local development origin.
func WithAdditionalAudiences(aud ...string) AccessTokenAuthOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithAnyTokenType accepts tokens without the RFC 9068 "at+jwt" typ header.
func WithAnyTokenType() AccessTokenAuthOption {
	return func(c *jwtauth.Config) { c.RequireAccessTokenType = false }
}

// NewFromDiscovery returns an Authenticator that verifies JWT access tokens
// using OpenID Connect discovery on issuer to locate its JWKS.
func NewFromDiscovery(ctx context.Context, issuer string, audience string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := accessTokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	inner, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{a: inner}, nil
}

// NewStatic returns an Authenticator that verifies JWT access tokens against
// the key set published at jwksURI.
func NewStatic(ctx context.Context, issuer, audience, jwksURI string, opts ...AccessTokenAuthOption) (Authenticator, error) {
	cfg, err := accessTokenConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	inner, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{a: inner}, nil
}

func accessTokenConfig(issuer, audience string, opts []AccessTokenAuthOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

// adapter wraps the internal authenticator to satisfy the public interface.
type adapter struct {
	a jwtauth.Authenticator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.a.CheckAuthentication(ctx, tok)
	if err != nil {
		// Map internal sentinel errors to public errors used by the authorizer.
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

// Client data keys set by the bearer authorizer.
const (
	ClientDataUserID = "user_id"
	ClientDataClaims = "claims"
)

// BearerOption configures NewBearerAuthorizer.
type BearerOption func(*bearerAuthorizer)

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) BearerOption {
	return func(b *bearerAuthorizer) { b.realm = realm }
}

// WithQueryParam changes the query parameter consulted when no Authorization
// header is present. An empty name disables the query fallback.
func WithQueryParam(name string) BearerOption {
	return func(b *bearerAuthorizer) { b.queryParam = name }
}

type bearerAuthorizer struct {
	authn      Authenticator
	realm      string
	queryParam string
}

// NewBearerAuthorizer returns an Authorizer that admits handshakes carrying a
// token accepted by authn. The authenticated user id and claims are attached
// as client data under ClientDataUserID and ClientDataClaims.
func NewBearerAuthorizer(authn Authenticator, opts ...BearerOption) Authorizer {
	b := &bearerAuthorizer{authn: authn, realm: "socketio", queryParam: "token"}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *bearerAuthorizer) Authorize(ctx context.Context, data *HandshakeData) (Result, error) {
	tok, ok := b.token(data)
	if !ok {
		return b.challenge(http.StatusUnauthorized, `Bearer realm="%s"`, b.realm), nil
	}
	if tok == "" {
		return b.challenge(http.StatusBadRequest,
			`Bearer realm="%s", error="invalid_request", error_description="Invalid Authorization header"`, b.realm), nil
	}

	ui, err := b.authn.CheckAuthentication(ctx, tok)
	switch {
	case errors.Is(err, ErrInsufficientScope):
		return b.challenge(http.StatusForbidden,
			`Bearer realm="%s", error="insufficient_scope"`, b.realm), nil
	case errors.Is(err, ErrUnauthorized):
		return b.challenge(http.StatusUnauthorized,
			`Bearer realm="%s", error="invalid_token"`, b.realm), nil
	case err != nil:
		return nil, fmt.Errorf("check authentication: %w", err)
	}

	var claims map[string]any
	if err := ui.Claims(&claims); err != nil {
		return nil, fmt.Errorf("decode claims: %w", err)
	}
	return Allow().With(ClientDataUserID, ui.UserID()).With(ClientDataClaims, claims), nil
}

// token returns the presented credential. ok is false when none was presented
// at all; a present but malformed header yields ok with an empty token.
func (b *bearerAuthorizer) token(data *HandshakeData) (string, bool) {
	if h := data.SingleHeader("Authorization"); h != "" {
		scheme, tok, found := strings.Cut(h, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", true
		}
		return strings.TrimSpace(tok), true
	}
	if b.queryParam != "" {
		if tok := data.SingleParam(b.queryParam); tok != "" {
			return tok, true
		}
	}
	return "", false
}

func (b *bearerAuthorizer) challenge(status int, format string, args ...any) *Unauthorized {
	u, err := NewUnauthorized(status)
	if err != nil {
		u = Deny()
	}
	u.AddHeader("WWW-Authenticate", fmt.Sprintf(format, args...))
	return u
}
