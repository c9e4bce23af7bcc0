// Package auth defines the authorization contract used by client transports
// and the principal that HTTP routers attach to inbound requests.
package auth

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Result is the outcome of an authorization attempt.
type Result string

const (
	// Authorized means fresh tokens are available; the caller may retry.
	Authorized Result = "AUTHORIZED"

	// Redirect means the user must complete authorization out of band.
	// The caller must not retry until it has.
	Redirect Result = "REDIRECT"
)

// Tokens is an OAuth access token set.
type Tokens struct {
	AccessToken  string    `toml:"access_token" json:"access_token"`
	TokenType    string    `toml:"token_type,omitempty" json:"token_type,omitempty"`
	RefreshToken string    `toml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	ClientID     string    `toml:"client_id,omitempty" json:"client_id,omitempty"`
	Scopes       []string  `toml:"scopes,omitempty" json:"scopes,omitempty"`
	ExpiresAt    time.Time `toml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Expired reports whether the access token is past its expiry.
// Tokens without an expiry never expire.
func (t *Tokens) Expired() bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}

// Provider supplies credentials to client transports.
type Provider interface {
	// Tokens returns the current tokens, or nil if none are held.
	Tokens(ctx context.Context) (*Tokens, error)

	// Authorize obtains new tokens for serverURL. resourceMetadataURL is the
	// protected resource metadata location advertised by the server in its
	// WWW-Authenticate header; it may be nil.
	Authorize(ctx context.Context, serverURL, resourceMetadataURL *url.URL) (Result, error)
}

// StaticProvider serves a fixed bearer token. It can never re-authorize.
type StaticProvider struct {
	Token string
}

// Tokens returns the fixed token.
func (p StaticProvider) Tokens(ctx context.Context) (*Tokens, error) {
	if p.Token == "" {
		return nil, nil
	}
	return &Tokens{AccessToken: p.Token, TokenType: "Bearer"}, nil
}

// Authorize always reports that interactive authorization is needed.
func (p StaticProvider) Authorize(ctx context.Context, serverURL, resourceMetadataURL *url.URL) (Result, error) {
	return Redirect, nil
}

var resourceMetadataRe = regexp.MustCompile(`resource_metadata="([^"]*)"`)

// ResourceMetadataURL extracts the resource_metadata parameter from a
// Bearer WWW-Authenticate challenge. It returns nil when the header is not
// a Bearer challenge or the parameter is absent or unparsable.
func ResourceMetadataURL(header string) *url.URL {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || params == "" {
		return nil
	}
	m := resourceMetadataRe.FindStringSubmatch(params)
	if m == nil {
		return nil
	}
	u, err := url.Parse(m[1])
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}

// Info is the authenticated principal a router attached to a request.
type Info struct {
	Token     string
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Extra     map[string]interface{}
}

type infoKey struct{}

// WithInfo returns a copy of ctx carrying info.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey{}, info)
}

// InfoFromContext returns the principal attached by WithInfo, or nil.
func InfoFromContext(ctx context.Context) *Info {
	info, _ := ctx.Value(infoKey{}).(*Info)
	return info
}

// BearerToken returns the token of an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
