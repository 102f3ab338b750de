package oidcx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/impersonate"
)

// TokenFactory builds the token source used to mint bearer tokens for an audience.
type TokenFactory func(ctx context.Context, audience string) (oauth2.TokenSource, error)

// Provider hands out bearer tokens for calls to a verify endpoint. It keeps
// one reusable token source per audience.
type Provider struct {
	mu      sync.RWMutex
	factory TokenFactory
	sources map[string]oauth2.TokenSource
}

// NewProvider constructs a Provider. A nil factory mints Google ID tokens
// from application default credentials.
func NewProvider(factory TokenFactory) *Provider {
	if factory == nil {
		factory = GoogleTokenFactory("")
	}
	return &Provider{
		factory: factory,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// Token returns a bearer token for the given audience.
func (p *Provider) Token(ctx context.Context, audience string) (string, error) {
	ts, err := p.source(ctx, audience)
	if err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access token returned")
	}
	return tok.AccessToken, nil
}

// TokenSource exposes the cached token source for audience, e.g. for use
// with oauth2.Transport.
func (p *Provider) TokenSource(ctx context.Context, audience string) (oauth2.TokenSource, error) {
	return p.source(ctx, audience)
}

func (p *Provider) source(ctx context.Context, audience string) (oauth2.TokenSource, error) {
	p.mu.RLock()
	ts, ok := p.sources[audience]
	p.mu.RUnlock()
	if ok {
		return ts, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if ts, ok = p.sources[audience]; ok {
		return ts, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	// The source outlives this call, so it must not inherit its cancellation.
	created, err := p.factory(context.WithoutCancel(ctx), audience)
	if err != nil {
		return nil, err
	}
	ts = oauth2.ReuseTokenSource(nil, created)
	p.sources[audience] = ts
	return ts, nil
}

// StaticTokenFactory always returns token.
func StaticTokenFactory(token string) TokenFactory {
	token = strings.TrimSpace(token)
	return func(context.Context, string) (oauth2.TokenSource, error) {
		if token == "" {
			return nil, errors.New("static token is empty")
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}), nil
	}
}

// EnvTokenFactory reads the token from the environment variable name on every
// refresh, so a platform that rotates the variable is picked up.
func EnvTokenFactory(name string) TokenFactory {
	return func(context.Context, string) (oauth2.TokenSource, error) {
		return envTokenSource(name), nil
	}
}

type envTokenSource string

func (s envTokenSource) Token() (*oauth2.Token, error) {
	value := strings.TrimSpace(os.Getenv(string(s)))
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is empty", string(s))
	}
	// A short expiry makes ReuseTokenSource reread the variable regularly.
	return &oauth2.Token{AccessToken: value, TokenType: "Bearer", Expiry: time.Now().Add(time.Minute)}, nil
}

// GoogleTokenFactory mints Google ID tokens, impersonating serviceAccount when set.
func GoogleTokenFactory(serviceAccount string, delegates ...string) TokenFactory {
	return func(ctx context.Context, audience string) (oauth2.TokenSource, error) {
		if strings.TrimSpace(audience) == "" {
			return nil, errors.New("audience is required")
		}
		if serviceAccount != "" {
			return impersonate.IDTokenSource(ctx, impersonate.IDTokenConfig{
				Audience:        audience,
				TargetPrincipal: serviceAccount,
				IncludeEmail:    true,
				Delegates:       append([]string(nil), delegates...),
			})
		}
		return idtoken.NewTokenSource(ctx, audience)
	}
}
