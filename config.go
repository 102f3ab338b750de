package oidcx

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultClockSkew    = 5 * time.Second
	defaultFetchTimeout = 5 * time.Second
	defaultCacheTTL     = 10 * time.Minute

	// DefaultProviderURL is the OIDC provider base used when none is configured.
	DefaultProviderURL = "https://oidc.vercel.com"

	// IssuerTenant and IssuerGlobal name the two candidate issuers.
	IssuerTenant = "tenant"
	IssuerGlobal = "global"

	jwksPath = "/.well-known/jwks"
)

// TrustConfig is the per-call trust configuration.
type TrustConfig struct {
	// TenantSlug enables the tenant-scoped issuer when non-blank.
	TenantSlug string
	// Audience is the required "aud" value. Empty disables the audience check.
	Audience string
	// ExpectedSubject pins the "sub" claim when non-empty.
	ExpectedSubject string
}

// VerifierConfig holds process-level verifier settings.
type VerifierConfig struct {
	ProviderURL  string
	ClockSkew    time.Duration
	FetchTimeout time.Duration
	CacheTTL     time.Duration
	DisableCache bool

	// HTTPClient is used for key-set fetches. Defaults to a client with FetchTimeout.
	HTTPClient *http.Client
	// Fetcher replaces the built-in key-set cache and fetcher. It is used as
	// is and does its own caching, if any.
	Fetcher KeySetFetcher
	Logger  *zap.Logger
}

// Issuer is one trusted issuer candidate.
type Issuer struct {
	Name    string
	URL     string
	JWKSURL string
}

// normalize sets default values for optional fields.
func (c *VerifierConfig) normalize() {
	if strings.TrimSpace(c.ProviderURL) == "" {
		c.ProviderURL = DefaultProviderURL
	}
	c.ProviderURL = strings.TrimRight(strings.TrimSpace(c.ProviderURL), "/")
	if c.ClockSkew <= 0 {
		c.ClockSkew = defaultClockSkew
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{
			Timeout: c.FetchTimeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
			},
		}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// validate ensures the normalized configuration is usable.
func (c VerifierConfig) validate() error {
	u, err := url.Parse(c.ProviderURL)
	if err != nil {
		return fmt.Errorf("provider url: %w", err)
	}
	switch {
	case u.Scheme != "https" && u.Scheme != "http":
		return fmt.Errorf("provider url must use http or https scheme, got %q", u.Scheme)
	case u.Host == "":
		return errors.New("provider url host is required")
	case u.RawQuery != "" || u.Fragment != "":
		return errors.New("provider url must not carry a query or fragment")
	}
	return nil
}

// issuers returns the candidates for trust in priority order.
func (c VerifierConfig) issuers(trust TrustConfig) []Issuer {
	out := make([]Issuer, 0, 2)
	if slug := strings.Trim(strings.TrimSpace(trust.TenantSlug), "/"); slug != "" {
		tenant := c.ProviderURL + "/" + slug
		out = append(out, Issuer{Name: IssuerTenant, URL: tenant, JWKSURL: tenant + jwksPath})
	}
	return append(out, Issuer{Name: IssuerGlobal, URL: c.ProviderURL, JWKSURL: c.ProviderURL + jwksPath})
}
