package oidcx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/bionicotaku/lingo-utils-oidcx/metrics"
)

const bearerPrefix = "Bearer "

// allowedAlgorithms is the signing algorithm allow-list.
var allowedAlgorithms = map[jwa.SignatureAlgorithm]struct{}{
	jwa.RS256: {},
}

// Verifier validates bearer tokens against a tenant issuer and a global issuer.
// It holds no per-call state and is safe for concurrent use.
type Verifier struct {
	cfg     VerifierConfig
	fetcher KeySetFetcher
	close   func()
	logger  *zap.Logger
	now     func() time.Time
}

// NewVerifier builds a verifier from the given configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	v := &Verifier{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
	client := keySetClient(cfg.HTTPClient, cfg.FetchTimeout)
	switch {
	case cfg.Fetcher != nil:
		v.fetcher = cfg.Fetcher
	case cfg.DisableCache:
		v.fetcher = &remoteKeySets{client: client, timeout: cfg.FetchTimeout}
	default:
		cache := newCachedKeySets(client, cfg.FetchTimeout, cfg.CacheTTL)
		v.fetcher = cache
		v.close = cache.Close
	}
	return v, nil
}

// Close stops background key-set refreshes. The verifier must not be used
// afterwards.
func (v *Verifier) Close() {
	if v.close != nil {
		v.close()
	}
}

// Issuers returns the candidate issuers for trust in the order they are tried.
func (v *Verifier) Issuers(trust TrustConfig) []Issuer {
	return v.cfg.issuers(trust)
}

// ExtractToken returns the bearer token carried by the Authorization header.
func ExtractToken(h http.Header) (string, error) {
	value := h.Get("Authorization")
	if value == "" {
		return "", newError(ErrCodeMissingAuth, errors.New("authorization header not found"))
	}
	if !strings.HasPrefix(value, bearerPrefix) {
		return "", newError(ErrCodeMissingAuth, errors.New("authorization header must be in format: Bearer <token>"))
	}
	return strings.TrimSpace(value[len(bearerPrefix):]), nil
}

// VerifyRequest extracts the bearer token from h and verifies it.
func (v *Verifier) VerifyRequest(ctx context.Context, h http.Header, trust TrustConfig) (*Result, error) {
	token, err := ExtractToken(h)
	if err != nil {
		return nil, err
	}
	return v.VerifyToken(ctx, token, trust)
}

// VerifyToken tries each candidate issuer in order and returns the result of
// the first one that accepts the token. When every candidate rejects it, the
// error of the last candidate is returned.
func (v *Verifier) VerifyToken(ctx context.Context, token string, trust TrustConfig) (*Result, error) {
	if trust.Audience == "" {
		v.logger.Debug("verifying token without an audience restriction")
	}

	var lastErr error
	for _, issuer := range v.cfg.issuers(trust) {
		if lastErr != nil && ctx.Err() != nil {
			// The caller is gone; a further fetch cannot help.
			break
		}
		claims, err := v.verifyWithIssuer(ctx, token, issuer, trust.Audience)
		if err != nil {
			err = withIssuer(err, issuer.URL)
			metrics.VerificationsTotal.WithLabelValues(issuer.Name, string(CodeOf(err))).Inc()
			v.logger.Debug("issuer rejected token",
				zap.String("issuer", issuer.URL),
				zap.String("code", string(CodeOf(err))),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		metrics.VerificationsTotal.WithLabelValues(issuer.Name, "ok").Inc()

		if trust.ExpectedSubject != "" && claims.Subject != trust.ExpectedSubject {
			return nil, &Error{
				Code:    ErrCodeSubjectMismatch,
				Message: errorMessages[ErrCodeSubjectMismatch],
				Issuer:  issuer.URL,
				Err:     fmt.Errorf("subject %q does not match expected subject", claims.Subject),
			}
		}
		return &Result{Issuer: issuer.URL, Claims: claims}, nil
	}
	return nil, lastErr
}

// Warmup fetches the key set of every candidate issuer for trust. It returns
// the joined errors of the candidates that could not be fetched.
func (v *Verifier) Warmup(ctx context.Context, trust TrustConfig) error {
	var errs []error
	for _, issuer := range v.cfg.issuers(trust) {
		if _, err := v.fetcher.Fetch(ctx, issuer.JWKSURL); err != nil {
			errs = append(errs, withIssuer(fetchError(err), issuer.URL))
		}
	}
	return errors.Join(errs...)
}

func (v *Verifier) verifyWithIssuer(ctx context.Context, token string, issuer Issuer, audience string) (*Claims, error) {
	keySet, err := v.fetcher.Fetch(ctx, issuer.JWKSURL)
	if err != nil {
		return nil, fetchError(err)
	}

	payload, err := checkAlgorithm(token)
	if err != nil {
		return nil, err
	}

	parsed, err := jwt.Parse([]byte(token),
		jwt.WithKeySet(keySet, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithValidate(false),
	)
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}

	validateOpts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(v.now)),
		jwt.WithAcceptableSkew(v.cfg.ClockSkew),
		jwt.WithIssuer(issuer.URL),
		jwt.WithRequiredClaim(jwt.SubjectKey),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.IssuedAtKey),
	}
	if audience != "" {
		validateOpts = append(validateOpts, jwt.WithAudience(audience))
	}
	if err := jwt.Validate(parsed, validateOpts...); err != nil {
		switch {
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return nil, newError(ErrCodeInvalidIssuer, err)
		case errors.Is(err, jwt.ErrInvalidAudience()):
			return nil, newError(ErrCodeInvalidAudience, err)
		case errors.Is(err, jwt.ErrTokenExpired()):
			return nil, newError(ErrCodeExpired, err)
		case errors.Is(err, jwt.ErrTokenNotYetValid()):
			return nil, newError(ErrCodeNotYetValid, err)
		default:
			return nil, newError(ErrCodeInvalidToken, err)
		}
	}

	return extractClaims(parsed, payload), nil
}

// checkAlgorithm rejects tokens whose protected header names an algorithm
// outside the allow-list, before any key is tried. It returns the unverified
// payload.
func checkAlgorithm(token string) ([]byte, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, newError(ErrCodeInvalidToken, err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, newError(ErrCodeInvalidToken, fmt.Errorf("expected exactly one signature, got %d", len(sigs)))
	}
	alg := sigs[0].ProtectedHeaders().Algorithm()
	if _, ok := allowedAlgorithms[alg]; !ok {
		return nil, newError(ErrCodeUnsupportedAlgorithm, fmt.Errorf("algorithm %q is not allowed", alg))
	}
	return msg.Payload(), nil
}
