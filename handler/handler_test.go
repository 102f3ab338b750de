package handler

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) VerifyRequest(ctx context.Context, h http.Header, trust oidcx.TrustConfig) (*oidcx.Result, error) {
	args := m.Called(ctx, h, trust)
	result, _ := args.Get(0).(*oidcx.Result)
	return result, args.Error(1)
}

var testTrust = oidcx.TrustConfig{TenantSlug: "acme", Audience: "https://api.example.com"}

func newRouter(v Verifier) http.Handler {
	return NewRouter(Options{
		Verifier: v,
		Trust:    func() oidcx.TrustConfig { return testTrust },
	})
}

func get(t *testing.T, h http.Handler, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, oidcx.VerifyPath, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestVerifySuccess(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	iat := time.Unix(1_800_000_000, 0)
	v := &mockVerifier{}
	v.On("VerifyRequest", mock.Anything, mock.Anything, testTrust).Return(&oidcx.Result{
		Issuer: "https://oidc.example.com/acme",
		Claims: &oidcx.Claims{
			Subject:   "owner:acme:project:site:environment:production",
			Issuer:    "https://oidc.example.com/acme",
			Audience:  []string{"https://api.example.com"},
			ExpiresAt: exp,
			IssuedAt:  iat,
			Custom:    map[string]any{"project": "site"},
		},
	}, nil)

	rec := get(t, newRouter(v), "Bearer token")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "https://oidc.example.com/acme", body["issuer"])
	assert.Equal(t, "https://api.example.com", body["aud"])
	assert.Equal(t, "owner:acme:project:site:environment:production", body["sub"])
	assert.Equal(t, float64(exp.Unix()), body["exp"])
	assert.Equal(t, float64(iat.Unix()), body["iat"])
	assert.NotContains(t, body, "nbf")

	claims, ok := body["claims"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "site", claims["project"])
	assert.Equal(t, "https://oidc.example.com/acme", claims["iss"])
	v.AssertExpectations(t)
}

func TestVerifyMultipleAudiences(t *testing.T) {
	v := &mockVerifier{}
	v.On("VerifyRequest", mock.Anything, mock.Anything, mock.Anything).Return(&oidcx.Result{
		Issuer: "https://oidc.example.com",
		Claims: &oidcx.Claims{Subject: "s", Audience: []string{"a", "b"}},
	}, nil)

	rec := get(t, newRouter(v), "Bearer token")
	require.Equal(t, http.StatusOK, rec.Code)

	var body oidcx.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{"a", "b"}, body.Audience)
}

func TestVerifyErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
		wantDetail string
	}{
		{
			name:       "missing auth",
			err:        &oidcx.Error{Code: oidcx.ErrCodeMissingAuth, Message: "Missing or malformed Authorization header"},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Unauthorized",
			wantDetail: "Missing or malformed Authorization header",
		},
		{
			name:       "expired",
			err:        &oidcx.Error{Code: oidcx.ErrCodeExpired, Message: "Token expired", Issuer: "https://oidc.example.com"},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Unauthorized",
			wantDetail: "Token expired",
		},
		{
			name:       "jwks unavailable",
			err:        &oidcx.Error{Code: oidcx.ErrCodeJWKSUnavailable, Message: "JWKS unavailable"},
			wantStatus: http.StatusUnauthorized,
			wantError:  "Unauthorized",
			wantDetail: "JWKS unavailable",
		},
		{
			name:       "subject mismatch",
			err:        &oidcx.Error{Code: oidcx.ErrCodeSubjectMismatch, Message: "Subject mismatch"},
			wantStatus: http.StatusForbidden,
			wantError:  "Forbidden",
			wantDetail: "Subject mismatch",
		},
		{
			name:       "malformed jwks",
			err:        &oidcx.Error{Code: oidcx.ErrCodeMalformedJWKS, Message: "Malformed JWKS document", Err: errors.New("bad json")},
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal Server Error",
			wantDetail: internalDetail,
		},
		{
			name:       "foreign error",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal Server Error",
			wantDetail: internalDetail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &mockVerifier{}
			v.On("VerifyRequest", mock.Anything, mock.Anything, testTrust).Return(nil, tt.err)

			rec := get(t, newRouter(v), "Bearer token")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body oidcx.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body.Error)
			assert.Equal(t, tt.wantDetail, body.Detail)
			assert.NotContains(t, rec.Body.String(), "bad json")
		})
	}
}

func TestVerifyRejectsOtherMethods(t *testing.T) {
	v := &mockVerifier{}
	h := newRouter(v)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, oidcx.VerifyPath, nil)
		req.Header.Set("Authorization", "Bearer token")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"), method)
	}
	v.AssertNotCalled(t, "VerifyRequest", mock.Anything, mock.Anything, mock.Anything)
}

func TestCORSPreflight(t *testing.T) {
	v := &mockVerifier{}
	req := httptest.NewRequest(http.MethodOptions, oidcx.VerifyPath, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	newRouter(v).ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodGet, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodGet, rec.Header().Get("Allow"))
	v.AssertNotCalled(t, "VerifyRequest", mock.Anything, mock.Anything, mock.Anything)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newRouter(&mockVerifier{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRequireBearerBindsResult(t *testing.T) {
	want := &oidcx.Result{Issuer: "https://oidc.example.com", Claims: &oidcx.Claims{Subject: "s"}}
	v := &mockVerifier{}
	v.On("VerifyRequest", mock.Anything, mock.Anything, oidcx.TrustConfig{}).Return(want, nil)

	var got *oidcx.Result
	h := New(v, nil, nil).RequireBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = oidcx.ResultFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Same(t, want, got)
}

func TestRouterWithVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	priv, err := jwk.FromRaw(key)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))
	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(jwks.Close)

	verifier, err := oidcx.NewVerifier(oidcx.VerifierConfig{ProviderURL: jwks.URL})
	require.NoError(t, err)
	t.Cleanup(verifier.Close)

	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(jwks.URL).
		Subject("user-1").
		Audience([]string{"https://api.example.com"}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	router := NewRouter(Options{
		Verifier: verifier,
		Trust: func() oidcx.TrustConfig {
			return oidcx.TrustConfig{Audience: "https://api.example.com", ExpectedSubject: "user-1"}
		},
	})

	rec := get(t, router, "Bearer "+string(signed))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body oidcx.VerifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, jwks.URL, body.Issuer)
	assert.Equal(t, "user-1", body.Subject)

	rec = get(t, router, "Basic dXNlcjpwYXNz")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	pinned := NewRouter(Options{
		Verifier: verifier,
		Trust:    func() oidcx.TrustConfig { return oidcx.TrustConfig{ExpectedSubject: "someone-else"} },
	})
	rec = get(t, pinned, "Bearer "+string(signed))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
