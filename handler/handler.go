// Package handler serves the bearer-token verify endpoint.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
	"github.com/bionicotaku/lingo-utils-oidcx/metrics"
)

const internalDetail = "Token verification failed unexpectedly"

// Verifier verifies the bearer token carried by request headers.
type Verifier interface {
	VerifyRequest(ctx context.Context, h http.Header, trust oidcx.TrustConfig) (*oidcx.Result, error)
}

// TrustFunc resolves the trust configuration for one request.
type TrustFunc func() oidcx.TrustConfig

// Options configures the router.
type Options struct {
	Verifier       Verifier
	Trust          TrustFunc
	Logger         *zap.Logger
	AllowedOrigins []string
}

// Handler holds the dependencies of the verify endpoint.
type Handler struct {
	verifier Verifier
	trust    TrustFunc
	logger   *zap.Logger
}

// New creates a Handler. A nil Trust verifies against the global issuer with
// no audience or subject restriction.
func New(verifier Verifier, trust TrustFunc, logger *zap.Logger) *Handler {
	if trust == nil {
		trust = func() oidcx.TrustConfig { return oidcx.TrustConfig{} }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{verifier: verifier, trust: trust, logger: logger}
}

// NewRouter wires the verify endpoint and health check behind the common middleware.
func NewRouter(opts Options) http.Handler {
	h := New(opts.Verifier, opts.Trust, opts.Logger)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Accept", "Authorization"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,

		// Preflights still reach AllowGet, which answers every non-GET with 405.
		OptionsPassthrough: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle(oidcx.VerifyPath, AllowGet(h.RequireBearer(http.HandlerFunc(h.Verify))))
	return r
}

// AllowGet rejects every method but GET with 405 and an Allow header.
func AllowGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, oidcx.ErrorResponse{
				Error:  http.StatusText(http.StatusMethodNotAllowed),
				Detail: "Only GET is supported",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireBearer verifies the request's bearer token and stores the result in
// the request context. Failures are answered directly.
func (h *Handler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := h.verifier.VerifyRequest(r.Context(), r.Header, h.trust())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(oidcx.BindResult(r.Context(), result)))
	})
}

// Verify implements GET /api/verify-oidc. It expects RequireBearer to have run.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	result, ok := oidcx.ResultFromContext(r.Context())
	if !ok || result.Claims == nil {
		h.logger.Error("verify handler reached without a verification result",
			zap.String("request_id", middleware.GetReqID(r.Context())))
		writeJSON(w, http.StatusInternalServerError, oidcx.ErrorResponse{
			Error:  http.StatusText(http.StatusInternalServerError),
			Detail: internalDetail,
		})
		return
	}

	claims := result.Claims
	writeJSON(w, http.StatusOK, oidcx.VerifyResponse{
		OK:        true,
		Issuer:    result.Issuer,
		Audience:  audienceValue(claims.Audience),
		Subject:   claims.Subject,
		Expires:   unix(claims.ExpiresAt),
		IssuedAt:  unix(claims.IssuedAt),
		NotBefore: unix(claims.NotBefore),
		Claims:    claims.Map(),
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		detail string
	)
	switch oidcx.KindOf(err) {
	case oidcx.KindMissingAuth, oidcx.KindInvalidToken:
		status, detail = http.StatusUnauthorized, errorDetail(err)
	case oidcx.KindSubjectMismatch:
		status, detail = http.StatusForbidden, errorDetail(err)
	default:
		status, detail = http.StatusInternalServerError, internalDetail
		h.logger.Error("token verification failed unexpectedly",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	if status != http.StatusInternalServerError {
		h.logger.Info("token rejected",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("code", string(oidcx.CodeOf(err))),
			zap.Error(err),
		)
	}
	writeJSON(w, status, oidcx.ErrorResponse{Error: http.StatusText(status), Detail: detail})
}

// accessLog logs one line per request and counts it by status.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if r.URL.Path == oidcx.VerifyPath {
			metrics.HTTPRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
		}
		h.logger.Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func errorDetail(err error) string {
	var e *oidcx.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// audienceValue renders a single audience as a string, as most issuers do.
func audienceValue(aud []string) any {
	switch len(aud) {
	case 0:
		return nil
	case 1:
		return aud[0]
	default:
		return aud
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
