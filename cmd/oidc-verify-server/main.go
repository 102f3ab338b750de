// oidc-verify-server serves GET /api/verify-oidc, which checks the caller's
// bearer token against the configured OIDC provider.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
	"github.com/bionicotaku/lingo-utils-oidcx/config"
	"github.com/bionicotaku/lingo-utils-oidcx/handler"
	"github.com/bionicotaku/lingo-utils-oidcx/logging"
)

var (
	envFile       = flag.String("env", ".env", "Optional .env file read before the environment")
	warmupTimeout = flag.Duration("warmup-timeout", 5*time.Second, "Time allowed for fetching issuer key sets at startup")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not parse env args")

	cfg, err := config.Load(*envFile)
	rtx.Must(err, "Could not load configuration")

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	rtx.Must(err, "Could not create logger")
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	prom := prometheusx.MustServeMetrics()
	defer prom.Close()

	vcfg := cfg.OIDC.VerifierConfig()
	vcfg.Logger = logger.Named("verifier")
	verifier, err := oidcx.NewVerifier(vcfg)
	rtx.Must(err, "Could not create verifier")
	defer verifier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	warmCtx, cancel := context.WithTimeout(ctx, *warmupTimeout)
	if err := verifier.Warmup(warmCtx, cfg.OIDC.Trust()); err != nil {
		logger.Warn("issuer key sets could not be prefetched", zap.Error(err))
	}
	cancel()

	srv := &http.Server{
		Addr: cfg.Server.Address(),
		Handler: handler.NewRouter(handler.Options{
			Verifier:       verifier,
			Trust:          config.TrustFromEnv,
			Logger:         logger.Named("http"),
			AllowedOrigins: cfg.CORS.AllowedOrigins,
		}),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	rtx.Must(httpx.ListenAndServeAsync(srv), "Could not start server")
	logger.Info("server started",
		zap.String("addr", srv.Addr),
		zap.String("environment", cfg.Environment),
		zap.String("provider", cfg.OIDC.ProviderURL),
		zap.String("tenant", cfg.OIDC.TenantSlug),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}
