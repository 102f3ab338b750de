// oidc-verify checks an OIDC token locally, or presents one to a deployed
// verify endpoint and prints the result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
	"github.com/bionicotaku/lingo-utils-oidcx/logging"
)

func main() {
	envPath := defaultEnvPath()
	if err := loadEnvFile(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "warning: load %s: %v\n", envPath, err)
	}

	var (
		providerURL    = flag.String("provider-url", envOr("OIDC_PROVIDER_URL", oidcx.DefaultProviderURL), "OIDC provider base URL (env OIDC_PROVIDER_URL)")
		tenant         = flag.String("tenant", os.Getenv("OIDC_TENANT_SLUG"), "Tenant slug of the tenant issuer (env OIDC_TENANT_SLUG)")
		audience       = flag.String("audience", os.Getenv("OIDC_AUDIENCE"), "Expected audience (env OIDC_AUDIENCE)")
		subject        = flag.String("subject", os.Getenv("OIDC_EXPECTED_SUBJECT"), "Expected subject (env OIDC_EXPECTED_SUBJECT)")
		token          = flag.String("token", os.Getenv("OIDC_TOKEN"), "Token to check (env OIDC_TOKEN)")
		tokenEnv       = flag.String("token-env", "", "Read the token from this environment variable on every use")
		serviceAccount = flag.String("service-account", os.Getenv("GOOGLE_SERVICE_ACCOUNT"), "Mint a Google ID token by impersonating this service account (env GOOGLE_SERVICE_ACCOUNT)")
		useGoogle      = flag.Bool("google", false, "Mint a Google ID token from application default credentials")
		endpoint       = flag.String("endpoint", os.Getenv("OIDC_VERIFY_ENDPOINT"), "Base URL of a deployed verify endpoint (env OIDC_VERIFY_ENDPOINT)")
		timeout        = flag.Duration("timeout", 10*time.Second, "Overall timeout")
		verbose        = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	factory, err := tokenFactory(*token, *tokenEnv, *serviceAccount, *useGoogle)
	if err != nil {
		flag.Usage()
		logger.Fatal("no token source", zap.Error(err))
	}
	provider := oidcx.NewProvider(factory)

	if *endpoint != "" {
		client := &oidcx.Client{BaseURL: *endpoint, Provider: provider, Timeout: *timeout}
		resp, err := client.Verify(ctx, *audience)
		if err != nil {
			logger.Fatal("endpoint rejected token", zap.String("endpoint", *endpoint), zap.Error(err))
		}
		printResponse(resp)
		return
	}

	raw, err := provider.Token(ctx, *audience)
	if err != nil {
		logger.Fatal("obtain token", zap.Error(err))
	}
	verifier, err := oidcx.NewVerifier(oidcx.VerifierConfig{
		ProviderURL:  *providerURL,
		DisableCache: true,
		Logger:       logger.Named("verifier"),
	})
	if err != nil {
		logger.Fatal("create verifier", zap.Error(err))
	}
	defer verifier.Close()
	trust := oidcx.TrustConfig{TenantSlug: *tenant, Audience: *audience, ExpectedSubject: *subject}
	result, err := verifier.VerifyToken(ctx, raw, trust)
	if err != nil {
		logger.Fatal("verification failed",
			zap.String("code", string(oidcx.CodeOf(err))),
			zap.Stringer("kind", oidcx.KindOf(err)),
			zap.Error(err),
		)
	}
	printResult(result)
}

func tokenFactory(token, tokenEnv, serviceAccount string, useGoogle bool) (oidcx.TokenFactory, error) {
	switch {
	case strings.TrimSpace(token) != "":
		return oidcx.StaticTokenFactory(token), nil
	case tokenEnv != "":
		return oidcx.EnvTokenFactory(tokenEnv), nil
	case serviceAccount != "" || useGoogle:
		return oidcx.GoogleTokenFactory(serviceAccount), nil
	default:
		return nil, errors.New("set -token, -token-env, -service-account or -google")
	}
}

func printResult(result *oidcx.Result) {
	fmt.Println("== OIDC Token Verified ==")
	fmt.Printf("issuer       : %s\n", result.Issuer)
	printClaims(result.Claims.Map())
}

func printResponse(resp *oidcx.VerifyResponse) {
	fmt.Println("== Verify Endpoint Accepted Token ==")
	fmt.Printf("issuer       : %s\n", resp.Issuer)
	printClaims(resp.Claims)
}

func printClaims(claims map[string]any) {
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := claims[k]
		switch k {
		case "exp", "iat", "nbf":
			if sec, ok := asUnix(v); ok {
				v = time.Unix(sec, 0).UTC().Format(time.RFC3339)
			}
		}
		fmt.Printf("%-13s: %v\n", k, v)
	}
}

func asUnix(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func defaultEnvPath() string {
	if path := os.Getenv("OIDCX_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
