package oidcx

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestProviderIntegration(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("RUN_INTEGRATION_TESTS not set to true")
	}

	providerURL := strings.TrimSpace(os.Getenv("OIDC_PROVIDER_URL"))
	if providerURL == "" {
		providerURL = DefaultProviderURL
	}
	trust := TrustConfig{
		TenantSlug: strings.TrimSpace(os.Getenv("OIDC_TENANT_SLUG")),
		Audience:   strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
	}

	v, err := NewVerifier(VerifierConfig{ProviderURL: providerURL, FetchTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	defer v.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.Warmup(ctx, TrustConfig{}); err != nil {
		t.Fatalf("Warmup global issuer: %v", err)
	}

	if token := strings.TrimSpace(os.Getenv("OIDC_TEST_TOKEN")); token != "" {
		result, err := v.VerifyToken(ctx, token, trust)
		if err != nil {
			t.Fatalf("VerifyToken: %v", err)
		}
		if result.Claims.Subject == "" {
			t.Fatal("claims.Subject empty")
		}
		t.Logf("verified by %s", result.Issuer)
	}
}
