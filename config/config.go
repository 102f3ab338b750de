// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	oidcx "github.com/bionicotaku/lingo-utils-oidcx"
)

// Config represents the complete service configuration.
type Config struct {
	Environment string `validate:"required,oneof=development dev staging production prod test"`
	Server      ServerConfig
	OIDC        OIDCConfig
	CORS        CORSConfig
	Log         LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string
	Port              int           `validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`
}

// OIDCConfig holds the trust settings for bearer-token verification.
type OIDCConfig struct {
	ProviderURL     string `validate:"required,url"`
	TenantSlug      string `validate:"omitempty,excludesall=/?#"`
	Audience        string
	ExpectedSubject string
	// RequireAudience turns a missing audience into a startup error instead
	// of a warning.
	RequireAudience bool
	ClockSkew       time.Duration `validate:"gte=0"`
	FetchTimeout    time.Duration `validate:"gt=0"`
	CacheTTL        time.Duration `validate:"gte=0"`
}

// CORSConfig holds cross-origin settings for the verify endpoint.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `validate:"required,oneof=debug info warn error"`
	Format string `validate:"required,oneof=json console"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads .env files (when present) and the environment into a Config.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, path := range envFiles {
		if path == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	env := &envReader{}
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			Port:              env.port(),
			ReadHeaderTimeout: env.duration("SERVER_READ_HEADER_TIMEOUT", 5*time.Second),
			ShutdownTimeout:   env.duration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		OIDC: OIDCConfig{
			ProviderURL:     getEnv("OIDC_PROVIDER_URL", oidcx.DefaultProviderURL),
			TenantSlug:      strings.TrimSpace(os.Getenv("OIDC_TENANT_SLUG")),
			Audience:        strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
			ExpectedSubject: strings.TrimSpace(os.Getenv("OIDC_EXPECTED_SUBJECT")),
			RequireAudience: env.boolean("OIDC_REQUIRE_AUDIENCE", false),
			ClockSkew:       env.duration("OIDC_CLOCK_SKEW", 5*time.Second),
			FetchTimeout:    env.duration("OIDC_FETCH_TIMEOUT", 5*time.Second),
			CacheTTL:        env.duration("OIDC_JWKS_CACHE_TTL", 10*time.Minute),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.OIDC.RequireAudience && c.OIDC.Audience == "" {
		return errors.New("OIDC_AUDIENCE is required when OIDC_REQUIRE_AUDIENCE is set")
	}
	return nil
}

// Warnings returns configuration problems that do not block startup.
func (c *Config) Warnings() []string {
	var out []string
	if c.OIDC.Audience == "" {
		out = append(out, "OIDC_AUDIENCE is not set: tokens for any audience will be accepted")
	}
	if c.OIDC.TenantSlug == "" {
		out = append(out, "OIDC_TENANT_SLUG is not set: only the global issuer is trusted")
	}
	return out
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// Address returns the HTTP server address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Trust returns the trust configuration captured at load time.
func (c *OIDCConfig) Trust() oidcx.TrustConfig {
	return oidcx.TrustConfig{
		TenantSlug:      c.TenantSlug,
		Audience:        c.Audience,
		ExpectedSubject: c.ExpectedSubject,
	}
}

// VerifierConfig returns the process-level verifier settings.
func (c *OIDCConfig) VerifierConfig() oidcx.VerifierConfig {
	return oidcx.VerifierConfig{
		ProviderURL:  c.ProviderURL,
		ClockSkew:    c.ClockSkew,
		FetchTimeout: c.FetchTimeout,
		CacheTTL:     c.CacheTTL,
		DisableCache: c.CacheTTL == 0,
	}
}

// TrustFromEnv reads the trust configuration from the current environment.
// It is evaluated on every request so a changed environment takes effect
// without a restart.
func TrustFromEnv() oidcx.TrustConfig {
	return oidcx.TrustConfig{
		TenantSlug:      strings.TrimSpace(os.Getenv("OIDC_TENANT_SLUG")),
		Audience:        strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		ExpectedSubject: strings.TrimSpace(os.Getenv("OIDC_EXPECTED_SUBJECT")),
	}
}

// envReader parses typed variables and records every value it could not
// parse, so Load can reject them instead of running on a default.
type envReader struct {
	errs []error
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

// port returns the server port from PORT or SERVER_PORT (default: 8080).
func (r *envReader) port() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			p, err := strconv.Atoi(value)
			if err != nil {
				r.fail(key, value, err)
				return 0
			}
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) boolean(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return b
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(key, value, err)
		return defaultValue
	}
	return d
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
