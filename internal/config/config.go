package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Draft store backends.
const (
	DraftStorePostgres = "postgres"
	DraftStoreValkey   = "valkey"
	DraftStoreMemory   = "memory"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer            string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string   `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant         string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
	SubmitBodyLimit       string   `mapstructure:"SUBMIT_BODY_LIMIT"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	DraftStore            string   `mapstructure:"DRAFT_STORE"`
	ValkeyURL             string   `mapstructure:"VALKEY_URL"`
	DraftTTLHours         int      `mapstructure:"DRAFT_TTL_HOURS"`
	AuditBuffer           int      `mapstructure:"AUDIT_BUFFER"`
	MigrationsDir         string   `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT", "SUBMIT_BODY_LIMIT", "REQUEST_TIMEOUT_SECONDS",
	"DRAFT_STORE", "VALKEY_URL", "DRAFT_TTL_HOURS", "AUDIT_BUFFER", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("SUBMIT_BODY_LIMIT", "8M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	v.SetDefault("DRAFT_STORE", DraftStorePostgres)
	v.SetDefault("DRAFT_TTL_HOURS", 720)
	v.SetDefault("AUDIT_BUFFER", 256)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.DraftStore = strings.ToLower(strings.TrimSpace(cfg.DraftStore))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development);")
		log.Println("WARNING: unauthenticated requests are accepted as an admin user.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DraftTTL is how long an untouched draft survives in Valkey.
func (c *Config) DraftTTL() time.Duration {
	return time.Duration(c.DraftTTLHours) * time.Hour
}

// RequestTimeout bounds each HTTP request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a token verifier must be configured so that real JWT authentication is
// enforced.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only; configure AUTH_JWKS_URL in production")
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set")
	}

	switch c.DraftStore {
	case DraftStorePostgres, DraftStoreMemory:
	case DraftStoreValkey:
		if c.ValkeyURL == "" {
			return fmt.Errorf("VALKEY_URL is required when DRAFT_STORE is %q", DraftStoreValkey)
		}
		u, err := url.Parse(c.ValkeyURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix") {
			return fmt.Errorf("VALKEY_URL must be a redis://, rediss:// or unix:// URL, got %q", c.ValkeyURL)
		}
	default:
		return fmt.Errorf("DRAFT_STORE must be %q, %q or %q, got %q",
			DraftStorePostgres, DraftStoreValkey, DraftStoreMemory, c.DraftStore)
	}
	if c.IsProduction() && c.DraftStore == DraftStoreMemory {
		return fmt.Errorf("DRAFT_STORE=%q loses drafts on restart and is not allowed in production", DraftStoreMemory)
	}

	if c.DraftTTLHours <= 0 {
		return fmt.Errorf("DRAFT_TTL_HOURS must be positive, got %d", c.DraftTTLHours)
	}
	if c.AuditBuffer <= 0 {
		return fmt.Errorf("AUDIT_BUFFER must be positive, got %d", c.AuditBuffer)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
