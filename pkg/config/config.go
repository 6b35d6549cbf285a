// Package config builds the explicit gateway configuration value passed into
// the core at startup. No hidden globals; tests construct their own.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds the recognized gateway options.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL is the SQLite path backing manifests, approvals, and the
	// audit log; empty runs fully in-memory.
	DatabaseURL string
	// CounterDatabaseURL optionally moves counters to Postgres row locks.
	CounterDatabaseURL string
	// RedisURL optionally moves counters to Redis server-side scripts.
	RedisURL string

	// RequireProductionKeys refuses startup without an externally provided
	// Ed25519 signing seed.
	RequireProductionKeys bool
	SigningKeySeed        string
	SigningKeyID          string

	DefaultConnectorTimeoutSeconds int
	MaxRequestBytes                int64
	MaxResponseBytes               int64
	GlobalAllowedWebhookDomains    []string
	OverrideTokenTTLSeconds        int
	ApprovalExpirySeconds          int
	AllowHTTPInConnectors          bool
	PerOrgAuditStreams             bool

	OTLPEndpoint string
}

const maxOverrideTokenTTLSeconds = 900

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:                           getenv("AGENTGATE_PORT", "8080"),
		LogLevel:                       getenv("AGENTGATE_LOG_LEVEL", "INFO"),
		DatabaseURL:                    os.Getenv("AGENTGATE_DATABASE_URL"),
		CounterDatabaseURL:             os.Getenv("AGENTGATE_COUNTER_DATABASE_URL"),
		RedisURL:                       os.Getenv("AGENTGATE_REDIS_URL"),
		RequireProductionKeys:          getbool("AGENTGATE_REQUIRE_PRODUCTION_KEYS"),
		SigningKeySeed:                 os.Getenv("AGENTGATE_SIGNING_KEY_SEED"),
		SigningKeyID:                   getenv("AGENTGATE_SIGNING_KEY_ID", "gateway-1"),
		DefaultConnectorTimeoutSeconds: getint("AGENTGATE_DEFAULT_CONNECTOR_TIMEOUT_SECONDS", 30),
		MaxRequestBytes:                int64(getint("AGENTGATE_MAX_REQUEST_BYTES", 1<<20)),
		MaxResponseBytes:               int64(getint("AGENTGATE_MAX_RESPONSE_BYTES", 1<<20)),
		OverrideTokenTTLSeconds:        getint("AGENTGATE_OVERRIDE_TOKEN_TTL_SECONDS", 300),
		ApprovalExpirySeconds:          getint("AGENTGATE_APPROVAL_EXPIRY_SECONDS", 86400),
		AllowHTTPInConnectors:          getbool("AGENTGATE_ALLOW_HTTP_IN_CONNECTORS"),
		PerOrgAuditStreams:             getbool("AGENTGATE_PER_ORG_AUDIT_STREAMS"),
		OTLPEndpoint:                   os.Getenv("AGENTGATE_OTLP_ENDPOINT"),
	}
	if domains := os.Getenv("AGENTGATE_GLOBAL_ALLOWED_WEBHOOK_DOMAINS"); domains != "" {
		for _, d := range strings.Split(domains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.GlobalAllowedWebhookDomains = append(cfg.GlobalAllowedWebhookDomains, d)
			}
		}
	}
	if cfg.OverrideTokenTTLSeconds > maxOverrideTokenTTLSeconds {
		cfg.OverrideTokenTTLSeconds = maxOverrideTokenTTLSeconds
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getbool(key string) bool {
	return os.Getenv(key) == "true"
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
