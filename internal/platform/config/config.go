package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-wide configuration. Everything is read once at boot.
type Server struct {
	Addr        string
	DatabaseURL string
	Redis       RedisConfig
	Kafka       KafkaConfig
	Mandate     MandateConfig
	Vault       VaultConfig
	Scheduler   SchedulerConfig
	Guardrail   GuardrailConfig
	Automation  AutomationConfig
	RateLimit   RateLimitConfig
	DevLogging  bool
}

// RedisConfig configures the shared Redis client. Empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures audit export. Empty Brokers disables export.
type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// MandateConfig holds the signing key and token parameters for mandates.
// The key is process-wide and never derived per request.
type MandateConfig struct {
	SigningKey   string
	Algorithm    string
	Issuer       string
	Audience     string
	DefaultTTL   time.Duration
	RevocationDB bool
}

// VaultConfig holds the operator secret the credential vault key is derived from.
type VaultConfig struct {
	Secret string
}

// SchedulerConfig tunes job execution.
type SchedulerConfig struct {
	PollInterval  time.Duration
	ArmHorizon    time.Duration
	SessionTTL    time.Duration
	SweepInterval time.Duration
	MaxAttempts   int
	ActionsPerSec float64
	CacheSessions bool
}

// GuardrailConfig points at an optional YAML pattern file merged over the defaults.
type GuardrailConfig struct {
	PatternFile string
}

// AutomationConfig selects the provider selector directory and the browser
// runtime. Simulated mode drives an in-process registration site for demos.
type AutomationConfig struct {
	ProviderFile string
	Simulated    bool
	SimulatedURL string
}

// RateLimitConfig sets per-subject request budgets.
type RateLimitConfig struct {
	Disabled        bool
	WritesPerMinute int
	ReadsPerMinute  int
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	signingKey := os.Getenv("MANDATE_SIGNING_KEY")
	if signingKey == "" {
		// Development default; production deployments must override.
		signingKey = "dev-mandate-signing-key-change-in-production"
	}

	return Server{
		Addr:        envOr("ENROLLO_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:    splitList(os.Getenv("KAFKA_BROKERS")),
			AuditTopic: envOr("KAFKA_AUDIT_TOPIC", "enrollo.audit.v1"),
		},
		Mandate: MandateConfig{
			SigningKey:   signingKey,
			Algorithm:    envOr("MANDATE_SIGNING_ALG", "HS256"),
			Issuer:       envOr("MANDATE_ISSUER", "enrollo"),
			Audience:     envOr("MANDATE_AUDIENCE", "enrollo-executor"),
			DefaultTTL:   envDuration("MANDATE_DEFAULT_TTL", 7*24*time.Hour),
			RevocationDB: os.Getenv("MANDATE_REVOCATION_BACKEND") == "postgres",
		},
		Vault: VaultConfig{
			Secret: os.Getenv("CREDENTIAL_VAULT_SECRET"),
		},
		Scheduler: SchedulerConfig{
			PollInterval:  envDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			ArmHorizon:    envDuration("SCHEDULER_ARM_HORIZON", 10*time.Minute),
			SessionTTL:    envDuration("SESSION_TTL", 15*time.Minute),
			SweepInterval: envDuration("SESSION_SWEEP_INTERVAL", time.Minute),
			MaxAttempts:   envInt("WORKFLOW_MAX_ATTEMPTS", 3),
			ActionsPerSec: envFloat("PROVIDER_ACTIONS_PER_SEC", 2),
			CacheSessions: os.Getenv("SESSION_CACHE") != "false",
		},
		Guardrail: GuardrailConfig{
			PatternFile: os.Getenv("GUARDRAIL_PATTERN_FILE"),
		},
		Automation: AutomationConfig{
			ProviderFile: os.Getenv("PROVIDER_SELECTOR_FILE"),
			Simulated:    os.Getenv("AUTOMATION_MODE") == "simulated",
			SimulatedURL: envOr("AUTOMATION_SIMULATED_URL", "https://club.example"),
		},
		RateLimit: RateLimitConfig{
			Disabled:        os.Getenv("RATE_LIMIT_DISABLED") == "true",
			WritesPerMinute: envInt("RATE_LIMIT_WRITES_PER_MINUTE", 30),
			ReadsPerMinute:  envInt("RATE_LIMIT_READS_PER_MINUTE", 300),
		},
		DevLogging: os.Getenv("ENROLLO_ENV") == "dev",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
