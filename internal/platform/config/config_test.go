package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("MANDATE_SIGNING_KEY", "")
	t.Setenv("KAFKA_BROKERS", "")
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "HS256", cfg.Mandate.Algorithm)
	assert.NotEmpty(t, cfg.Mandate.SigningKey)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.SessionTTL)
	assert.True(t, cfg.Scheduler.CacheSessions)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.False(t, cfg.Automation.Simulated)
	assert.Equal(t, 30, cfg.RateLimit.WritesPerMinute)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ENROLLO_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("SCHEDULER_POLL_INTERVAL", "250ms")
	t.Setenv("WORKFLOW_MAX_ATTEMPTS", "5")
	t.Setenv("SESSION_CACHE", "false")
	t.Setenv("MANDATE_REVOCATION_BACKEND", "postgres")
	t.Setenv("AUTOMATION_MODE", "simulated")
	t.Setenv("PROVIDER_SELECTOR_FILE", "/etc/enrollo/providers.yaml")
	cfg := FromEnv()

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.False(t, cfg.Scheduler.CacheSessions)
	assert.True(t, cfg.Mandate.RevocationDB)
	assert.True(t, cfg.Automation.Simulated)
	assert.Equal(t, "/etc/enrollo/providers.yaml", cfg.Automation.ProviderFile)
}
