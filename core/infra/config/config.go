package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL          = "nats://localhost:4222"
	defaultRedisURL         = "redis://localhost:6379"
	defaultHTTPAddr         = ":8081"
	defaultMetricsAddr      = ":9092"
	defaultPolicyBundle     = "config/policy.yaml"
	defaultApprovalTTL      = uint64(3600)
	defaultTimerPoll        = 5 * time.Second
	defaultTimerBatch       = int64(200)
	envNATSURL              = "NATS_URL"
	envRedisURL             = "REDIS_URL"
	envHTTPAddr             = "ENGINE_HTTP_ADDR"
	envMetricsAddr          = "ENGINE_METRICS_ADDR"
	envPolicyBundlePath     = "POLICY_BUNDLE_PATH"
	envApprovalTTLSeconds   = "APPROVAL_TTL_SECONDS"
	envTimerPollInterval    = "TIMER_POLL_INTERVAL"
	envTimerBatchSize       = "TIMER_BATCH_SIZE"
	envDisableTenantScoping = "DISABLE_TENANT_SCOPING"
)

// Config holds runtime configuration for the policy engine and timer worker.
type Config struct {
	NatsURL            string
	RedisURL           string
	HTTPAddr           string
	MetricsAddr        string
	PolicyBundlePath   string
	ApprovalTTLSeconds uint64
	TimerPollInterval  time.Duration
	TimerBatchSize     int64
	// DisableTenantScoping collapses quota counters to capability-only keys.
	DisableTenantScoping bool
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:            envOr(envNATSURL, defaultNATSURL),
		RedisURL:           envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:           envOr(envHTTPAddr, defaultHTTPAddr),
		MetricsAddr:        envOr(envMetricsAddr, defaultMetricsAddr),
		PolicyBundlePath:   envOr(envPolicyBundlePath, defaultPolicyBundle),
		ApprovalTTLSeconds: defaultApprovalTTL,
		TimerPollInterval:  defaultTimerPoll,
		TimerBatchSize:     defaultTimerBatch,
	}

	if v := os.Getenv(envApprovalTTLSeconds); v != "" {
		if secs, err := strconv.ParseUint(v, 10, 64); err == nil && secs > 0 {
			cfg.ApprovalTTLSeconds = secs
		}
	}
	if v := os.Getenv(envTimerPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.TimerPollInterval = d
		}
	}
	if v := os.Getenv(envTimerBatchSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.TimerBatchSize = n
		}
	}
	cfg.DisableTenantScoping = os.Getenv(envDisableTenantScoping) == "true"

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
