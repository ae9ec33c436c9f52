package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("unexpected nats url: %s", cfg.NatsURL)
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("unexpected redis url: %s", cfg.RedisURL)
	}
	if cfg.ApprovalTTLSeconds != defaultApprovalTTL {
		t.Fatalf("unexpected approval ttl: %d", cfg.ApprovalTTLSeconds)
	}
	if cfg.TimerPollInterval != defaultTimerPoll {
		t.Fatalf("unexpected poll interval: %s", cfg.TimerPollInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://bus:4222")
	t.Setenv(envApprovalTTLSeconds, "5")
	t.Setenv(envTimerPollInterval, "250ms")
	t.Setenv(envTimerBatchSize, "50")
	t.Setenv(envDisableTenantScoping, "true")

	cfg := Load()
	if cfg.NatsURL != "nats://bus:4222" {
		t.Fatalf("unexpected nats url: %s", cfg.NatsURL)
	}
	if cfg.ApprovalTTLSeconds != 5 {
		t.Fatalf("unexpected ttl: %d", cfg.ApprovalTTLSeconds)
	}
	if cfg.TimerPollInterval != 250*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.TimerPollInterval)
	}
	if cfg.TimerBatchSize != 50 {
		t.Fatalf("unexpected batch size: %d", cfg.TimerBatchSize)
	}
	if !cfg.DisableTenantScoping {
		t.Fatalf("expected tenant scoping disabled")
	}
}

func TestLoadIgnoresInvalidOverrides(t *testing.T) {
	t.Setenv(envApprovalTTLSeconds, "zero")
	t.Setenv(envTimerPollInterval, "soon")
	cfg := Load()
	if cfg.ApprovalTTLSeconds != defaultApprovalTTL {
		t.Fatalf("invalid ttl should fall back, got %d", cfg.ApprovalTTLSeconds)
	}
	if cfg.TimerPollInterval != defaultTimerPoll {
		t.Fatalf("invalid interval should fall back, got %s", cfg.TimerPollInterval)
	}
}
