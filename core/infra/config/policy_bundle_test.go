package config

import (
	"strings"
	"testing"
)

const sampleBundle = `
version: "1"
quotas:
  capabilities:
    capsule.http: {limit: 1, window_seconds: 60}
  tenants:
    acme: {limit: 2, window_seconds: 60}
  global: {limit: 10, window_seconds: 120}
schedules:
  tenants:
    acme:
      capsule.deploy:
        - action: deny
          timezone: America/New_York
          days: [saturday, sunday]
          start: "00:00"
          end: "23:59"
  global:
    capsule.deploy:
      - action: allow
        timezone: UTC
        start: "09:00"
        end: "17:00"
approvals:
  default_ttl_seconds: 3600
  tenants:
    acme:
      chain:
        - {timeout_seconds: 300, approvers: [team-lead]}
        - {timeout_seconds: 600, approvers: [manager], emergency_override: true}
        - {timeout_seconds: 0, approvers: [director], emergency_override: true}
      gates:
        prod-deploy:
          - {timeout_seconds: 120, approvers: [sre]}
`

func TestParsePolicyBundle(t *testing.T) {
	bundle, err := ParsePolicyBundle([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	if bundle.Version != "1" {
		t.Fatalf("unexpected version: %s", bundle.Version)
	}
	if got := bundle.Quotas.Resolve("acme", "capsule.http"); got.Limit != 1 {
		t.Fatalf("capability quota should win, got %+v", got)
	}
	if got := bundle.Quotas.Resolve("acme", "capsule.exec"); got.Limit != 2 {
		t.Fatalf("tenant fallback should apply, got %+v", got)
	}
	if got := bundle.Quotas.Resolve("other", "capsule.exec"); got.Limit != 10 || got.WindowSeconds != 120 {
		t.Fatalf("global fallback should apply, got %+v", got)
	}
}

func TestResolveQuotaDenyByDefault(t *testing.T) {
	var q QuotaConfig
	got := q.Resolve("t", "c")
	if got.Limit != 0 || got.WindowSeconds != 60 {
		t.Fatalf("expected deny-by-default quota, got %+v", got)
	}
}

func TestChainForPrecedence(t *testing.T) {
	bundle, err := ParsePolicyBundle([]byte(sampleBundle))
	if err != nil {
		t.Fatalf("parse bundle: %v", err)
	}
	chain := bundle.Approvals.ChainFor("acme", "prod-deploy")
	if len(chain) != 1 || chain[0].TimeoutSeconds != 120 {
		t.Fatalf("gate override should win, got %+v", chain)
	}
	chain = bundle.Approvals.ChainFor("acme", "other-gate")
	if len(chain) != 3 || chain[1].TimeoutSeconds != 600 {
		t.Fatalf("tenant chain should apply, got %+v", chain)
	}
	if chain := bundle.Approvals.ChainFor("unknown", "g"); chain != nil {
		t.Fatalf("expected no chain for unknown tenant, got %+v", chain)
	}
}

func TestParsePolicyBundleRejectsBadAction(t *testing.T) {
	bad := strings.ReplaceAll(sampleBundle, "action: deny", "action: maybe")
	if _, err := ParsePolicyBundle([]byte(bad)); err == nil {
		t.Fatalf("expected schema rejection for unknown action")
	}
}

func TestParsePolicyBundleRejectsMidChainZeroTimeout(t *testing.T) {
	const bad = `
approvals:
  tenants:
    acme:
      chain:
        - {timeout_seconds: 0}
        - {timeout_seconds: 300}
`
	if _, err := ParsePolicyBundle([]byte(bad)); err == nil {
		t.Fatalf("expected rejection of zero timeout before final level")
	}
}

func TestParsePolicyBundleEmpty(t *testing.T) {
	bundle, err := ParsePolicyBundle(nil)
	if err != nil {
		t.Fatalf("empty bundle should parse: %v", err)
	}
	if got := bundle.Quotas.Resolve("t", "c"); got != DefaultQuota {
		t.Fatalf("empty bundle should deny by default, got %+v", got)
	}
}

func TestLoadPolicyBundleMissingFile(t *testing.T) {
	bundle, err := LoadPolicyBundle("/nonexistent/policy.yaml")
	if err != nil {
		t.Fatalf("missing bundle should not error: %v", err)
	}
	if bundle == nil {
		t.Fatalf("expected empty bundle")
	}
}
