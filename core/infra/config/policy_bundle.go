package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Quota is a fixed-window rate limit on capability invocations.
type Quota struct {
	Limit         uint64 `yaml:"limit" json:"limit"`
	WindowSeconds uint64 `yaml:"window_seconds" json:"window_seconds"`
}

// DefaultQuota is the deny-by-default fallback when no quota is configured.
var DefaultQuota = Quota{Limit: 0, WindowSeconds: 60}

// QuotaConfig resolves effective quotas with capability > tenant > global precedence.
type QuotaConfig struct {
	Capabilities map[string]Quota `yaml:"capabilities"`
	Tenants      map[string]Quota `yaml:"tenants"`
	Global       *Quota           `yaml:"global"`
}

// Resolve returns the effective quota for a (tenant, capability) pair.
func (q QuotaConfig) Resolve(tenant, capability string) Quota {
	if quota, ok := q.Capabilities[capability]; ok {
		return quota
	}
	if quota, ok := q.Tenants[tenant]; ok {
		return quota
	}
	if q.Global != nil {
		return *q.Global
	}
	return DefaultQuota
}

// ScheduleRule is one time-window rule; rules are evaluated in declared order,
// first match wins. End before start denotes a window crossing midnight.
type ScheduleRule struct {
	Action                   string   `yaml:"action"` // allow|deny
	Timezone                 string   `yaml:"timezone"`
	Days                     []string `yaml:"days"`
	Start                    string   `yaml:"start"` // HH:MM local time
	End                      string   `yaml:"end"`
	EscalationTimeoutSeconds *uint64  `yaml:"escalation_timeout_seconds"`
}

// ScheduleConfig groups rules per (scope, capability). Tenant rules shadow
// global rules for the same capability.
type ScheduleConfig struct {
	Tenants map[string]map[string][]ScheduleRule `yaml:"tenants"`
	Global  map[string][]ScheduleRule            `yaml:"global"`
}

// EscalationLevel is one authority tier in an approval chain. TimeoutSeconds
// zero means the level never auto-escalates.
type EscalationLevel struct {
	TimeoutSeconds    uint64   `yaml:"timeout_seconds" json:"timeout_seconds"`
	Approvers         []string `yaml:"approvers" json:"approvers,omitempty"`
	EmergencyOverride bool     `yaml:"emergency_override" json:"emergency_override"`
}

// ApprovalTenant holds escalation chains for one tenant: a tenant-wide chain
// plus optional per-gate overrides.
type ApprovalTenant struct {
	Chain []EscalationLevel            `yaml:"chain"`
	Gates map[string][]EscalationLevel `yaml:"gates"`
}

// ApprovalConfig configures gate TTLs and escalation chains.
type ApprovalConfig struct {
	DefaultTTLSeconds uint64                    `yaml:"default_ttl_seconds"`
	Tenants           map[string]ApprovalTenant `yaml:"tenants"`
}

// ChainFor returns the escalation chain for a (tenant, gate) pair, or nil
// when the gate runs as a plain TTL gate.
func (a ApprovalConfig) ChainFor(tenant, gateID string) []EscalationLevel {
	tp, ok := a.Tenants[tenant]
	if !ok {
		return nil
	}
	if chain, ok := tp.Gates[gateID]; ok && len(chain) > 0 {
		return chain
	}
	if len(tp.Chain) > 0 {
		return tp.Chain
	}
	return nil
}

// PolicyBundle is the full policy configuration, parsed once at startup.
type PolicyBundle struct {
	Version   string         `yaml:"version"`
	Quotas    QuotaConfig    `yaml:"quotas"`
	Schedules ScheduleConfig `yaml:"schedules"`
	Approvals ApprovalConfig `yaml:"approvals"`
}

// LoadPolicyBundle reads YAML from the given path. A missing file or empty
// path yields an empty bundle (deny-by-default quotas, no schedules) rather
// than an error: decisions must fail closed, not crash.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	if path == "" {
		return &PolicyBundle{}, nil
	}
	// #nosec G304 -- bundle path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PolicyBundle{}, nil
		}
		return nil, fmt.Errorf("read policy bundle %s: %w", path, err)
	}
	bundle, err := ParsePolicyBundle(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy bundle %s: %w", path, err)
	}
	return bundle, nil
}

// ParsePolicyBundle parses and schema-validates a policy bundle from YAML bytes.
func ParsePolicyBundle(data []byte) (*PolicyBundle, error) {
	if len(data) == 0 {
		return &PolicyBundle{}, nil
	}
	if err := validateConfigSchema("policy bundle", policyBundleSchemaFile, data); err != nil {
		return nil, err
	}
	var bundle PolicyBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse policy bundle: %w", err)
	}
	if err := bundle.validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (b *PolicyBundle) validate() error {
	for scope, caps := range b.Schedules.Tenants {
		for capability, rules := range caps {
			if err := validateRules(rules); err != nil {
				return fmt.Errorf("schedule %s/%s: %w", scope, capability, err)
			}
		}
	}
	for capability, rules := range b.Schedules.Global {
		if err := validateRules(rules); err != nil {
			return fmt.Errorf("schedule global/%s: %w", capability, err)
		}
	}
	for tenant, tp := range b.Approvals.Tenants {
		if err := validateChain(tp.Chain); err != nil {
			return fmt.Errorf("approvals %s: %w", tenant, err)
		}
		for gate, chain := range tp.Gates {
			if err := validateChain(chain); err != nil {
				return fmt.Errorf("approvals %s/%s: %w", tenant, gate, err)
			}
		}
	}
	return nil
}

func validateRules(rules []ScheduleRule) error {
	for i, rule := range rules {
		action := strings.ToLower(strings.TrimSpace(rule.Action))
		if action != "allow" && action != "deny" {
			return fmt.Errorf("rule %d: unknown action %q", i, rule.Action)
		}
		if strings.TrimSpace(rule.Start) == "" || strings.TrimSpace(rule.End) == "" {
			return fmt.Errorf("rule %d: start and end required", i)
		}
	}
	return nil
}

func validateChain(chain []EscalationLevel) error {
	for i, level := range chain {
		if i < len(chain)-1 && level.TimeoutSeconds == 0 {
			return fmt.Errorf("level %d: zero timeout only allowed on the final level", i+1)
		}
	}
	return nil
}
