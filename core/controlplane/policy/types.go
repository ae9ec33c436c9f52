// Package policy evaluates capability invocations against time-window
// schedule rules and fixed-window quotas. Evaluation fails closed: a
// well-formed request always yields a definitive allow or deny.
package policy

import (
	"context"
	"time"
)

// Effect is the outcome of a policy decision.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Deny reasons attached to decisions.
const (
	ReasonTimePolicyDenied = "time_policy_denied"
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonQuotaUnavailable = "quota_unavailable"
)

// CallContext describes one capability invocation to be decided.
type CallContext struct {
	TenantID     string
	RunID        string
	RitualID     string
	Capability   string
	InvocationID string
	Now          time.Time
}

// QuotaUsage reports the quota consulted for an allow/deny.
type QuotaUsage struct {
	Limit         uint64 `json:"limit"`
	WindowSeconds uint64 `json:"window_seconds"`
	Remaining     uint64 `json:"remaining"`
}

// Decision is the immutable result of one evaluation.
type Decision struct {
	Effect Effect
	Reason string
	Quota  *QuotaUsage
}

// Allowed reports whether the decision permits the invocation.
func (d Decision) Allowed() bool { return d.Effect == EffectAllow }

// CounterStore provides atomic fixed-window check-and-increment per scope
// key. Implementations must serialize per key, never globally; the window
// resets lazily when now falls outside it.
type CounterStore interface {
	// Incr consumes one slot from the window for scopeKey. It returns
	// whether the request fits the limit and, when allowed, how many
	// slots remain in the current window.
	Incr(ctx context.Context, scopeKey string, now time.Time, limit, windowSeconds uint64) (allowed bool, remaining uint64, err error)
}
