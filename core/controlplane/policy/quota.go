package policy

import (
	"context"
	"time"

	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/logging"
)

// QuotaResolver resolves the effective quota for a (tenant, capability) pair
// and consumes one fixed-window slot per evaluation. Precedence: capability
// override, then tenant override, then global, then the deny-by-default
// fallback.
type QuotaResolver struct {
	cfg          config.QuotaConfig
	counters     CounterStore
	tenantScoped bool
}

// NewQuotaResolver builds a resolver. With tenantScoped false, counters are
// keyed by capability alone and all tenants share one window.
func NewQuotaResolver(cfg config.QuotaConfig, counters CounterStore, tenantScoped bool) *QuotaResolver {
	return &QuotaResolver{cfg: cfg, counters: counters, tenantScoped: tenantScoped}
}

// Evaluate performs an atomic check-and-increment against the effective
// quota. Counter store failures deny rather than error: policy evaluation
// fails closed.
func (q *QuotaResolver) Evaluate(ctx context.Context, tenant, capability string, now time.Time) Decision {
	quota := q.cfg.Resolve(tenant, capability)
	usage := &QuotaUsage{Limit: quota.Limit, WindowSeconds: quota.WindowSeconds}

	if quota.Limit == 0 {
		return Decision{Effect: EffectDeny, Reason: ReasonLimitExceeded, Quota: usage}
	}

	allowed, remaining, err := q.counters.Incr(ctx, q.scopeKey(tenant, capability), now, quota.Limit, quota.WindowSeconds)
	if err != nil {
		logging.Error("policy", "quota counter unavailable, denying", "tenant", tenant, "capability", capability, "error", err)
		return Decision{Effect: EffectDeny, Reason: ReasonQuotaUnavailable, Quota: usage}
	}
	if !allowed {
		return Decision{Effect: EffectDeny, Reason: ReasonLimitExceeded, Quota: usage}
	}
	usage.Remaining = remaining
	return Decision{Effect: EffectAllow, Quota: usage}
}

func (q *QuotaResolver) scopeKey(tenant, capability string) string {
	if q.tenantScoped && tenant != "" {
		return tenant + ":" + capability
	}
	return capability
}
