package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
	"github.com/ritualos/ritualos/core/infra/metrics"
)

// Engine composes the schedule evaluator and the quota resolver into one
// decision per invocation and emits the decision to the audit log.
type Engine struct {
	schedules *ScheduleEvaluator
	quotas    *QuotaResolver
	publisher bus.Publisher
	metrics   metrics.Metrics
}

// NewEngine wires a decision engine from a parsed policy bundle.
func NewEngine(bundle *config.PolicyBundle, counters CounterStore, publisher bus.Publisher, m metrics.Metrics, tenantScoped bool) *Engine {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{
		schedules: NewScheduleEvaluator(bundle.Schedules),
		quotas:    NewQuotaResolver(bundle.Quotas, counters, tenantScoped),
		publisher: publisher,
		metrics:   m,
	}
}

// Decide evaluates one capability invocation. A schedule verdict is terminal:
// an explicit time-window allow skips the quota check and consumes no slot.
// Only on no-match does the quota resolver run. Exactly one policy.decision
// event is emitted per invocation.
func (e *Engine) Decide(ctx context.Context, call CallContext) Decision {
	if call.Now.IsZero() {
		call.Now = time.Now()
	}
	if call.InvocationID == "" {
		call.InvocationID = uuid.NewString()
	}

	var decision Decision
	switch e.schedules.Evaluate(call.TenantID, call.Capability, call.Now) {
	case ScheduleDeny:
		decision = Decision{Effect: EffectDeny, Reason: ReasonTimePolicyDenied}
	case ScheduleAllow:
		decision = Decision{Effect: EffectAllow}
	default:
		decision = e.quotas.Evaluate(ctx, call.TenantID, call.Capability, call.Now)
	}

	e.metrics.IncDecisions(call.Capability, string(decision.Effect), decision.Reason)
	e.emit(call, decision)
	return decision
}

func (e *Engine) emit(call CallContext, decision Decision) {
	if e.publisher == nil {
		return
	}
	ev := events.PolicyDecision{
		TenantID:     call.TenantID,
		RunID:        call.RunID,
		RitualID:     call.RitualID,
		Capability:   call.Capability,
		InvocationID: call.InvocationID,
		Allowed:      decision.Allowed(),
		Reason:       decision.Reason,
	}
	if decision.Quota != nil {
		ev.Quota = &events.QuotaUsage{
			Limit:         decision.Quota.Limit,
			WindowSeconds: decision.Quota.WindowSeconds,
			Remaining:     decision.Quota.Remaining,
		}
	}
	if err := e.publisher.Publish(ev); err != nil {
		logging.Error("policy", "failed to publish decision", "invocation_id", call.InvocationID, "error", err)
	}
}
