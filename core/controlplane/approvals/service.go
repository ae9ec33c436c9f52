package approvals

import (
	"context"
	"time"

	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
	"github.com/ritualos/ritualos/core/infra/metrics"
)

const fallbackTTL = time.Hour

// Service drives approval gates through their lifecycle. State is applied
// to the store first; the audit event is published afterwards with a
// deterministic dedup key, so a crash between the two is healed by retry
// without double effect.
type Service struct {
	gates     GateStore
	timers    TimerScheduler
	publisher bus.Publisher
	cfg       config.ApprovalConfig
	metrics   metrics.Metrics
	ttl       time.Duration
	now       func() time.Time
}

// NewService wires the approval lifecycle. defaultTTL applies to gates
// without an escalation chain when the bundle sets no default.
func NewService(gates GateStore, timers TimerScheduler, publisher bus.Publisher, cfg config.ApprovalConfig, m metrics.Metrics, defaultTTL time.Duration) *Service {
	ttl := defaultTTL
	if cfg.DefaultTTLSeconds > 0 {
		ttl = time.Duration(cfg.DefaultTTLSeconds) * time.Second
	}
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Service{
		gates:     gates,
		timers:    timers,
		publisher: publisher,
		cfg:       cfg,
		metrics:   m,
		ttl:       ttl,
		now:       time.Now,
	}
}

// RequestInput describes a gate creation call.
type RequestInput struct {
	TenantID  string
	RunID     string
	GateID    string
	Requester string
	Reason    string
}

// Request creates an approval gate and arms its first expiry timer. A
// duplicate request for an existing key is an idempotent no-op returning
// the stored record, tolerating at-least-once delivery of the request.
func (s *Service) Request(ctx context.Context, in RequestInput) (*GateRecord, bool, error) {
	now := s.now()
	record := GateRecord{
		TenantID:  in.TenantID,
		RunID:     in.RunID,
		GateID:    in.GateID,
		Requester: in.Requester,
		Reason:    in.Reason,
		State:     StateRequested,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	}

	if chain := s.cfg.ChainFor(in.TenantID, in.GateID); len(chain) > 0 {
		esc := &EscalationState{
			CurrentLevel:   1,
			TotalLevels:    uint32(len(chain)),
			LevelStartedAt: now.Unix(),
			Chain:          chain,
		}
		if timeout := chain[0].TimeoutSeconds; timeout > 0 {
			esc.NextEscalationAt = now.Add(time.Duration(timeout) * time.Second).Unix()
		}
		record.Escalation = esc
	}

	created, existing, err := s.gates.CreateGate(ctx, record)
	if err != nil {
		return nil, false, err
	}
	if !created {
		logging.Info("approvals", "duplicate gate request ignored", "run_id", in.RunID, "gate_id", in.GateID)
		return existing, false, nil
	}

	s.armInitialTimer(ctx, &record, now)
	s.metrics.IncGateRequested(in.TenantID)
	s.publish(events.ApprovalRequested{
		TenantID:  in.TenantID,
		RunID:     in.RunID,
		GateID:    in.GateID,
		Requester: in.Requester,
		Reason:    in.Reason,
	})
	return &record, true, nil
}

func (s *Service) armInitialTimer(ctx context.Context, record *GateRecord, now time.Time) {
	if s.timers == nil {
		return
	}
	if esc := record.Escalation; esc != nil {
		if esc.NextEscalationAt == 0 {
			// Single-level chain with no timeout: resolution is human-only.
			return
		}
		s.scheduleTimer(ctx, record.RunID, record.GateID, esc.CurrentLevel, time.Unix(esc.NextEscalationAt, 0))
		return
	}
	s.scheduleTimer(ctx, record.RunID, record.GateID, 0, now.Add(s.ttl))
}

func (s *Service) scheduleTimer(ctx context.Context, runID, gateID string, level uint32, firesAt time.Time) {
	if err := s.timers.ScheduleExpiry(ctx, runID, gateID, level, firesAt); err != nil {
		logging.Error("approvals", "failed to schedule expiry timer",
			"run_id", runID, "gate_id", gateID, "level", level, "error", err)
	}
}

// Grant resolves a gate as approved.
func (s *Service) Grant(ctx context.Context, runID, gateID, approver, note string) (*Resolution, error) {
	return s.resolve(ctx, runID, gateID, StateGranted, approver, note)
}

// Deny resolves a gate as rejected.
func (s *Service) Deny(ctx context.Context, runID, gateID, approver, reason string) (*Resolution, error) {
	return s.resolve(ctx, runID, gateID, StateDenied, approver, reason)
}

// Override force-grants a gate whose current escalation level permits
// emergency override. It routes through the normal resolution path, so
// first-writer-wins and idempotency hold, and additionally emits an
// override audit event.
func (s *Service) Override(ctx context.Context, runID, gateID, approver, note string) (*Resolution, error) {
	gate, err := s.gates.GetGate(ctx, runID, gateID)
	if err != nil {
		return nil, err
	}
	if !gate.State.Terminal() && !gate.Escalation.OverrideAllowed() {
		return nil, ErrOverrideForbidden
	}
	var level uint32
	if gate.Escalation != nil {
		level = gate.Escalation.CurrentLevel
	}

	res, err := s.resolve(ctx, runID, gateID, StateGranted, approver, note)
	if err != nil {
		return nil, err
	}
	if res.Applied {
		s.publish(events.ApprovalOverride{
			RunID:         runID,
			GateID:        gateID,
			Approver:      approver,
			OverrideLevel: level,
			Note:          note,
			Escalation:    res.Gate.Escalation.Snapshot(),
		})
	}
	return res, nil
}

// resolve applies the first-writer-wins transition. A losing duplicate of
// the recorded decision is an idempotent success even when notes differ;
// a losing different decision is a conflict carrying the recorded outcome.
func (s *Service) resolve(ctx context.Context, runID, gateID string, terminal GateState, actor, note string) (*Resolution, error) {
	applied, current, err := s.gates.ResolveGate(ctx, runID, gateID, terminal, actor, note, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if !applied {
		if current.State == terminal {
			return &Resolution{Applied: false, Gate: current}, nil
		}
		return nil, &ConflictError{Existing: current}
	}

	if s.timers != nil {
		if err := s.timers.CancelGateTimers(ctx, runID, gateID); err != nil {
			// A leaked timer is harmless: expiry processing checks the
			// gate's terminal state before acting.
			logging.Warn("approvals", "failed to cancel gate timers",
				"run_id", runID, "gate_id", gateID, "error", err)
		}
	}

	switch terminal {
	case StateGranted:
		s.metrics.IncGateResolved(string(StateGranted))
		s.publish(events.ApprovalGranted{RunID: runID, GateID: gateID, Approver: actor, Note: note})
	case StateDenied:
		outcome := string(StateDenied)
		if actor == "" && note == ReasonExpired {
			outcome = ReasonExpired
		}
		s.metrics.IncGateResolved(outcome)
		s.publish(events.ApprovalDenied{RunID: runID, GateID: gateID, Approver: actor, Reason: note})
	}
	return &Resolution{Applied: true, Gate: current}, nil
}

// Get returns the stored gate record.
func (s *Service) Get(ctx context.Context, runID, gateID string) (*GateRecord, error) {
	return s.gates.GetGate(ctx, runID, gateID)
}

// ListPending pages unresolved gates, most recently updated first.
func (s *Service) ListPending(ctx context.Context, cursor, limit int64) ([]GateRecord, error) {
	return s.gates.ListGatesByState(ctx, StateRequested, cursor, limit)
}

// Transitions returns the gate's transition log.
func (s *Service) Transitions(ctx context.Context, runID, gateID string) ([]Transition, error) {
	return s.gates.ListTransitions(ctx, runID, gateID)
}

func (s *Service) publish(ev events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ev); err != nil {
		logging.Error("approvals", "failed to publish audit event",
			"dedup_key", ev.DedupKey(), "error", err)
	}
}
