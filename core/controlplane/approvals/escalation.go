package approvals

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
)

// ReasonTimeout is recorded on escalation steps driven by level expiry.
const ReasonTimeout = "timeout"

// ProcessExpiry handles a fired expiry timer for a gate. It is safe under
// duplicate and stale delivery: a terminal gate is a no-op, and a timer
// armed for an earlier escalation level is rejected by the level check.
// For a live gate it either advances the escalation chain or, with the
// chain exhausted (or no chain configured), denies the gate as expired.
func (s *Service) ProcessExpiry(ctx context.Context, runID, gateID string, level uint32) error {
	gate, err := s.gates.GetGate(ctx, runID, gateID)
	if errors.Is(err, ErrNotFound) {
		logging.Warn("approvals", "expiry for unknown gate ignored", "run_id", runID, "gate_id", gateID)
		return nil
	}
	if err != nil {
		return err
	}
	if gate.State.Terminal() {
		return nil
	}

	esc := gate.Escalation
	if esc == nil {
		if level != 0 {
			return nil
		}
		return s.expire(ctx, runID, gateID)
	}
	if level != esc.CurrentLevel {
		// Timer from a level the gate has already left.
		return nil
	}
	if esc.CurrentLevel < esc.TotalLevels {
		return s.escalate(ctx, runID, gateID, esc)
	}
	return s.expire(ctx, runID, gateID)
}

// expire applies the timeout denial. Losing the race against a concurrent
// human resolution is fine: the gate's terminal outcome stands either way.
func (s *Service) expire(ctx context.Context, runID, gateID string) error {
	res, err := s.resolve(ctx, runID, gateID, StateDenied, "", ReasonExpired)
	if err != nil {
		if _, ok := AsConflict(err); ok {
			return nil
		}
		return err
	}
	if res.Applied {
		logging.Info("approvals", "gate denied on timeout", "run_id", runID, "gate_id", gateID)
	}
	return nil
}

func (s *Service) escalate(ctx context.Context, runID, gateID string, esc *EscalationState) error {
	now := s.now()
	from := esc.CurrentLevel
	to := from + 1

	history := make([]events.EscalationStep, 0, len(esc.History)+1)
	history = append(history, esc.History...)
	history = append(history, events.EscalationStep{
		FromLevel: from,
		ToLevel:   to,
		Reason:    ReasonTimeout,
		At:        now.Unix(),
	})

	next := &EscalationState{
		CurrentLevel:   to,
		TotalLevels:    esc.TotalLevels,
		LevelStartedAt: now.Unix(),
		Chain:          esc.Chain,
		History:        history,
	}
	timeout := next.Level().TimeoutSeconds
	if timeout > 0 {
		next.NextEscalationAt = now.Add(time.Duration(timeout) * time.Second).Unix()
	}

	applied, _, err := s.gates.UpdateEscalation(ctx, runID, gateID, from, next, now.Unix())
	if err != nil {
		return err
	}
	if !applied {
		// A human resolution or competing worker advanced the gate first.
		return nil
	}

	if timeout > 0 && s.timers != nil {
		s.scheduleTimer(ctx, runID, gateID, to, time.Unix(next.NextEscalationAt, 0))
	}
	s.metrics.IncEscalations(strconv.FormatUint(uint64(to), 10))
	s.publish(events.ApprovalEscalated{
		RunID:      runID,
		GateID:     gateID,
		FromLevel:  from,
		ToLevel:    to,
		Reason:     ReasonTimeout,
		Escalation: next.Snapshot(),
	})
	logging.Info("approvals", "gate escalated",
		"run_id", runID, "gate_id", gateID, "from_level", from, "to_level", to)
	return nil
}
