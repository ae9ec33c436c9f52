package approvals

import (
	"fmt"

	"github.com/ritualos/ritualos/core/infra/events"
)

// ReplayGate folds a gate's ordered audit history into the record it
// describes. Replay mirrors live semantics: the first terminal event wins
// and every later write is a no-op, so replaying a log containing
// redelivered duplicates reproduces the identical terminal state and
// escalation history.
func ReplayGate(history []*events.Envelope) (*GateRecord, error) {
	var gate *GateRecord
	for i, env := range history {
		decoded, err := env.Decode()
		if err != nil {
			return nil, fmt.Errorf("replay event %d: %w", i, err)
		}
		switch ev := decoded.(type) {
		case *events.ApprovalRequested:
			if gate != nil {
				continue
			}
			gate = &GateRecord{
				TenantID:  ev.TenantID,
				RunID:     ev.RunID,
				GateID:    ev.GateID,
				Requester: ev.Requester,
				Reason:    ev.Reason,
				State:     StateRequested,
				CreatedAt: env.OccurredAt,
				UpdatedAt: env.OccurredAt,
			}
		case *events.ApprovalEscalated:
			if gate == nil || gate.State.Terminal() {
				continue
			}
			gate.Escalation = escalationFromSnapshot(ev.Escalation)
			gate.UpdatedAt = env.OccurredAt
		case *events.ApprovalGranted:
			applyTerminal(gate, StateGranted, ev.Approver, ev.Note, env.OccurredAt)
		case *events.ApprovalDenied:
			applyTerminal(gate, StateDenied, ev.Approver, ev.Reason, env.OccurredAt)
		case *events.ApprovalOverride:
			// The paired granted event carries the terminal transition;
			// the override record only annotates it.
			continue
		default:
			continue
		}
	}
	if gate == nil {
		return nil, fmt.Errorf("replay: history contains no gate request")
	}
	return gate, nil
}

func applyTerminal(gate *GateRecord, state GateState, actor, note string, at int64) {
	if gate == nil || gate.State.Terminal() {
		return
	}
	gate.State = state
	gate.ResolvedBy = actor
	gate.Note = note
	gate.ResolvedAt = at
	gate.UpdatedAt = at
}

func escalationFromSnapshot(snap events.EscalationSnapshot) *EscalationState {
	return &EscalationState{
		CurrentLevel:     snap.CurrentLevel,
		TotalLevels:      snap.TotalLevels,
		LevelStartedAt:   snap.LevelStartedAt,
		NextEscalationAt: snap.NextEscalationAt,
		History:          snap.History,
	}
}
