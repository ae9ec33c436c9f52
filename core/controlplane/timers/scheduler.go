// Package timers provides durable expiry timers for approval gates. Timers
// are persisted records with deterministic IDs driven by an external
// poller, so expiry survives process restarts and re-scheduling the same
// logical timer is idempotent.
package timers

import (
	"context"
	"fmt"
	"time"

	"github.com/ritualos/ritualos/core/infra/bus"
	"github.com/ritualos/ritualos/core/infra/events"
	"github.com/ritualos/ritualos/core/infra/logging"
)

// Timer purposes.
const (
	PurposeApprovalExpiry = "approval_expiry"
	PurposeEscalationStep = "escalation_step"
)

// Timer is one durable timer record.
type Timer struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	GateID       string `json:"gate_id"`
	Purpose      string `json:"purpose"`
	Level        uint32 `json:"level"`
	ScheduledFor int64  `json:"scheduled_for"`
}

// TimerID derives the deterministic identifier for a gate timer, so
// re-scheduling the same logical timer collapses to one record and one
// timer.scheduled audit event.
func TimerID(runID, gateID, purpose string, level uint32) string {
	return fmt.Sprintf("timer:%s:%s:%s:%d", runID, gateID, purpose, level)
}

// TimerStore persists timers and serves the due set to pollers.
type TimerStore interface {
	// Schedule upserts the timer record; scheduling an existing ID moves
	// its due time rather than creating a second timer.
	Schedule(ctx context.Context, timer Timer) error

	// ListDue returns timers with ScheduledFor <= now, oldest first.
	ListDue(ctx context.Context, now int64, limit int64) ([]Timer, error)

	// Complete removes a fired timer. Completing an unknown ID is a no-op.
	Complete(ctx context.Context, timerID string) error

	// CancelGate removes all pending timers for a gate.
	CancelGate(ctx context.Context, runID, gateID string) error
}

// Scheduler registers gate expiry timers and emits their audit records.
// Level zero arms the plain TTL timer; levels one and up arm escalation
// step timers.
type Scheduler struct {
	store     TimerStore
	publisher bus.Publisher
}

func NewScheduler(store TimerStore, publisher bus.Publisher) *Scheduler {
	return &Scheduler{store: store, publisher: publisher}
}

// ScheduleExpiry arms the expiry timer for a gate level.
func (s *Scheduler) ScheduleExpiry(ctx context.Context, runID, gateID string, level uint32, firesAt time.Time) error {
	purpose := PurposeApprovalExpiry
	if level > 0 {
		purpose = PurposeEscalationStep
	}
	timer := Timer{
		ID:           TimerID(runID, gateID, purpose, level),
		RunID:        runID,
		GateID:       gateID,
		Purpose:      purpose,
		Level:        level,
		ScheduledFor: firesAt.Unix(),
	}
	if err := s.store.Schedule(ctx, timer); err != nil {
		return fmt.Errorf("schedule timer %s: %w", timer.ID, err)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(events.TimerScheduled{
			RunID:        runID,
			TimerID:      timer.ID,
			ScheduledFor: timer.ScheduledFor,
		}); err != nil {
			logging.Error("timers", "failed to publish timer.scheduled", "timer_id", timer.ID, "error", err)
		}
	}
	return nil
}

// CancelGateTimers drops all pending timers for a gate. Best-effort:
// expiry processing rejects timers for resolved gates regardless.
func (s *Scheduler) CancelGateTimers(ctx context.Context, runID, gateID string) error {
	return s.store.CancelGate(ctx, runID, gateID)
}
