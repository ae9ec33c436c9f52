// Package approvals owns the per-(run, gate) approval lifecycle: creation,
// first-writer-wins resolution, timer-driven escalation and emergency
// override. Every transition is emitted to the audit log with a
// deterministic dedup key, so at-least-once delivery never duplicates a
// transition's effect.
package approvals

import (
	"context"
	"time"

	"github.com/ritualos/ritualos/core/infra/config"
	"github.com/ritualos/ritualos/core/infra/events"
)

// GateState is the lifecycle state of an approval gate. Granted and denied
// are terminal; no transition ever leaves a terminal state.
type GateState string

const (
	StateRequested GateState = "requested"
	StateGranted   GateState = "granted"
	StateDenied    GateState = "denied"
)

// Terminal reports whether the state accepts no further transitions.
func (s GateState) Terminal() bool {
	return s == StateGranted || s == StateDenied
}

// ReasonExpired is the denial reason recorded when a gate times out.
const ReasonExpired = "expired"

// EscalationState tracks a gate's position in its escalation chain. The
// chain itself is snapshotted at gate creation so later config changes and
// event replay cannot disagree about level semantics.
type EscalationState struct {
	CurrentLevel     uint32                   `json:"current_level"`
	TotalLevels      uint32                   `json:"total_levels"`
	LevelStartedAt   int64                    `json:"level_started_at"`
	NextEscalationAt int64                    `json:"next_escalation_at,omitempty"`
	Chain            []config.EscalationLevel `json:"chain"`
	History          []events.EscalationStep  `json:"history,omitempty"`
}

// Level returns the definition of the current level.
func (e *EscalationState) Level() config.EscalationLevel {
	if e == nil || e.CurrentLevel == 0 || int(e.CurrentLevel) > len(e.Chain) {
		return config.EscalationLevel{}
	}
	return e.Chain[e.CurrentLevel-1]
}

// OverrideAllowed reports whether the current level permits emergency override.
func (e *EscalationState) OverrideAllowed() bool {
	return e != nil && e.Level().EmergencyOverride
}

// Snapshot converts the state to its audit event form.
func (e *EscalationState) Snapshot() events.EscalationSnapshot {
	if e == nil {
		return events.EscalationSnapshot{}
	}
	return events.EscalationSnapshot{
		CurrentLevel:             e.CurrentLevel,
		TotalLevels:              e.TotalLevels,
		LevelStartedAt:           e.LevelStartedAt,
		NextEscalationAt:         e.NextEscalationAt,
		EmergencyOverrideAllowed: e.OverrideAllowed(),
		History:                  e.History,
	}
}

// GateRecord is the stored form of one approval gate.
type GateRecord struct {
	TenantID   string           `json:"tenant_id"`
	RunID      string           `json:"run_id"`
	GateID     string           `json:"gate_id"`
	Requester  string           `json:"requester"`
	Reason     string           `json:"reason,omitempty"`
	State      GateState        `json:"state"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	ResolvedAt int64            `json:"resolved_at,omitempty"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
	Escalation *EscalationState `json:"escalation,omitempty"`
}

// Key returns the gate's composite key.
func (g *GateRecord) Key() string { return g.RunID + ":" + g.GateID }

// Transition is one entry in a gate's append-only transition log.
type Transition struct {
	At    int64  `json:"at"`
	State string `json:"state"`
	Actor string `json:"actor,omitempty"`
}

// Resolution is the outcome of a resolve attempt. Applied false means an
// earlier writer already made the gate terminal; Gate carries that outcome.
type Resolution struct {
	Applied bool
	Gate    *GateRecord
}

// GateStore persists gates with per-key atomic check-and-update. All
// mutation methods must be linearizable per (runID, gateID) and must never
// take a lock spanning unrelated gates.
type GateStore interface {
	// CreateGate inserts a gate in StateRequested. When the key already
	// exists, created is false and existing carries the stored record.
	CreateGate(ctx context.Context, record GateRecord) (created bool, existing *GateRecord, err error)

	// GetGate returns the stored record or ErrNotFound.
	GetGate(ctx context.Context, runID, gateID string) (*GateRecord, error)

	// ResolveGate transitions a requested gate to terminal. The first
	// writer wins: applied reports whether this call made the transition,
	// and current is the record after the call either way.
	ResolveGate(ctx context.Context, runID, gateID string, terminal GateState, actor, note string, at int64) (applied bool, current *GateRecord, err error)

	// UpdateEscalation replaces the gate's escalation state, guarded by
	// the expected current level and the gate being non-terminal.
	UpdateEscalation(ctx context.Context, runID, gateID string, expectedLevel uint32, esc *EscalationState, at int64) (applied bool, current *GateRecord, err error)

	// ListGatesByState pages gates in the given state, most recently
	// updated first. A zero cursor starts from the newest record.
	ListGatesByState(ctx context.Context, state GateState, cursor int64, limit int64) ([]GateRecord, error)

	// ListTransitions returns the gate's transition log, oldest first.
	ListTransitions(ctx context.Context, runID, gateID string) ([]Transition, error)
}

// TimerScheduler registers and cancels durable expiry timers for gates.
type TimerScheduler interface {
	ScheduleExpiry(ctx context.Context, runID, gateID string, level uint32, firesAt time.Time) error
	CancelGateTimers(ctx context.Context, runID, gateID string) error
}
