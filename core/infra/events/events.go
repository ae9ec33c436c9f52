// Package events defines the closed set of audit events published to the
// durable log. Every event carries a deterministic dedup key so that
// redelivery of the same logical transition never duplicates its effect.
package events

import (
	"fmt"
	"strconv"
)

// Event type names, versioned. The version suffix is part of the wire type.
const (
	TypePolicyDecision    = "policy.decision:v1"
	TypeApprovalRequested = "approval.requested:v1"
	TypeApprovalGranted   = "approval.granted:v1"
	TypeApprovalDenied    = "approval.denied:v1"
	TypeApprovalEscalated = "approval.escalated:v1"
	TypeApprovalOverride  = "approval.override:v1"
	TypeTimerScheduled    = "timer.scheduled:v1"
)

// NATS subjects, one per event type, all under the audit stream.
const (
	SubjectPolicyDecision    = "audit.policy.decision"
	SubjectApprovalRequested = "audit.approval.requested"
	SubjectApprovalGranted   = "audit.approval.granted"
	SubjectApprovalDenied    = "audit.approval.denied"
	SubjectApprovalEscalated = "audit.approval.escalated"
	SubjectApprovalOverride  = "audit.approval.override"
	SubjectTimerScheduled    = "audit.timer.scheduled"

	// SubjectAuditAll matches every audit subject; used by stream config and taps.
	SubjectAuditAll = "audit.>"
)

// Event is one audit record. Implementations form a closed set; unknown
// types are rejected at the envelope codec.
type Event interface {
	EventType() string
	Subject() string
	DedupKey() string
}

// QuotaUsage reports the quota consulted for a decision.
type QuotaUsage struct {
	Limit         uint64 `json:"limit"`
	WindowSeconds uint64 `json:"window_seconds"`
	Remaining     uint64 `json:"remaining"`
}

// EscalationSnapshot is the escalation state attached to escalation and
// override events.
type EscalationSnapshot struct {
	CurrentLevel             uint32           `json:"current_level"`
	TotalLevels              uint32           `json:"total_levels"`
	LevelStartedAt           int64            `json:"level_started_at"`
	NextEscalationAt         int64            `json:"next_escalation_at,omitempty"`
	EmergencyOverrideAllowed bool             `json:"emergency_override_allowed"`
	History                  []EscalationStep `json:"history,omitempty"`
}

// EscalationStep is one recorded level transition.
type EscalationStep struct {
	FromLevel uint32 `json:"from_level"`
	ToLevel   uint32 `json:"to_level"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

// PolicyDecision records one capability policy evaluation.
type PolicyDecision struct {
	TenantID     string      `json:"tenant_id"`
	RunID        string      `json:"run_id"`
	RitualID     string      `json:"ritual_id,omitempty"`
	Capability   string      `json:"capability"`
	InvocationID string      `json:"invocation_id"`
	Allowed      bool        `json:"allowed"`
	Reason       string      `json:"reason,omitempty"`
	Quota        *QuotaUsage `json:"quota,omitempty"`
}

func (e PolicyDecision) EventType() string { return TypePolicyDecision }
func (e PolicyDecision) Subject() string   { return SubjectPolicyDecision }
func (e PolicyDecision) DedupKey() string {
	return "policy.decision:" + e.InvocationID
}

// ApprovalRequested records gate creation.
type ApprovalRequested struct {
	TenantID  string `json:"tenant_id"`
	RunID     string `json:"run_id"`
	GateID    string `json:"gate_id"`
	Requester string `json:"requester"`
	Reason    string `json:"reason,omitempty"`
}

func (e ApprovalRequested) EventType() string { return TypeApprovalRequested }
func (e ApprovalRequested) Subject() string   { return SubjectApprovalRequested }
func (e ApprovalRequested) DedupKey() string {
	return "approval.requested:" + e.RunID + ":" + e.GateID
}

// ApprovalGranted records a terminal grant. One per gate, ever.
type ApprovalGranted struct {
	RunID    string `json:"run_id"`
	GateID   string `json:"gate_id"`
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
}

func (e ApprovalGranted) EventType() string { return TypeApprovalGranted }
func (e ApprovalGranted) Subject() string   { return SubjectApprovalGranted }
func (e ApprovalGranted) DedupKey() string {
	return "approval.granted:" + e.RunID + ":" + e.GateID
}

// ApprovalDenied records a terminal denial, human or timeout driven.
type ApprovalDenied struct {
	RunID    string `json:"run_id"`
	GateID   string `json:"gate_id"`
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (e ApprovalDenied) EventType() string { return TypeApprovalDenied }
func (e ApprovalDenied) Subject() string   { return SubjectApprovalDenied }
func (e ApprovalDenied) DedupKey() string {
	return "approval.denied:" + e.RunID + ":" + e.GateID
}

// ApprovalEscalated records an escalation level advance.
type ApprovalEscalated struct {
	RunID      string             `json:"run_id"`
	GateID     string             `json:"gate_id"`
	FromLevel  uint32             `json:"from_level"`
	ToLevel    uint32             `json:"to_level"`
	Reason     string             `json:"reason"`
	Escalation EscalationSnapshot `json:"escalation_state"`
}

func (e ApprovalEscalated) EventType() string { return TypeApprovalEscalated }
func (e ApprovalEscalated) Subject() string   { return SubjectApprovalEscalated }
func (e ApprovalEscalated) DedupKey() string {
	return "approval.escalated:" + e.RunID + ":" + e.GateID + ":" + strconv.FormatUint(uint64(e.ToLevel), 10)
}

// ApprovalOverride records an emergency override. Emitted alongside the
// granted event for audit distinctness.
type ApprovalOverride struct {
	RunID         string             `json:"run_id"`
	GateID        string             `json:"gate_id"`
	Approver      string             `json:"approver"`
	OverrideLevel uint32             `json:"override_level"`
	Note          string             `json:"note,omitempty"`
	Escalation    EscalationSnapshot `json:"escalation_state"`
}

func (e ApprovalOverride) EventType() string { return TypeApprovalOverride }
func (e ApprovalOverride) Subject() string   { return SubjectApprovalOverride }
func (e ApprovalOverride) DedupKey() string {
	return "approval.override:" + e.RunID + ":" + e.GateID
}

// TimerScheduled records a durable timer registration.
type TimerScheduled struct {
	RunID        string `json:"run_id"`
	TimerID      string `json:"timer_id"`
	ScheduledFor int64  `json:"scheduled_for"`
}

func (e TimerScheduled) EventType() string { return TypeTimerScheduled }
func (e TimerScheduled) Subject() string   { return SubjectTimerScheduled }
func (e TimerScheduled) DedupKey() string {
	return "timer.scheduled:" + e.TimerID
}

func newByType(eventType string) (Event, error) {
	switch eventType {
	case TypePolicyDecision:
		return &PolicyDecision{}, nil
	case TypeApprovalRequested:
		return &ApprovalRequested{}, nil
	case TypeApprovalGranted:
		return &ApprovalGranted{}, nil
	case TypeApprovalDenied:
		return &ApprovalDenied{}, nil
	case TypeApprovalEscalated:
		return &ApprovalEscalated{}, nil
	case TypeApprovalOverride:
		return &ApprovalOverride{}, nil
	case TypeTimerScheduled:
		return &TimerScheduled{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
}
