package approvals

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates an unknown (runID, gateID) key.
var ErrNotFound = errors.New("approval gate not found")

// ErrOverrideForbidden indicates the gate's current escalation level does
// not permit emergency override.
var ErrOverrideForbidden = errors.New("emergency override not permitted at current level")

// ConflictError reports a resolution attempt that conflicts with an
// already-recorded terminal outcome. Existing carries that outcome so
// callers can surface it.
type ConflictError struct {
	Existing *GateRecord
}

func (e *ConflictError) Error() string {
	if e == nil || e.Existing == nil {
		return "approval gate already resolved"
	}
	return fmt.Sprintf("approval gate %s already %s by %s",
		e.Existing.Key(), e.Existing.State, e.Existing.ResolvedBy)
}

// AsConflict extracts a ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
