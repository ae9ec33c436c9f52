package gateway

import (
	"errors"
	"net/http"

	"github.com/ritualos/ritualos/core/controlplane/approvals"
)

type requestApprovalRequest struct {
	TenantID  string `json:"tenant_id"`
	RunID     string `json:"run_id"`
	GateID    string `json:"gate_id"`
	Requester string `json:"requester"`
	Reason    string `json:"reason,omitempty"`
}

type resolveRequest struct {
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type resolutionResponse struct {
	Applied bool                  `json:"applied"`
	Gate    *approvals.GateRecord `json:"gate"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var req requestApprovalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RunID == "" || req.GateID == "" || req.Requester == "" {
		httpError(w, http.StatusBadRequest, "run_id, gate_id and requester are required")
		return
	}
	gate, created, err := s.approvals.Request(r.Context(), approvals.RequestInput{
		TenantID:  req.TenantID,
		RunID:     req.RunID,
		GateID:    req.GateID,
		Requester: req.Requester,
		Reason:    req.Reason,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, gate)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	cursor, limit := parseListParams(r)
	gates, err := s.approvals.ListPending(r.Context(), cursor, limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var nextCursor int64
	if int64(len(gates)) == limit && len(gates) > 0 {
		nextCursor = gates[len(gates)-1].UpdatedAt - 1
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":   gates,
		"next_cursor": nextCursor,
	})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	gate, err := s.approvals.Get(r.Context(), r.PathValue("run_id"), r.PathValue("gate_id"))
	if err != nil {
		s.writeResolutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gate)
}

func (s *Server) handleGetTransitions(w http.ResponseWriter, r *http.Request) {
	transitions, err := s.approvals.Transitions(r.Context(), r.PathValue("run_id"), r.PathValue("gate_id"))
	if err != nil {
		s.writeResolutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approver == "" {
		httpError(w, http.StatusBadRequest, "approver is required")
		return
	}
	res, err := s.approvals.Grant(r.Context(), r.PathValue("run_id"), r.PathValue("gate_id"), req.Approver, req.Note)
	s.writeResolution(w, res, err)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approver == "" {
		httpError(w, http.StatusBadRequest, "approver is required")
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Note
	}
	res, err := s.approvals.Deny(r.Context(), r.PathValue("run_id"), r.PathValue("gate_id"), req.Approver, reason)
	s.writeResolution(w, res, err)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approver == "" {
		httpError(w, http.StatusBadRequest, "approver is required")
		return
	}
	res, err := s.approvals.Override(r.Context(), r.PathValue("run_id"), r.PathValue("gate_id"), req.Approver, req.Note)
	s.writeResolution(w, res, err)
}

// writeResolution maps resolution outcomes to status codes: an applied or
// idempotent-duplicate resolution is 200, a competing decision is 409 with
// the recorded outcome attached.
func (s *Server) writeResolution(w http.ResponseWriter, res *approvals.Resolution, err error) {
	if err != nil {
		s.writeResolutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionResponse{Applied: res.Applied, Gate: res.Gate})
}

func (s *Server) writeResolutionError(w http.ResponseWriter, err error) {
	if conflict, ok := approvals.AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "gate already resolved",
			"existing": conflict.Existing,
		})
		return
	}
	if errors.Is(err, approvals.ErrNotFound) {
		httpError(w, http.StatusNotFound, "approval gate not found")
		return
	}
	if errors.Is(err, approvals.ErrOverrideForbidden) {
		httpError(w, http.StatusForbidden, err.Error())
		return
	}
	httpError(w, http.StatusInternalServerError, err.Error())
}
