package gateway

import (
	"net/http"
	"time"

	"github.com/ritualos/ritualos/core/controlplane/policy"
)

type decideRequest struct {
	TenantID     string `json:"tenant_id"`
	RunID        string `json:"run_id"`
	RitualID     string `json:"ritual_id,omitempty"`
	Capability   string `json:"capability"`
	InvocationID string `json:"invocation_id,omitempty"`
	Now          int64  `json:"now,omitempty"`
}

type decideResponse struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason,omitempty"`
	Quota   *policy.QuotaUsage `json:"quota,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Capability == "" {
		httpError(w, http.StatusBadRequest, "capability is required")
		return
	}
	call := policy.CallContext{
		TenantID:     req.TenantID,
		RunID:        req.RunID,
		RitualID:     req.RitualID,
		Capability:   req.Capability,
		InvocationID: req.InvocationID,
	}
	if req.Now > 0 {
		call.Now = time.Unix(req.Now, 0)
	}
	decision := s.engine.Decide(r.Context(), call)
	writeJSON(w, http.StatusOK, decideResponse{
		Allowed: decision.Allowed(),
		Reason:  decision.Reason,
		Quota:   decision.Quota,
	})
}
