package gateway

import (
	"net/http"
	"strings"
)

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		httpError(w, http.StatusServiceUnavailable, "dlq store unavailable")
		return
	}
	_, limit := parseListParams(r)
	entries, err := s.dlq.List(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		httpError(w, http.StatusServiceUnavailable, "dlq store unavailable")
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		httpError(w, http.StatusBadRequest, "id is required")
		return
	}
	if _, err := s.dlq.Get(r.Context(), id); err != nil {
		httpError(w, http.StatusNotFound, "dlq entry not found")
		return
	}
	if err := s.dlq.Delete(r.Context(), id); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
