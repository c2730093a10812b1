package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sensemap/sensemap-core/internal/apperr"
	"github.com/sensemap/sensemap-core/internal/audit"
)

// handleListAuditLogs returns the paginated audit trail of one box.
//
// Query parameters:
//   - action: filter by action (box.create, box.update, firmware.render, ...)
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		s.writeError(w, r, apperr.New(apperr.Internal, "audit logging not configured"))
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: "box",
		EntityID:   chi.URLParam(r, "boxId"),
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
