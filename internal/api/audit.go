package api

import (
	"net/http"
	"strconv"

	"github.com/commongrow/garden-core/internal/audit"
	"github.com/commongrow/garden-core/internal/session"
)

// handleListAudit pages the session transition trail, newest first.
//
// Query: identity_id, status, limit (default 50, max 200), offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit trail is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		IdentityID: q.Get("identity_id"),
		Status:     session.Status(q.Get("status")),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
