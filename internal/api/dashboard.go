package api

import (
	"net/http"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/dashboard"
)

type switchRoleRequest struct {
	Role string `json:"role"`
}

// dashboardResponse is the body of dashboard reads and of
// dashboard.changed events. Plan is nil when nobody is signed in.
type dashboardResponse struct {
	Plan *dashboard.Plan `json:"plan"`
	View dashboard.View  `json:"view"`
}

func dashboardBody(plan dashboard.Plan, ok bool, view dashboard.View) dashboardResponse {
	if !ok {
		return dashboardResponse{View: view}
	}
	return dashboardResponse{Plan: &plan, View: view}
}

func (s *Server) currentDashboard() dashboardResponse {
	plan, ok := s.resolver.Plan()
	return dashboardBody(plan, ok, s.resolver.View())
}

func (s *Server) handleGetDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentDashboard())
}

func (s *Server) handleSwitchRole(w http.ResponseWriter, r *http.Request) {
	var req switchRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		s.writeDomainError(w, r, &auth.ValidationError{Field: "role", Message: "unknown role " + req.Role})
		return
	}
	if err := s.resolver.SwitchRole(role); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.currentDashboard())
}

func (s *Server) handleShowUnified(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.ShowUnified(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.currentDashboard())
}
