package api

import (
	"net/http"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/credential"
	"github.com/commongrow/garden-core/internal/session"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type secondFactorRequest struct {
	Code string `json:"code"`
}

type factorMethodRequest struct {
	Method string `json:"method"`
}

type profilePatchRequest struct {
	IdentityID  string   `json:"identity_id"`
	DisplayName *string  `json:"display_name"`
	AvatarRef   *string  `json:"avatar_ref"`
	Roles       []string `json:"roles"`
}

// outcomeResponse pairs a verifier outcome with the session it produced.
type outcomeResponse struct {
	Outcome credential.Outcome `json:"outcome"`
	Session session.Session    `json:"session"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Current())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := s.verifier.Submit(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome, Session: s.store.Current()})
}

func (s *Server) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	var req secondFactorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome, err := s.verifier.CompleteSecondFactor(r.Context(), req.Code)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeResponse{Outcome: outcome, Session: s.store.Current()})
}

func (s *Server) handleFactorMethod(w http.ResponseWriter, r *http.Request) {
	var req factorMethodRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.verifier.ChooseFactorMethod(r.Context(), req.Method); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Current())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	changed := s.verifier.Logout(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"logged_out": changed,
		"session":    s.store.Current(),
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.verifier.Acknowledge(); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.Current())
}

// handleProfilePatch applies an external profile or role update. Patches
// for an identity that is no longer signed in are reported as not applied.
func (s *Server) handleProfilePatch(w http.ResponseWriter, r *http.Request) {
	var req profilePatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IdentityID == "" {
		req.IdentityID = s.store.Current().IdentityID()
	}

	patch := session.IdentityPatch{DisplayName: req.DisplayName, AvatarRef: req.AvatarRef}
	if req.Roles != nil {
		roles, unknown := auth.ParseRoles(req.Roles)
		if len(unknown) > 0 {
			s.writeDomainError(w, r, &auth.ValidationError{Field: "roles", Message: "unknown role " + unknown[0]})
			return
		}
		if roles.Len() == 0 {
			s.writeDomainError(w, r, &auth.ValidationError{Field: "roles", Message: "must not be empty"})
			return
		}
		patch.Roles = roles
	}

	applied := s.store.UpdateIdentity(req.IdentityID, patch)
	writeJSON(w, http.StatusOK, map[string]any{
		"applied": applied,
		"session": s.store.Current(),
	})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeBadRequest(w, "path query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     path,
		"decision": s.guard.CanNavigate(path),
	})
}

// handleListRoutes lists the protected prefixes so a UI can hide links the
// active role cannot follow.
func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.guard.Routes()})
}
