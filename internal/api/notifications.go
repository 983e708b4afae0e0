package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.channel.Snapshot())
}

// handleRefreshNotifications runs an on-demand pull and returns the
// resulting snapshot.
func (s *Server) handleRefreshNotifications(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.Refresh(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.channel.Snapshot())
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	changed := s.channel.MarkRead(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"changed": changed,
		"unread":  s.channel.UnreadCount(),
	})
}
