package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/dashboard"
	"github.com/commongrow/garden-core/internal/notify"
)

// Error is the structured error body.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// Field is set for validation errors.
	Field string `json:"field,omitempty"`

	// Reason is set for rejected logins.
	Reason auth.RejectReason `json:"reason,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeNotFound      = "not_found"
	ErrCodeForbidden     = "forbidden"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeRejected      = "rejected"
	ErrCodeTransient     = "transient"
	ErrCodeLoginInFlight = "login_in_flight"
	ErrCodeInvalidState  = "invalid_state"
	ErrCodeThrottled     = "throttled"
	ErrCodeUnavailable   = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // best-effort write; the client may be gone
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeInternalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
}

// errorFor maps a domain error onto its HTTP shape.
//
//	*auth.ValidationError            400 validation_error
//	*auth.RejectedError              401 rejected
//	auth.ErrTransient                503 transient
//	auth.ErrLoginInFlight            409 login_in_flight
//	auth.ErrInvalidState             409 invalid_state
//	dashboard.ErrNotAuthenticated    409 invalid_state
//	dashboard.ErrNotMultiRole        409 invalid_state
//	dashboard.ErrRoleNotHeld         403 forbidden
//	notify.ErrNotActive              409 invalid_state
//	notify.ErrRefreshThrottled       429 throttled
func errorFor(err error) (Error, bool) {
	var verr *auth.ValidationError
	var rej *auth.RejectedError
	switch {
	case errors.As(err, &verr):
		return Error{Status: http.StatusBadRequest, Code: ErrCodeValidation, Message: verr.Error(), Field: verr.Field}, true
	case errors.As(err, &rej):
		return Error{Status: http.StatusUnauthorized, Code: ErrCodeRejected, Message: rej.Reason.Message(), Reason: rej.Reason}, true
	case errors.Is(err, auth.ErrTransient):
		return Error{Status: http.StatusServiceUnavailable, Code: ErrCodeTransient, Message: "The garden service could not be reached. Try again."}, true
	case errors.Is(err, auth.ErrLoginInFlight):
		return Error{Status: http.StatusConflict, Code: ErrCodeLoginInFlight, Message: err.Error()}, true
	case errors.Is(err, auth.ErrInvalidState),
		errors.Is(err, dashboard.ErrNotAuthenticated),
		errors.Is(err, dashboard.ErrNotMultiRole),
		errors.Is(err, notify.ErrNotActive):
		return Error{Status: http.StatusConflict, Code: ErrCodeInvalidState, Message: err.Error()}, true
	case errors.Is(err, dashboard.ErrRoleNotHeld):
		return Error{Status: http.StatusForbidden, Code: ErrCodeForbidden, Message: err.Error()}, true
	case errors.Is(err, notify.ErrRefreshThrottled):
		return Error{Status: http.StatusTooManyRequests, Code: ErrCodeThrottled, Message: err.Error()}, true
	}
	return Error{}, false
}

// writeDomainError writes err using errorFor, logging anything unmapped.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	if e, ok := errorFor(err); ok {
		writeJSON(w, e.Status, e)
		return
	}
	s.logger.Error("unhandled error",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
		"request_id", r.Context().Value(ctxKeyRequestID),
	)
	writeInternalError(w)
}

// decodeJSON reads a JSON body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
