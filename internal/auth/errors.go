package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication flows. Use errors.Is to check them.
var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrRejected matches every *RejectedError.
	ErrRejected = errors.New("authentication rejected")

	// ErrTransient is returned for network failures and timeouts. The
	// session is left as it was so the caller can retry.
	ErrTransient = errors.New("transient failure")

	// ErrLoginInFlight is returned when a login is submitted while another
	// one is still authenticating.
	ErrLoginInFlight = errors.New("login already in progress")

	// ErrInvalidState is returned when an operation is not legal in the
	// current session status.
	ErrInvalidState = errors.New("operation not valid in current session state")
)

// ValidationError reports malformed input caught before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RejectReason is the closed set of reasons a login can be refused.
type RejectReason string

const (
	ReasonInvalidCredentials RejectReason = "invalid_credentials"
	ReasonAccountLocked      RejectReason = "account_locked"
	ReasonUnknown            RejectReason = "unknown"
)

// RejectedError is a terminal refusal for the current attempt.
type RejectedError struct {
	Reason RejectReason
}

func (e *RejectedError) Error() string {
	return "authentication rejected: " + string(e.Reason)
}

// Is makes errors.Is(err, ErrRejected) work.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Message is the user-facing text for a rejection.
func (r RejectReason) Message() string {
	switch r {
	case ReasonInvalidCredentials:
		return "The email or password is incorrect."
	case ReasonAccountLocked:
		return "This account is locked. Contact a garden manager."
	default:
		return "Sign-in failed. Please try again."
	}
}
