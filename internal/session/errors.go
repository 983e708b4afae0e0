package session

import (
	"errors"
	"fmt"
)

// Domain-specific errors for session transitions.
var (
	// ErrInvalidTransition is returned when a mutation is not allowed from
	// the current status. The store is left untouched.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrStaleAttempt is returned when a writer call refers to a login
	// attempt that has since been superseded (by logout or a newer submit).
	ErrStaleAttempt = fmt.Errorf("%w: login attempt superseded", ErrInvalidTransition)

	// ErrWriterClaimed is returned when the transition writer has already
	// been handed out.
	ErrWriterClaimed = errors.New("session writer already claimed")

	// ErrEmptyRoles is returned when an identity would be stored without roles.
	ErrEmptyRoles = errors.New("identity must hold at least one role")
)
