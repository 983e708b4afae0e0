package session

import (
	"time"

	"github.com/commongrow/garden-core/internal/auth"
)

// Status is the authentication progress of the session.
type Status string

// Session statuses.
const (
	StatusAnonymous           Status = "anonymous"
	StatusAuthenticating      Status = "authenticating"
	StatusPendingSecondFactor Status = "pendingSecondFactor"
	StatusAuthenticated       Status = "authenticated"
	StatusError               Status = "error"
)

// SessionError is the last failure, present only in StatusError.
type SessionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Session is a snapshot of the state machine. Exactly one of Identity,
// Pending and Err is set, as determined by Status; none is set for
// anonymous and authenticating.
type Session struct {
	Status   Status                     `json:"status"`
	Identity *auth.Identity             `json:"identity,omitempty"`
	Pending  *auth.PendingFactorContext `json:"pending_factor,omitempty"`
	Err      *SessionError              `json:"error,omitempty"`

	// Version increments on every committed mutation.
	Version uint64 `json:"version"`

	// Since is when the session entered its current status.
	Since time.Time `json:"since"`

	// Attempt identifies the login attempt that produced this state. It
	// changes on every BeginAuthentication, so it also scopes anything
	// bound to one authenticated session.
	Attempt uint64 `json:"-"`
}

// IsAuthenticated reports whether an identity is present.
func (s Session) IsAuthenticated() bool {
	return s.Status == StatusAuthenticated && s.Identity != nil
}

// Roles returns the identity's roles, or nil when not authenticated.
func (s Session) Roles() auth.RoleSet {
	if s.Identity == nil {
		return nil
	}
	return s.Identity.Roles
}

// IdentityID returns the identity ID, or "" when not authenticated.
func (s Session) IdentityID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// clone deep-copies the pointer fields so a snapshot never aliases store state.
func (s Session) clone() Session {
	if s.Identity != nil {
		id := s.Identity.Clone()
		s.Identity = &id
	}
	if s.Pending != nil {
		p := *s.Pending
		s.Pending = &p
	}
	if s.Err != nil {
		e := *s.Err
		s.Err = &e
	}
	return s
}

// Change is delivered to observers after a committed mutation.
type Change struct {
	Previous      Session
	Current       Session
	StatusChanged bool
	RolesChanged  bool
}

// IdentityPatch is an external profile or role update. Nil fields are left
// unchanged.
type IdentityPatch struct {
	DisplayName *string      `json:"display_name,omitempty"`
	AvatarRef   *string      `json:"avatar_ref,omitempty"`
	Roles       auth.RoleSet `json:"roles,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p IdentityPatch) IsEmpty() bool {
	return p.DisplayName == nil && p.AvatarRef == nil && p.Roles == nil
}
