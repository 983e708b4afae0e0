package auth

import (
	"regexp"
	"strings"
	"time"
)

// emailPattern is a deliberately loose address check: something@host.tld
// with no whitespace. The backend is the authority on deliverability.
var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// maxEmailLength follows the RFC 5321 path limit.
const maxEmailLength = 254

// NormalizeEmail trims and lower-cases an address. Emails are unique
// case-insensitively, so every comparison goes through this.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsValidEmail reports whether email matches basic address syntax.
func IsValidEmail(email string) bool {
	return len(email) <= maxEmailLength && emailPattern.MatchString(email)
}

// Role is one of the four garden roles. It is a closed set: values are
// produced only by the constants below or by ParseRole.
type Role string

const (
	// RoleGardener tends one or more plots. It is also the fallback for
	// role strings this build does not recognise.
	RoleGardener Role = "gardener"

	// RoleVolunteer picks up shared tasks and events.
	RoleVolunteer Role = "volunteer"

	// RoleManager runs a garden: plots, tasks, events, members.
	RoleManager Role = "manager"

	// RoleAdmin administers the whole installation.
	RoleAdmin Role = "admin"
)

// AllRoles lists every role in canonical order.
var AllRoles = []Role{RoleGardener, RoleVolunteer, RoleManager, RoleAdmin}

// IsKnown reports whether r is one of the four defined roles.
func (r Role) IsKnown() bool {
	switch r {
	case RoleGardener, RoleVolunteer, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (r Role) String() string {
	return string(r)
}

// ParseRole maps a raw role string to a Role, case-insensitively.
// Unknown strings map to RoleGardener with ok=false so the caller can log
// the fallback.
func ParseRole(raw string) (role Role, ok bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if r.IsKnown() {
		return r, true
	}
	return RoleGardener, false
}

// ParseRoles converts backend role strings into a RoleSet. Unknown values
// become gardener and are returned in unknown for logging.
func ParseRoles(raw []string) (roles RoleSet, unknown []string) {
	parsed := make([]Role, 0, len(raw))
	for _, s := range raw {
		r, ok := ParseRole(s)
		if !ok {
			unknown = append(unknown, s)
		}
		parsed = append(parsed, r)
	}
	return NewRoleSet(parsed...), unknown
}

// RoleSet is an ordered set of roles. Order is significant: the first
// element is the role assigned first and the default ActiveRole.
type RoleSet []Role

// NewRoleSet builds a RoleSet, dropping duplicates but keeping first-seen order.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, 0, len(roles))
	for _, r := range roles {
		if !set.Contains(r) {
			set = append(set, r)
		}
	}
	return set
}

// Len returns the number of roles.
func (s RoleSet) Len() int {
	return len(s)
}

// Contains reports whether r is in the set.
func (s RoleSet) Contains(r Role) bool {
	for _, v := range s {
		if v == r {
			return true
		}
	}
	return false
}

// Intersects reports whether the two sets share at least one role.
// An empty set intersects nothing.
func (s RoleSet) Intersects(other RoleSet) bool {
	for _, r := range s {
		if other.Contains(r) {
			return true
		}
	}
	return false
}

// First returns the first assigned role, or "" for an empty set.
func (s RoleSet) First() Role {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

// Equal reports whether both sets hold the same roles in the same order.
func (s RoleSet) Equal(other RoleSet) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s RoleSet) Clone() RoleSet {
	if s == nil {
		return nil
	}
	out := make(RoleSet, len(s))
	copy(out, s)
	return out
}

// Strings returns the role names in order.
func (s RoleSet) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// Profile is the display information attached to an Identity. The session
// core never edits it; an external profile editor sends patches.
type Profile struct {
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
}

// Identity is the authenticated principal.
type Identity struct {
	ID      string  `json:"id"`
	Email   string  `json:"email"`
	Roles   RoleSet `json:"roles"`
	Profile Profile `json:"profile"`

	// AccessToken is the bearer credential issued by the backend, if any.
	AccessToken string `json:"-"` // never serialised

	// ExpiresAt is decoded from the access token; zero when unknown.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Clone returns a deep copy so callers cannot alias store state.
func (i Identity) Clone() Identity {
	i.Roles = i.Roles.Clone()
	return i
}

// FactorMethod is a second-factor delivery channel.
type FactorMethod string

const (
	FactorEmail FactorMethod = "email"
	FactorSMS   FactorMethod = "sms"
)

// ParseFactorMethod validates a delivery method name.
func ParseFactorMethod(raw string) (FactorMethod, bool) {
	switch m := FactorMethod(strings.ToLower(strings.TrimSpace(raw))); m {
	case FactorEmail, FactorSMS:
		return m, true
	default:
		return "", false
	}
}

// PendingFactorContext is the partial authentication handed back by the
// backend when a second factor is required.
type PendingFactorContext struct {
	// Token is the partial-auth token; it is only ever sent back to the backend.
	Token  string       `json:"-"` // never serialised
	Method FactorMethod `json:"method"`
	Email  string       `json:"email"`
}

// codePattern matches one-time codes delivered by email or SMS.
var codePattern = regexp.MustCompile(`^[0-9]{4,10}$`)

// IsValidFactorCode reports whether code looks like a one-time code.
func IsValidFactorCode(code string) bool {
	return codePattern.MatchString(code)
}

// ValidateEmail returns a *ValidationError when email is empty or not an
// address.
func ValidateEmail(email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "is required"}
	}
	if !IsValidEmail(email) {
		return &ValidationError{Field: "email", Message: "is not a valid address"}
	}
	return nil
}
