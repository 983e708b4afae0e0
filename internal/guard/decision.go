package guard

import (
	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/session"
)

// Decision is the outcome of a navigation check.
type Decision string

// Decisions.
const (
	Allow           Decision = "allow"
	RedirectToLogin Decision = "redirect_to_login"
	RedirectToHome  Decision = "redirect_to_home"
)

// Decide evaluates one navigation.
//
//   - Unprotected routes are always allowed.
//   - Without an authenticated identity, protected routes redirect to login.
//   - An authenticated identity enters a route with no required roles, or
//     one whose required roles intersect its own; otherwise it goes home.
//
// An identity with an empty role set satisfies no non-empty requirement.
func Decide(s session.Session, required auth.RoleSet, protected bool) Decision {
	if !protected {
		return Allow
	}
	if !s.IsAuthenticated() {
		return RedirectToLogin
	}
	if required.Len() == 0 {
		return Allow
	}
	if s.Identity.Roles.Intersects(required) {
		return Allow
	}
	return RedirectToHome
}
