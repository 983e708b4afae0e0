// Package auth defines who a Garden Core user is and how authentication
// can fail.
//
// It provides:
//   - A closed Role variant (gardener, volunteer, manager, admin) with an
//     explicit, reported fallback to gardener for unrecognised role strings
//   - RoleSet, an ordered role set whose first element is the role assigned
//     first at authentication time
//   - Identity, PendingFactorContext and second-factor delivery methods
//   - The error taxonomy shared by the verifier, the local API and the
//     notification channel (ValidationError, RejectedError, ErrTransient)
//   - A static role-permission mapping (compile-time, no backend lookup)
//   - Unverified decoding of backend access-token claims
//
// Nothing in this package performs I/O.
package auth
