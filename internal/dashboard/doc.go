// Package dashboard decides which dashboard a signed-in identity sees.
//
// Compose is pure: the same identity and view always yield the same Plan.
// A single-role identity gets that role's variant. A multi-role identity
// defaults to a unified plan with one summary card per held role, and can
// toggle to any one role's variant; that role is the ActiveRole.
//
// Resolver tracks the ActiveRole and view mode for the live session,
// recomposes when the session's roles change or the user switches role,
// and publishes the new Plan. It never writes to the session store.
package dashboard
