// Package session holds the authentication state machine for one running
// client instance.
//
// A Store is an explicit, injectable container: tests build their own and
// the agent builds exactly one in main. It exposes a consistent synchronous
// read (Current) and a publish/subscribe interface (Subscribe) that fires
// after each committed mutation that changes the status or the identity's
// role set. Observers see changes in commit order and never see a
// half-applied transition.
//
// Writes are funnelled through three doors:
//   - The Writer, claimed once via ClaimWriter and owned by the credential
//     verifier, drives the login and second-factor transitions
//   - Logout and Acknowledge return the session to anonymous
//   - UpdateIdentity applies profile or role patches for the current
//     identity and silently discards stale ones
//
// State machine:
//
//	anonymous           --BeginAuthentication--> authenticating
//	error               --BeginAuthentication--> authenticating
//	authenticating      --Authenticate---------> authenticated
//	authenticating      --RequireSecondFactor--> pendingSecondFactor
//	authenticating      --Restore--------------> anonymous | error (pre-submit value)
//	pendingSecondFactor --Authenticate---------> authenticated
//	authenticating      --Fail-----------------> error
//	pendingSecondFactor --Fail-----------------> error
//	error               --Acknowledge----------> anonymous
//	any                 --Logout---------------> anonymous
//
// There is no path from anonymous straight to pendingSecondFactor.
//
// Thread Safety: All methods are safe for concurrent use. Observers must not
// call mutating methods synchronously from their callback; hand the work to
// another goroutine instead.
package session
