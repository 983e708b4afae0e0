// Package guard decides whether a navigation may proceed.
//
// Decide is a pure function of the session status, the identity's roles and
// the route's required roles. A Guard applies it to the live session on
// every call, resolves paths through a static RouteTable loaded from
// configuration, and offers Watch for pages that must react the moment a
// role is revoked mid-session.
//
// A denial is a Decision, never an error.
package guard
