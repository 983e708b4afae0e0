// Package backend is the HTTP client for the garden backend's auth and
// notification endpoints.
//
// Endpoints used:
//
//	POST /api/auth/login              {email, password}
//	POST /api/auth/2fa/verify         {pendingFactorContext, code}
//	POST /api/auth/2fa/method         {pendingFactorContext, method}
//	POST /api/auth/logout
//	GET  /api/notifications?limit=N   {data:{activities:[...]}}
//	POST /api/notifications/{id}/read
//
// Failures are returned in the auth error taxonomy: credential refusals as
// *auth.RejectedError, network failures, timeouts and 5xx responses wrapped
// around auth.ErrTransient. Every request carries a fresh X-Request-ID.
package backend
