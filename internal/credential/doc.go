// Package credential implements the credential verifier: the only
// component that drives the session through login and second-factor
// completion.
//
// The verifier claims the session store's single Writer when it is
// created. Input is validated before any network call; backend refusals
// move the session to error; transport failures and timeouts leave the
// session exactly as it was before the call and return auth.ErrTransient
// so the caller can retry.
package credential
