package session

import (
	"errors"
	"fmt"

	"github.com/commongrow/garden-core/internal/auth"
)

// Internal abort signals for apply. They never escape the package.
var (
	errUnchanged  = errors.New("unchanged")
	errStalePatch = errors.New("stale identity patch")
)

// Attempt is returned by BeginAuthentication. Its ID must accompany every
// later call for the same login flow; Previous is the pre-submit session
// used by Restore.
type Attempt struct {
	ID       uint64
	Previous Session
}

// Writer drives the login and second-factor transitions. There is exactly
// one per Store; see Store.ClaimWriter.
type Writer struct {
	store *Store
}

// BeginAuthentication moves anonymous or error to authenticating.
// It returns auth.ErrLoginInFlight if a login is already authenticating,
// and ErrInvalidTransition from pendingSecondFactor or authenticated.
func (w *Writer) BeginAuthentication() (Attempt, error) {
	var attempt Attempt
	_, err := w.store.apply("begin_authentication", func(cur Session) (Session, error) {
		switch cur.Status {
		case StatusAnonymous, StatusError:
		case StatusAuthenticating:
			return cur, auth.ErrLoginInFlight
		default:
			return cur, fmt.Errorf("%w: begin from %s", ErrInvalidTransition, cur.Status)
		}
		w.store.attempts++
		attempt = Attempt{ID: w.store.attempts, Previous: cur}
		return Session{Status: StatusAuthenticating, Attempt: attempt.ID}, nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return attempt, nil
}

// RequireSecondFactor moves authenticating to pendingSecondFactor.
func (w *Writer) RequireSecondFactor(attemptID uint64, pending auth.PendingFactorContext) error {
	_, err := w.store.apply("require_second_factor", func(cur Session) (Session, error) {
		if err := checkAttempt(cur, attemptID, StatusAuthenticating); err != nil {
			return cur, err
		}
		return Session{Status: StatusPendingSecondFactor, Pending: &pending, Attempt: attemptID}, nil
	})
	return err
}

// Authenticate moves authenticating or pendingSecondFactor to
// authenticated. The identity must hold at least one role.
func (w *Writer) Authenticate(attemptID uint64, identity auth.Identity) error {
	if identity.Roles.Len() == 0 {
		return ErrEmptyRoles
	}
	id := identity.Clone()
	_, err := w.store.apply("authenticate", func(cur Session) (Session, error) {
		if err := checkAttempt(cur, attemptID, StatusAuthenticating, StatusPendingSecondFactor); err != nil {
			return cur, err
		}
		return Session{Status: StatusAuthenticated, Identity: &id, Attempt: attemptID}, nil
	})
	return err
}

// Fail moves authenticating or pendingSecondFactor to error.
func (w *Writer) Fail(attemptID uint64, kind, message string) error {
	_, err := w.store.apply("fail", func(cur Session) (Session, error) {
		if err := checkAttempt(cur, attemptID, StatusAuthenticating, StatusPendingSecondFactor); err != nil {
			return cur, err
		}
		return Session{
			Status:  StatusError,
			Err:     &SessionError{Kind: kind, Message: message},
			Attempt: attemptID,
		}, nil
	})
	return err
}

// Restore puts back the pre-submit session after a transient failure, so
// the caller can retry from where it was.
func (w *Writer) Restore(attempt Attempt) error {
	prev := attempt.Previous
	if prev.Status != StatusAnonymous && prev.Status != StatusError {
		return fmt.Errorf("%w: restore to %s", ErrInvalidTransition, prev.Status)
	}
	_, err := w.store.apply("restore", func(cur Session) (Session, error) {
		if err := checkAttempt(cur, attempt.ID, StatusAuthenticating); err != nil {
			return cur, err
		}
		restored := prev.clone()
		restored.Attempt = attempt.ID
		return restored, nil
	})
	return err
}

// SetFactorMethod changes the delivery method while a second factor is pending.
func (w *Writer) SetFactorMethod(attemptID uint64, method auth.FactorMethod) error {
	_, err := w.store.apply("set_factor_method", func(cur Session) (Session, error) {
		if err := checkAttempt(cur, attemptID, StatusPendingSecondFactor); err != nil {
			return cur, err
		}
		if cur.Pending.Method == method {
			return cur, errUnchanged
		}
		cur.Pending.Method = method
		return cur, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	return err
}

// checkAttempt verifies the current status is one of allowed and that the
// session still belongs to attemptID.
func checkAttempt(cur Session, attemptID uint64, allowed ...Status) error {
	ok := false
	for _, st := range allowed {
		if cur.Status == st {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: from %s", ErrInvalidTransition, cur.Status)
	}
	if cur.Attempt != attemptID {
		return ErrStaleAttempt
	}
	return nil
}
