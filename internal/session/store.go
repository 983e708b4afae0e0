package session

import (
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type observer struct {
	id uint64
	fn func(Change)
}

// Store holds the one Session for a client instance.
//
// Mutations are serialised by mu. Before mu is released, dispatchMu is
// taken, so observer delivery happens in commit order without holding the
// state lock during callbacks.
type Store struct {
	mu            sync.Mutex
	current       Session
	attempts      uint64
	writerClaimed bool
	observers     []observer
	nextObserver  uint64

	dispatchMu sync.Mutex

	logger Logger
	now    func() time.Time
}

// NewStore creates an anonymous session store.
func NewStore() *Store {
	now := time.Now
	return &Store{
		current: Session{Status: StatusAnonymous, Since: now()},
		logger:  noopLogger{},
		now:     now,
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Current returns a snapshot of the session as of the last committed
// mutation. The returned value shares no memory with the store.
func (s *Store) Current() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Subscribe registers fn to receive every status or role-set change.
// The returned function removes the subscription and is safe to call more
// than once.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextObserver++
	id := s.nextObserver
	s.observers = append(s.observers, observer{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// ClaimWriter hands out the single transition writer. Any second claim
// fails with ErrWriterClaimed.
func (s *Store) ClaimWriter() (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerClaimed {
		return nil, ErrWriterClaimed
	}
	s.writerClaimed = true
	return &Writer{store: s}, nil
}

// Logout returns the session to anonymous from any status. It reports
// false when the session was already anonymous and nothing changed.
func (s *Store) Logout() bool {
	_, err := s.apply("logout", func(cur Session) (Session, error) {
		if cur.Status == StatusAnonymous {
			return cur, errUnchanged
		}
		return Session{Status: StatusAnonymous, Attempt: cur.Attempt}, nil
	})
	return err == nil
}

// Acknowledge dismisses an error, returning the session to anonymous.
func (s *Store) Acknowledge() error {
	_, err := s.apply("acknowledge", func(cur Session) (Session, error) {
		if cur.Status != StatusError {
			return cur, fmt.Errorf("%w: acknowledge from %s", ErrInvalidTransition, cur.Status)
		}
		return Session{Status: StatusAnonymous, Attempt: cur.Attempt}, nil
	})
	return err
}

// UpdateIdentity applies patch to the current identity if, and only if,
// the session is authenticated as identityID. Patches for any other
// identity (for example a profile callback that lands after logout) are
// discarded and false is returned. A patch that would empty the role set
// is rejected.
func (s *Store) UpdateIdentity(identityID string, patch IdentityPatch) bool {
	_, err := s.apply("update_identity", func(cur Session) (Session, error) {
		if !cur.IsAuthenticated() || cur.Identity.ID != identityID {
			return cur, errStalePatch
		}
		if patch.IsEmpty() {
			return cur, errUnchanged
		}
		if patch.Roles != nil && patch.Roles.Len() == 0 {
			return cur, ErrEmptyRoles
		}
		next := cur
		if patch.DisplayName != nil {
			next.Identity.Profile.DisplayName = *patch.DisplayName
		}
		if patch.AvatarRef != nil {
			next.Identity.Profile.AvatarRef = *patch.AvatarRef
		}
		if patch.Roles != nil {
			next.Identity.Roles = patch.Roles.Clone()
		}
		return next, nil
	})
	switch err {
	case nil:
		return true
	case errStalePatch:
		s.logDebug("identity patch discarded", "identity_id", identityID)
	case ErrEmptyRoles:
		s.logWarn("identity patch rejected: empty role set", "identity_id", identityID)
	}
	return false
}

func (s *Store) logDebug(msg string, args ...any) {
	s.mu.Lock()
	l := s.logger
	s.mu.Unlock()
	l.Debug(msg, args...)
}

func (s *Store) logWarn(msg string, args ...any) {
	s.mu.Lock()
	l := s.logger
	s.mu.Unlock()
	l.Warn(msg, args...)
}

// apply commits one mutation. mutate receives a private copy of the
// current session and returns the next one or an error that aborts the
// mutation with the store unchanged.
func (s *Store) apply(op string, mutate func(cur Session) (Session, error)) (Session, error) {
	s.mu.Lock()
	prev := s.current
	next, err := mutate(prev.clone())
	if err != nil {
		s.mu.Unlock()
		return prev.clone(), err
	}

	next.Version = prev.Version + 1
	next.Since = prev.Since
	if next.Status != prev.Status {
		next.Since = s.now()
	}
	s.current = next

	change := Change{
		Previous:      prev.clone(),
		Current:       next.clone(),
		StatusChanged: prev.Status != next.Status,
		RolesChanged:  !prev.Roles().Equal(next.Roles()),
	}
	observers := append([]observer(nil), s.observers...)
	logger := s.logger

	s.dispatchMu.Lock()
	s.mu.Unlock()
	defer s.dispatchMu.Unlock()

	if change.StatusChanged {
		logger.Info("session transition",
			"op", op,
			"from", prev.Status,
			"to", next.Status,
			"identity_id", next.IdentityID(),
			"version", next.Version,
		)
	}
	if change.StatusChanged || change.RolesChanged {
		for _, o := range observers {
			s.deliver(logger, o, change)
		}
	}
	return change.Current, nil
}

// deliver calls one observer with its own copy of the change. A panicking
// observer is logged and skipped.
func (s *Store) deliver(logger Logger, o observer, change Change) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session observer panicked", "observer", o.id, "panic", r)
		}
	}()
	o.fn(Change{
		Previous:      change.Previous.clone(),
		Current:       change.Current.clone(),
		StatusChanged: change.StatusChanged,
		RolesChanged:  change.RolesChanged,
	})
}
