package dashboard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/session"
)

// Resolver errors.
var (
	ErrNotAuthenticated = errors.New("no authenticated identity")
	ErrNotMultiRole     = errors.New("identity holds a single role")
	ErrRoleNotHeld      = errors.New("role not held by identity")
)

// Deps holds the dependencies required by the Resolver.
type Deps struct {
	Store  *session.Store
	Logger *logging.Logger
}

type planSub struct {
	id uint64
	fn func(Plan, bool)
}

// Resolver follows the live session and keeps the current Plan.
//
// Thread Safety: All methods are safe for concurrent use. Role switches are
// last-write-wins.
type Resolver struct {
	composer Composer
	logger   *logging.Logger

	mu       sync.Mutex
	identity *auth.Identity
	attempt  uint64
	view     View
	plan     Plan
	hasPlan  bool
	subs     []planSub
	nextSub  uint64

	notifyMu    sync.Mutex
	unsubscribe func()
}

// New creates a Resolver, seeds it from the current session and subscribes
// to future changes.
func New(deps Deps) (*Resolver, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "dashboard")

	r := &Resolver{
		composer: NewComposer(logger),
		logger:   logger,
	}
	r.unsubscribe = deps.Store.Subscribe(r.onChange)
	r.mu.Lock()
	r.sync(deps.Store.Current())
	r.recompose()
	r.mu.Unlock()
	return r, nil
}

// Close detaches the resolver from the session store.
func (r *Resolver) Close() {
	r.unsubscribe()
}

// Plan returns the current plan. ok is false when nobody is signed in.
func (r *Resolver) Plan() (plan Plan, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan, r.hasPlan
}

// View returns the current view selection.
func (r *Resolver) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view
}

// SwitchRole shows the role-specific view for role. It does not touch the
// session.
func (r *Resolver) SwitchRole(role auth.Role) error {
	return r.update(func() error {
		if r.identity == nil {
			return ErrNotAuthenticated
		}
		if r.identity.Roles.Len() < 2 {
			return ErrNotMultiRole
		}
		if !r.identity.Roles.Contains(role) {
			return fmt.Errorf("%w: %s", ErrRoleNotHeld, role)
		}
		r.view = View{Mode: ModeRole, Active: role}
		return nil
	})
}

// ShowUnified returns a multi-role identity to the unified view, keeping
// the ActiveRole.
func (r *Resolver) ShowUnified() error {
	return r.update(func() error {
		if r.identity == nil {
			return ErrNotAuthenticated
		}
		if r.identity.Roles.Len() < 2 {
			return ErrNotMultiRole
		}
		r.view.Mode = ModeUnified
		return nil
	})
}

// Subscribe registers fn for plan changes. fn receives ok=false when the
// session ends.
func (r *Resolver) Subscribe(fn func(plan Plan, ok bool)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs = append(r.subs, planSub{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (r *Resolver) onChange(c session.Change) {
	_ = r.update(func() error {
		r.sync(c.Current)
		return nil
	})
}

// update runs mutate under mu, recomposes, and publishes the plan if it
// changed. Publication happens in mutation order.
func (r *Resolver) update(mutate func() error) error {
	r.mu.Lock()
	prev, prevOK := r.plan, r.hasPlan
	if err := mutate(); err != nil {
		r.mu.Unlock()
		return err
	}
	r.recompose()
	plan, ok := r.plan, r.hasPlan
	subs := append([]planSub(nil), r.subs...)

	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	if ok == prevOK && plan.Equal(prev) {
		return nil
	}
	for _, s := range subs {
		s.fn(plan, ok)
	}
	return nil
}

// sync adopts the session's identity. Must be called with mu held.
func (r *Resolver) sync(s session.Session) {
	if !s.IsAuthenticated() {
		r.identity = nil
		r.view = View{}
		r.attempt = s.Attempt
		return
	}

	fresh := r.identity == nil || r.attempt != s.Attempt || r.identity.ID != s.Identity.ID
	id := s.Identity.Clone()
	r.identity = &id
	r.attempt = s.Attempt

	switch {
	case fresh:
		r.view = View{Mode: ModeUnified, Active: id.Roles.First()}
	case !id.Roles.Contains(r.view.Active):
		r.logger.Info("active role revoked, switching to first role",
			"identity_id", id.ID,
			"revoked", r.view.Active,
			"active", id.Roles.First(),
		)
		r.view.Active = id.Roles.First()
	}
}

// recompose rebuilds the plan. Must be called with mu held.
func (r *Resolver) recompose() {
	if r.identity == nil {
		r.plan, r.hasPlan = Plan{}, false
		return
	}
	r.plan = r.composer.Compose(*r.identity, r.view)
	r.hasPlan = true
}
