package guard

import (
	"fmt"
	"sync"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/session"
)

// Recorder receives decision counts.
type Recorder interface {
	ObserveDecision(decision string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveDecision(string) {}

// Deps holds the dependencies required by the Guard.
type Deps struct {
	Store   *session.Store
	Routes  *RouteTable
	Logger  *logging.Logger
	Metrics Recorder
}

// Guard evaluates navigation against the live session.
//
// Thread Safety: All methods are safe for concurrent use.
type Guard struct {
	store   *session.Store
	routes  *RouteTable
	logger  *logging.Logger
	metrics Recorder

	mu        sync.Mutex
	watches   map[uint64]*watch
	nextWatch uint64

	unsubscribe func()
}

// watch is one live predicate registered via Watch.
type watch struct {
	path     string
	required auth.RoleSet
	protect  bool
	fn       func(Decision)

	// fire serialises calls to fn; mu guards the fields below and is never
	// held while fn runs, so fn may call its own stop.
	fire    sync.Mutex
	mu      sync.Mutex
	version uint64
	last    Decision
	stopped bool
}

// New creates a Guard and subscribes it to session changes.
func New(deps Deps) (*Guard, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	routes := deps.Routes
	if routes == nil {
		routes = &RouteTable{publicExact: map[string]bool{}}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var metrics Recorder = noopRecorder{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}

	g := &Guard{
		store:   deps.Store,
		routes:  routes,
		logger:  logger.With("component", "guard"),
		metrics: metrics,
		watches: make(map[uint64]*watch),
	}
	g.unsubscribe = deps.Store.Subscribe(g.onChange)
	return g, nil
}

// Close detaches the guard from the session store. Watches stop firing.
func (g *Guard) Close() {
	g.unsubscribe()
}

// CanEnter checks a protected route with the given required roles against
// the current session. It is re-evaluated on every call.
func (g *Guard) CanEnter(required auth.RoleSet) Decision {
	d := Decide(g.store.Current(), required, true)
	g.metrics.ObserveDecision(string(d))
	return d
}

// Routes returns the configured protected routes.
func (g *Guard) Routes() []Route {
	return g.routes.Routes()
}

// CanNavigate resolves path through the route table and checks it.
func (g *Guard) CanNavigate(path string) Decision {
	required, protected := g.routes.Lookup(path)
	d := Decide(g.store.Current(), required, protected)
	g.metrics.ObserveDecision(string(d))
	g.logger.Debug("navigation decision", "path", path, "decision", d)
	return d
}

// Watch registers a live predicate for path. fn is called once with the
// current decision before Watch returns, then again every time a session
// change alters the decision, for example when a role is revoked while
// the page is open. The returned stop function is idempotent and may be
// called from fn. Stopped from another goroutine, a callback already in
// progress still completes.
func (g *Guard) Watch(path string, fn func(Decision)) (stop func()) {
	required, protected := g.routes.Lookup(path)
	w := &watch{path: path, required: required, protect: protected, fn: fn}

	g.mu.Lock()
	g.nextWatch++
	id := g.nextWatch
	g.watches[id] = w
	g.mu.Unlock()

	g.evaluate(w, g.store.Current())

	return func() {
		g.mu.Lock()
		delete(g.watches, id)
		g.mu.Unlock()
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}
}

func (g *Guard) onChange(c session.Change) {
	g.mu.Lock()
	watches := make([]*watch, 0, len(g.watches))
	for _, w := range g.watches {
		watches = append(watches, w)
	}
	g.mu.Unlock()

	for _, w := range watches {
		g.evaluate(w, c.Current)
	}
}

// evaluate fires w when s is at least as new as what w last saw and the
// decision differs.
func (g *Guard) evaluate(w *watch, s session.Session) {
	w.fire.Lock()
	defer w.fire.Unlock()

	w.mu.Lock()
	if w.stopped || (w.last != "" && s.Version < w.version) {
		w.mu.Unlock()
		return
	}
	d := Decide(s, w.required, w.protect)
	w.version = s.Version
	if d == w.last {
		w.mu.Unlock()
		return
	}
	prev := w.last
	w.last = d
	w.mu.Unlock()

	g.metrics.ObserveDecision(string(d))
	if prev == Allow {
		g.logger.Info("route access revoked", "path", w.path, "decision", d, "identity_id", s.IdentityID())
	}
	w.fn(d)
}
