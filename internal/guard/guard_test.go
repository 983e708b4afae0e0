package guard

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/session"
)

func writeEmptyConfig(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte("logging:\n  level: info\n"), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return p
}

type decisionRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *decisionRecorder) ObserveDecision(d string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = map[string]int{}
	}
	r.counts[d]++
}

func newGuard(t *testing.T) (*Guard, *session.Store, *session.Writer, *decisionRecorder) {
	t.Helper()
	store := session.NewStore()
	w, err := store.ClaimWriter()
	if err != nil {
		t.Fatalf("ClaimWriter() error = %v", err)
	}
	rec := &decisionRecorder{}
	g, err := New(Deps{Store: store, Routes: testRoutes(t), Metrics: rec})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(g.Close)
	return g, store, w, rec
}

func login(t *testing.T, w *session.Writer, roles ...auth.Role) {
	t.Helper()
	a, err := w.BeginAuthentication()
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}
	if err := w.Authenticate(a.ID, auth.Identity{ID: "u1", Roles: auth.NewRoleSet(roles...)}); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}

func TestGuard_CanEnterReadsLiveSession(t *testing.T) {
	g, store, w, rec := newGuard(t)
	admin := auth.RoleSet{auth.RoleAdmin}

	if got := g.CanEnter(admin); got != RedirectToLogin {
		t.Errorf("anonymous CanEnter() = %s, want redirect_to_login", got)
	}

	login(t, w, auth.RoleManager)
	if got := g.CanEnter(admin); got != RedirectToHome {
		t.Errorf("manager CanEnter(admin) = %s, want redirect_to_home", got)
	}

	store.UpdateIdentity("u1", session.IdentityPatch{Roles: auth.RoleSet{auth.RoleManager, auth.RoleAdmin}})
	if got := g.CanEnter(admin); got != Allow {
		t.Errorf("promoted CanEnter(admin) = %s, want allow", got)
	}

	if rec.counts["redirect_to_home"] != 1 || rec.counts["allow"] != 1 {
		t.Errorf("metrics = %v", rec.counts)
	}
}

func TestGuard_CanNavigate(t *testing.T) {
	g, _, w, _ := newGuard(t)

	if got := g.CanNavigate("/about/history"); got != Allow {
		t.Errorf("public path = %s, want allow", got)
	}
	if got := g.CanNavigate("/dashboard"); got != RedirectToLogin {
		t.Errorf("anonymous /dashboard = %s, want redirect_to_login", got)
	}

	login(t, w, auth.RoleVolunteer)
	if got := g.CanNavigate("/dashboard"); got != Allow {
		t.Errorf("volunteer /dashboard = %s, want allow", got)
	}
	if got := g.CanNavigate("/manager/tasks"); got != RedirectToHome {
		t.Errorf("volunteer /manager/tasks = %s, want redirect_to_home", got)
	}
}

func TestGuard_WatchRevocation(t *testing.T) {
	g, store, w, _ := newGuard(t)
	login(t, w, auth.RoleGardener, auth.RoleManager)

	var (
		mu        sync.Mutex
		decisions []Decision
	)
	stop := g.Watch("/manager/plots", func(d Decision) {
		mu.Lock()
		decisions = append(decisions, d)
		mu.Unlock()
	})

	// Profile-only change: no re-evaluation needed, no callback.
	name := "Rosa"
	store.UpdateIdentity("u1", session.IdentityPatch{DisplayName: &name})

	// Manager role revoked while the page is open.
	store.UpdateIdentity("u1", session.IdentityPatch{Roles: auth.RoleSet{auth.RoleGardener}})

	// Logout.
	store.Logout()

	stop()
	stop()
	login(t, w, auth.RoleManager)

	mu.Lock()
	defer mu.Unlock()
	want := []Decision{Allow, RedirectToHome, RedirectToLogin}
	if len(decisions) != len(want) {
		t.Fatalf("decisions = %v, want %v", decisions, want)
	}
	for i := range want {
		if decisions[i] != want[i] {
			t.Errorf("decisions[%d] = %s, want %s", i, decisions[i], want[i])
		}
	}
}

func TestGuard_WatchStopFromCallback(t *testing.T) {
	g, store, w, _ := newGuard(t)
	login(t, w, auth.RoleManager)

	var (
		mu        sync.Mutex
		stop      func()
		decisions []Decision
	)
	watchStop := g.Watch("/manager/plots", func(d Decision) {
		mu.Lock()
		decisions = append(decisions, d)
		self := stop
		mu.Unlock()
		if d != Allow && self != nil {
			self()
		}
	})
	mu.Lock()
	stop = watchStop
	mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.UpdateIdentity("u1", session.IdentityPatch{Roles: auth.RoleSet{auth.RoleGardener}})
		store.Logout()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop called from the watch callback blocked")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Decision{Allow, RedirectToHome}
	if len(decisions) != len(want) || decisions[0] != want[0] || decisions[1] != want[1] {
		t.Errorf("decisions = %v, want %v", decisions, want)
	}
}

func TestGuard_WatchOnlyFiresOnDecisionChange(t *testing.T) {
	g, store, w, _ := newGuard(t)
	login(t, w, auth.RoleAdmin)

	calls := 0
	g.Watch("/dashboard", func(Decision) { calls++ })

	store.UpdateIdentity("u1", session.IdentityPatch{Roles: auth.RoleSet{auth.RoleManager}})
	store.UpdateIdentity("u1", session.IdentityPatch{Roles: auth.RoleSet{auth.RoleGardener}})

	if calls != 1 {
		t.Errorf("callback fired %d times, want 1 (initial only)", calls)
	}
}

func TestGuard_CloseStopsWatches(t *testing.T) {
	g, store, w, _ := newGuard(t)
	login(t, w, auth.RoleAdmin)

	calls := 0
	g.Watch("/admin", func(Decision) { calls++ })
	g.Close()
	store.Logout()

	if calls != 1 {
		t.Errorf("callback fired %d times after Close, want 1", calls)
	}
}
