package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
	"github.com/commongrow/garden-core/internal/session"
)

// fakeBackend answers pulls with list(call) and records acks.
type fakeBackend struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	list   func(ctx context.Context, call int) ([]backend.Notification, error)

	ackErr error
	acks   chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{acks: make(chan string, 16)}
}

func (f *fakeBackend) ListNotifications(ctx context.Context, token string, _ int) ([]backend.Notification, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.tokens = append(f.tokens, token)
	list := f.list
	f.mu.Unlock()

	if list == nil {
		return nil, nil
	}
	return list(ctx, call)
}

func (f *fakeBackend) MarkNotificationRead(_ context.Context, _, id string) error {
	f.mu.Lock()
	err := f.ackErr
	f.mu.Unlock()
	f.acks <- id
	return err
}

func (f *fakeBackend) setList(list func(ctx context.Context, call int) ([]backend.Notification, error)) {
	f.mu.Lock()
	f.list = list
	f.mu.Unlock()
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakePush hands out fakeConns the test drives directly.
type fakePush struct {
	mu      sync.Mutex
	opened  []string
	roles   []auth.RoleSet
	openErr error
	conns   chan *fakeConn
}

func newFakePush() *fakePush {
	return &fakePush{conns: make(chan *fakeConn, 8)}
}

func (p *fakePush) Open(ctx context.Context, identity auth.Identity) (PushConn, error) {
	p.mu.Lock()
	p.opened = append(p.opened, identity.ID)
	p.roles = append(p.roles, identity.Roles)
	err := p.openErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := &fakeConn{
		events: make(chan Event, 8),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	context.AfterFunc(ctx, func() { c.Close() })
	p.conns <- c
	return c, nil
}

func (p *fakePush) lastRoles() auth.RoleSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.roles) == 0 {
		return nil
	}
	return p.roles[len(p.roles)-1]
}

func (p *fakePush) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-p.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("push connection was not opened")
		return nil
	}
}

type fakeConn struct {
	events chan Event
	drop   chan error
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.closed:
		return Event{}, ErrPushClosed
	case err := <-c.drop:
		return Event{}, err
	case e := <-c.events:
		return e, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type countingRecorder struct {
	mu          sync.Mutex
	inserted    map[string]int
	duplicates  map[string]int
	disconnects int
	ackFailures int
	pulls       int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{inserted: map[string]int{}, duplicates: map[string]int{}}
}

func (r *countingRecorder) ObserveNotification(source string, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inserted {
		r.inserted[source]++
	} else {
		r.duplicates[source]++
	}
}

func (r *countingRecorder) ObservePushDisconnect() {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveAckFailure() {
	r.mu.Lock()
	r.ackFailures++
	r.mu.Unlock()
}

func (r *countingRecorder) ObservePull(time.Duration, error) {
	r.mu.Lock()
	r.pulls++
	r.mu.Unlock()
}

func (r *countingRecorder) get(fn func(r *countingRecorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r)
}

type harness struct {
	store   *session.Store
	writer  *session.Writer
	backend *fakeBackend
	push    *fakePush
	rec     *countingRecorder
	ch      *Channel
}

func quietConfig() Config {
	return Config{
		PullLimit:            20,
		PullInterval:         time.Hour,
		DegradedPullInterval: time.Hour,
		RequestTimeout:       2 * time.Second,
		AckTimeout:           time.Second,
		Reconnect:            Backoff{Initial: time.Hour, Max: time.Hour},
	}
}

func newHarness(t *testing.T, cfg Config, withPush bool) *harness {
	t.Helper()
	store := session.NewStore()
	w, err := store.ClaimWriter()
	if err != nil {
		t.Fatalf("ClaimWriter() error = %v", err)
	}

	h := &harness{
		store:   store,
		writer:  w,
		backend: newFakeBackend(),
		rec:     newCountingRecorder(),
	}
	deps := Deps{Store: store, Backend: h.backend, Metrics: h.rec, Config: cfg}
	if withPush {
		h.push = newFakePush()
		deps.Push = h.push
	}

	h.ch, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return h
}

func (h *harness) login(t *testing.T, id string) {
	t.Helper()
	a, err := h.writer.BeginAuthentication()
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}
	identity := auth.Identity{
		ID:          id,
		Email:       id + "@garden.example.org",
		Roles:       auth.NewRoleSet(auth.RoleGardener),
		AccessToken: "token-" + id,
	}
	if err := h.writer.Authenticate(a.ID, identity); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func notification(id string, at time.Time) backend.Notification {
	return backend.Notification{ID: backend.FlexibleID(id), Message: "event " + id, CreatedAt: at}
}

func (h *harness) feedHas(id string) bool {
	for _, e := range h.ch.Feed() {
		if e.ID == id {
			return true
		}
	}
	return false
}

func TestChannel_PushThenPullDeduplicates(t *testing.T) {
	h := newHarness(t, quietConfig(), true)
	now := time.Now().UTC()

	h.backend.setList(func(_ context.Context, call int) ([]backend.Notification, error) {
		if call == 1 {
			return nil, nil
		}
		return []backend.Notification{notification("7", now), notification("8", now.Add(-time.Minute))}, nil
	})

	h.login(t, "u1")
	conn := h.push.next(t)
	waitFor(t, "initial pull", func() bool { return h.backend.callCount() >= 1 })

	conn.events <- Event{ID: "7", Message: "event 7", CreatedAt: now}
	waitFor(t, "push event", func() bool { return h.feedHas("7") })

	if err := h.ch.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	feed := h.ch.Feed()
	if got := ids(feed); !equalIDs(got, []string{"7", "8"}) {
		t.Fatalf("Feed() = %v, want [7 8]", got)
	}
	if h.ch.UnreadCount() != 2 {
		t.Errorf("UnreadCount() = %d, want 2", h.ch.UnreadCount())
	}
	if dup := h.rec.get(func(r *countingRecorder) int { return r.duplicates["pull"] }); dup != 1 {
		t.Errorf("pull duplicates = %d, want 1", dup)
	}
}

func TestChannel_DuplicateKeepsLocalReadState(t *testing.T) {
	h := newHarness(t, quietConfig(), true)
	now := time.Now().UTC()
	h.backend.setList(func(context.Context, int) ([]backend.Notification, error) {
		return []backend.Notification{notification("7", now)}, nil
	})

	h.login(t, "u1")
	conn := h.push.next(t)
	waitFor(t, "pulled event", func() bool { return h.feedHas("7") })

	if !h.ch.MarkRead(context.Background(), "7") {
		t.Fatal("MarkRead() = false")
	}
	conn.events <- Event{ID: "7", Message: "event 7", CreatedAt: now}
	waitFor(t, "push duplicate counted", func() bool {
		return h.rec.get(func(r *countingRecorder) int { return r.duplicates["push"] }) == 1
	})

	feed := h.ch.Feed()
	if len(feed) != 1 || !feed[0].Read {
		t.Errorf("Feed() = %+v, want one read entry", feed)
	}
}

func TestChannel_PushDropDegradesToPull(t *testing.T) {
	cfg := quietConfig()
	cfg.DegradedPullInterval = 20 * time.Millisecond
	h := newHarness(t, cfg, true)

	now := time.Now().UTC()
	var dropped atomic.Bool
	h.backend.setList(func(context.Context, int) ([]backend.Notification, error) {
		if !dropped.Load() {
			return nil, nil
		}
		return []backend.Notification{notification("late", now)}, nil
	})

	var snapshots atomic.Int32
	unsubscribe := h.ch.Subscribe(func(Snapshot) { snapshots.Add(1) })
	defer unsubscribe()

	h.login(t, "u1")
	conn := h.push.next(t)
	waitFor(t, "connected", func() bool { return h.ch.Health().Push == PushConnected })
	if h.ch.Health().Degraded() {
		t.Error("Degraded() = true while connected")
	}

	calls := h.backend.callCount()
	dropped.Store(true)
	conn.drop <- errors.New("connection reset by peer")

	waitFor(t, "disconnected health", func() bool { return h.ch.Health().Push == PushDisconnected })
	health := h.ch.Health()
	if health.LastError == "" || health.Failures != 1 {
		t.Errorf("Health() = %+v, want last error and one failure", health)
	}

	// The hour-long steady interval is replaced by the degraded one.
	waitFor(t, "pull-only delivery", func() bool { return h.feedHas("late") })
	if h.backend.callCount() <= calls {
		t.Error("no pull after the push path dropped")
	}

	if n := h.rec.get(func(r *countingRecorder) int { return r.disconnects }); n != 1 {
		t.Errorf("disconnects = %d, want 1", n)
	}
	if snapshots.Load() == 0 {
		t.Error("subscriber saw no snapshots")
	}
}

func TestChannel_PullOnlyWithoutPushSource(t *testing.T) {
	cfg := quietConfig()
	cfg.DegradedPullInterval = 20 * time.Millisecond
	h := newHarness(t, cfg, false)

	h.login(t, "u1")
	waitFor(t, "repeated pulls", func() bool { return h.backend.callCount() >= 3 })

	if got := h.ch.Health().Push; got != PushDisabled {
		t.Errorf("Health().Push = %q, want %q", got, PushDisabled)
	}
}

func TestChannel_StalePullDiscarded(t *testing.T) {
	h := newHarness(t, quietConfig(), false)
	now := time.Now().UTC()

	release := make(chan struct{})
	h.backend.setList(func(_ context.Context, call int) ([]backend.Notification, error) {
		if call == 1 {
			// Ignores cancellation so the generation check is what drops it.
			<-release
			return []backend.Notification{notification("stale", now)}, nil
		}
		return []backend.Notification{notification("fresh", now)}, nil
	})

	h.login(t, "u1")
	waitFor(t, "first pull in flight", func() bool { return h.backend.callCount() == 1 })

	if err := h.ch.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !h.feedHas("fresh") {
		t.Fatal("fresh pull not applied")
	}

	close(release)
	waitFor(t, "stale pull settled", func() bool {
		return h.rec.get(func(r *countingRecorder) int { return r.pulls }) == 2
	})

	if h.feedHas("stale") {
		t.Error("stale pull result was applied")
	}
}

func TestChannel_LogoutClearsAndCloses(t *testing.T) {
	h := newHarness(t, quietConfig(), true)
	now := time.Now().UTC()

	h.login(t, "u1")
	conn := h.push.next(t)
	conn.events <- Event{ID: "1", Message: "for u1", CreatedAt: now}
	waitFor(t, "u1 event", func() bool { return h.feedHas("1") })

	if !h.store.Logout() {
		t.Fatal("Logout() = false")
	}

	// Cleared synchronously with the transition.
	if n := len(h.ch.Feed()); n != 0 {
		t.Errorf("len(Feed()) = %d right after logout, want 0", n)
	}
	if got := h.ch.Health().Push; got != PushIdle {
		t.Errorf("Health().Push = %q, want idle", got)
	}
	waitFor(t, "push connection closed", conn.isClosed)

	if err := h.ch.Refresh(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("Refresh() after logout = %v, want ErrNotActive", err)
	}
	if h.ch.MarkRead(context.Background(), "1") {
		t.Error("MarkRead() after logout = true")
	}

	h.login(t, "u2")
	conn2 := h.push.next(t)
	conn2.events <- Event{ID: "2", Message: "for u2", CreatedAt: now}
	waitFor(t, "u2 event", func() bool { return h.feedHas("2") })

	if h.feedHas("1") {
		t.Error("previous identity's event visible to the next identity")
	}

	h.push.mu.Lock()
	opened := append([]string(nil), h.push.opened...)
	h.push.mu.Unlock()
	if !equalIDs(opened, []string{"u1", "u2"}) {
		t.Errorf("push opened for %v, want [u1 u2]", opened)
	}
}

func TestChannel_IdleOutsideAuthenticated(t *testing.T) {
	h := newHarness(t, quietConfig(), true)

	a, err := h.writer.BeginAuthentication()
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}
	if err := h.writer.Fail(a.ID, "transient", "backend down"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := h.backend.callCount(); n != 0 {
		t.Errorf("pulls while not authenticated = %d, want 0", n)
	}
	h.push.mu.Lock()
	opened := len(h.push.opened)
	h.push.mu.Unlock()
	if opened != 0 {
		t.Errorf("push opened %d times while not authenticated", opened)
	}
	if got := h.ch.Health().Push; got != PushIdle {
		t.Errorf("Health().Push = %q, want idle", got)
	}
}

func TestChannel_RolePatchKeepsSession(t *testing.T) {
	cfg := quietConfig()
	cfg.Reconnect = Backoff{Initial: time.Millisecond, Max: time.Millisecond}
	h := newHarness(t, cfg, true)
	now := time.Now().UTC()

	h.login(t, "u1")
	attempt := h.store.Current().Attempt
	conn := h.push.next(t)
	conn.events <- Event{ID: "1", Message: "before patch", CreatedAt: now}
	waitFor(t, "event before patch", func() bool { return h.feedHas("1") })

	managers := auth.NewRoleSet(auth.RoleManager)
	if !h.store.UpdateIdentity("u1", session.IdentityPatch{Roles: managers}) {
		t.Fatal("UpdateIdentity() = false")
	}
	if got := h.store.Current().Attempt; got != attempt {
		t.Errorf("Attempt = %d after role patch, want %d", got, attempt)
	}

	if !h.feedHas("1") {
		t.Error("feed cleared by role patch")
	}
	if conn.isClosed() {
		t.Error("push connection closed by role patch")
	}

	// The next connection is opened with the patched roles.
	conn.drop <- errors.New("connection reset by peer")
	h.push.next(t)
	if got := h.push.lastRoles(); !got.Equal(managers) {
		t.Errorf("reconnect roles = %v, want %v", got.Strings(), managers.Strings())
	}
	if !h.feedHas("1") {
		t.Error("feed cleared by reconnect after role patch")
	}

	h.push.mu.Lock()
	opened := append([]string(nil), h.push.opened...)
	h.push.mu.Unlock()
	if !equalIDs(opened, []string{"u1", "u1"}) {
		t.Errorf("push opened for %v, want [u1 u1]", opened)
	}
}

func TestChannel_RolePatchWhileReconnecting(t *testing.T) {
	cfg := quietConfig()
	cfg.Reconnect = Backoff{Initial: time.Microsecond, Max: time.Microsecond}
	h := newHarness(t, cfg, true)
	h.push.openErr = errors.New("dial tcp: connection refused")

	h.login(t, "u1")
	waitFor(t, "reconnect attempts", func() bool {
		return h.ch.Health().Failures > 2
	})

	sets := []auth.RoleSet{
		auth.NewRoleSet(auth.RoleManager),
		auth.NewRoleSet(auth.RoleGardener, auth.RoleVolunteer),
	}
	for i := 0; i < 200; i++ {
		h.store.UpdateIdentity("u1", session.IdentityPatch{Roles: sets[i%2]})
	}

	want := sets[1]
	waitFor(t, "open with final roles", func() bool { return h.push.lastRoles().Equal(want) })
	if got := h.ch.Health().Push; got != PushDisconnected {
		t.Errorf("Health().Push = %q, want disconnected", got)
	}
}

func TestChannel_UsesSessionToken(t *testing.T) {
	h := newHarness(t, quietConfig(), false)
	h.login(t, "u9")
	waitFor(t, "pull", func() bool { return h.backend.callCount() >= 1 })

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if h.backend.tokens[0] != "token-u9" {
		t.Errorf("pull token = %q, want token-u9", h.backend.tokens[0])
	}
}

func TestChannel_MarkReadIsLocalFirst(t *testing.T) {
	h := newHarness(t, quietConfig(), false)
	now := time.Now().UTC()
	h.backend.ackErr = errors.New("backend unavailable")
	h.backend.setList(func(context.Context, int) ([]backend.Notification, error) {
		return []backend.Notification{notification("5", now)}, nil
	})

	h.login(t, "u1")
	waitFor(t, "pulled event", func() bool { return h.feedHas("5") })

	if !h.ch.MarkRead(context.Background(), "5") {
		t.Fatal("MarkRead() = false")
	}
	if h.ch.UnreadCount() != 0 {
		t.Errorf("UnreadCount() = %d immediately after MarkRead, want 0", h.ch.UnreadCount())
	}

	select {
	case id := <-h.backend.acks:
		if id != "5" {
			t.Errorf("acked %q, want 5", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ack was not sent")
	}
	waitFor(t, "ack failure counted", func() bool {
		return h.rec.get(func(r *countingRecorder) int { return r.ackFailures }) == 1
	})

	if h.ch.UnreadCount() != 0 || !h.ch.Feed()[0].Read {
		t.Error("failed ack rolled back the read state")
	}
	if h.ch.MarkRead(context.Background(), "5") {
		t.Error("second MarkRead() = true")
	}
	select {
	case id := <-h.backend.acks:
		t.Errorf("unexpected second ack for %q", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannel_RefreshThrottled(t *testing.T) {
	cfg := quietConfig()
	cfg.RefreshPerMinute = 1
	h := newHarness(t, cfg, false)

	if err := h.ch.Refresh(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("Refresh() while anonymous = %v, want ErrNotActive", err)
	}

	h.login(t, "u1")
	waitFor(t, "session active", func() bool { return h.backend.callCount() >= 1 })

	if err := h.ch.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh() = %v", err)
	}
	if err := h.ch.Refresh(context.Background()); !errors.Is(err, ErrRefreshThrottled) {
		t.Errorf("second Refresh() = %v, want ErrRefreshThrottled", err)
	}
}

func TestChannel_SanitizesMessages(t *testing.T) {
	h := newHarness(t, quietConfig(), true)
	h.login(t, "u1")
	conn := h.push.next(t)

	conn.events <- Event{ID: "x", Message: "<img src=x onerror=alert(1)>Seed swap <b>today</b>", CreatedAt: time.Now()}
	waitFor(t, "event", func() bool { return h.feedHas("x") })

	if got := h.ch.Feed()[0].Message; got != "Seed swap today" {
		t.Errorf("Message = %q, want sanitised text", got)
	}
}

func TestChannel_MalformedPushKeepsConnection(t *testing.T) {
	h := newHarness(t, quietConfig(), true)
	h.login(t, "u1")
	conn := h.push.next(t)
	waitFor(t, "connected", func() bool { return h.ch.Health().Push == PushConnected })

	conn.drop <- ErrMalformedEvent
	conn.events <- Event{ID: "ok", CreatedAt: time.Now()}
	waitFor(t, "event after malformed payload", func() bool { return h.feedHas("ok") })

	if got := h.ch.Health().Push; got != PushConnected {
		t.Errorf("Health().Push = %q, want connected", got)
	}
}

func TestChannel_RunTwice(t *testing.T) {
	h := newHarness(t, quietConfig(), false)
	waitFor(t, "running", func() bool {
		h.ch.mu.Lock()
		defer h.ch.mu.Unlock()
		return h.ch.running
	})

	if err := h.ch.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}
}

func TestChannel_StartsForExistingSession(t *testing.T) {
	store := session.NewStore()
	w, _ := store.ClaimWriter()
	a, _ := w.BeginAuthentication()
	if err := w.Authenticate(a.ID, auth.Identity{ID: "u1", Roles: auth.NewRoleSet(auth.RoleAdmin)}); err != nil {
		t.Fatal(err)
	}

	fb := newFakeBackend()
	ch, err := New(Deps{Store: store, Backend: fb, Config: quietConfig()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	waitFor(t, "pull for pre-existing session", func() bool { return fb.callCount() >= 1 })
	cancel()
	<-done

	if ch.Health().Push != PushIdle {
		t.Errorf("Health().Push after shutdown = %q, want idle", ch.Health().Push)
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{Backend: newFakeBackend()}); err == nil {
		t.Error("New() without store succeeded")
	}
	if _, err := New(Deps{Store: session.NewStore()}); err == nil {
		t.Error("New() without backend succeeded")
	}
}
