package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/session"
)

// Backend is the pull and acknowledgement side of the garden backend.
type Backend interface {
	ListNotifications(ctx context.Context, token string, limit int) ([]backend.Notification, error)
	MarkNotificationRead(ctx context.Context, token, id string) error
}

// Recorder receives channel metrics.
type Recorder interface {
	ObserveNotification(source string, inserted bool)
	ObservePushDisconnect()
	ObserveAckFailure()
	ObservePull(d time.Duration, err error)
}

type noopRecorder struct{}

func (noopRecorder) ObserveNotification(string, bool) {}
func (noopRecorder) ObservePushDisconnect()           {}
func (noopRecorder) ObserveAckFailure()               {}
func (noopRecorder) ObservePull(time.Duration, error) {}

// Config holds the channel's timing.
type Config struct {
	PullLimit            int
	PullInterval         time.Duration
	DegradedPullInterval time.Duration
	RequestTimeout       time.Duration
	AckTimeout           time.Duration

	// RefreshPerMinute caps Refresh calls. Zero means unlimited.
	RefreshPerMinute int

	Reconnect Backoff
}

// Deps holds the dependencies required by the Channel.
type Deps struct {
	Store   *session.Store
	Backend Backend
	// Push is optional; without it the channel runs pull-only.
	Push    PushSource
	Logger  *logging.Logger
	Metrics Recorder
	Config  Config
}

// Channel keeps the notification feed for the authenticated identity.
//
// Thread Safety: All methods are safe for concurrent use.
type Channel struct {
	store     *session.Store
	backend   Backend
	push      PushSource
	logger    *logging.Logger
	metrics   Recorder
	cfg       Config
	sanitizer *Sanitizer
	limiter   *rate.Limiter
	now       func() time.Time

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	seen    uint64
	active  *activeSession
	feed    *Feed
	health  Health
	subs    []snapshotSub
	nextSub uint64

	// notifyMu is taken before mu is released so subscribers see
	// snapshots in commit order.
	notifyMu sync.Mutex

	wg sync.WaitGroup
}

// activeSession is the state bound to one authenticated login attempt.
type activeSession struct {
	epoch uint64
	// identity is guarded by Channel.mu.
	identity auth.Identity
	ctx      context.Context
	cancel   context.CancelFunc

	// wake reschedules the pull timer after the push state changes.
	wake chan struct{}

	pullGen    uint64
	pullCancel context.CancelFunc
}

type snapshotSub struct {
	id uint64
	fn func(Snapshot)
}

// New creates a Channel. It does nothing until Run is called.
func New(deps Deps) (*Channel, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if deps.Backend == nil {
		return nil, fmt.Errorf("notification backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var metrics Recorder = noopRecorder{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}

	cfg := deps.Config
	if cfg.PullLimit <= 0 {
		cfg.PullLimit = 20
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = time.Minute
	}
	if cfg.DegradedPullInterval <= 0 || cfg.DegradedPullInterval > cfg.PullInterval {
		cfg.DegradedPullInterval = cfg.PullInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RefreshPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RefreshPerMinute)), 1)
	}

	return &Channel{
		store:     deps.Store,
		backend:   deps.Backend,
		push:      deps.Push,
		logger:    logger.With("component", "notify"),
		metrics:   metrics,
		cfg:       cfg,
		sanitizer: NewSanitizer(),
		limiter:   limiter,
		now:       time.Now,
		feed:      NewFeed(),
		health:    Health{Push: PushIdle, Since: time.Now()},
	}, nil
}

// Run follows the session store until ctx is done. On return every worker
// has stopped and the feed is empty.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runCtx = ctx
	c.mu.Unlock()

	unsubscribe := c.store.Subscribe(func(change session.Change) {
		c.reconcile(change.Current)
	})
	c.reconcile(c.store.Current())

	<-ctx.Done()

	unsubscribe()
	c.update(func() bool {
		c.running = false
		return c.stopLocked("shutdown")
	})
	c.wg.Wait()
	return nil
}

// Feed returns the events, newest first.
func (c *Channel) Feed() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feed.Items()
}

// UnreadCount returns the number of unread events.
func (c *Channel) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feed.UnreadCount()
}

// Health returns the delivery path state.
func (c *Channel) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Snapshot returns the feed, unread count and health together.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers fn for every feed or health change.
func (c *Channel) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, snapshotSub{id: id, fn: fn})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Refresh runs a pull now. It supersedes any pull in flight and returns
// once the result has been applied or dropped. Pull failures are logged,
// not returned.
func (c *Channel) Refresh(ctx context.Context) error {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return ErrNotActive
	}
	if !c.limiter.Allow() {
		return ErrRefreshThrottled
	}

	pctx, cancel := context.WithCancel(sess.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	c.pull(pctx, sess)
	return nil
}

// MarkRead marks id read locally, then acknowledges it to the backend in
// the background. A failed acknowledgement is logged and never rolled back.
// Reports false when id is unknown or already read.
func (c *Channel) MarkRead(ctx context.Context, id string) bool {
	var token string
	changed := c.update(func() bool {
		if c.active == nil || !c.feed.MarkRead(id) {
			return false
		}
		token = c.active.identity.AccessToken
		return true
	})
	if !changed {
		return false
	}

	go c.ack(context.WithoutCancel(ctx), token, id)
	return true
}

func (c *Channel) ack(parent context.Context, token, id string) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.AckTimeout)
	defer cancel()

	if err := c.backend.MarkNotificationRead(ctx, token, id); err != nil {
		c.metrics.ObserveAckFailure()
		c.logger.Warn("notification ack failed", "notification_id", id, "error", err)
	}
}

// reconcile starts or stops the per-session workers to match s.
func (c *Channel) reconcile(s session.Session) {
	var started *activeSession
	c.update(func() bool {
		if !c.running || s.Version < c.seen {
			return false
		}
		c.seen = s.Version

		if !s.IsAuthenticated() {
			return c.stopLocked("session " + string(s.Status))
		}
		if c.active != nil && c.active.epoch == s.Attempt {
			c.active.identity = s.Identity.Clone()
			return false
		}
		c.stopLocked("identity changed")
		started = c.startLocked(s)
		return true
	})
	if started != nil {
		c.launch(started)
	}
}

func (c *Channel) startLocked(s session.Session) *activeSession {
	ctx, cancel := context.WithCancel(c.runCtx)
	sess := &activeSession{
		epoch:    s.Attempt,
		identity: s.Identity.Clone(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	c.active = sess

	state := PushConnecting
	if c.push == nil {
		state = PushDisabled
	}
	c.health = Health{Push: state, Since: c.now()}
	c.wg.Add(1)

	c.logger.Info("notification channel started", "identity_id", s.Identity.ID, "push", state)
	return sess
}

func (c *Channel) launch(sess *activeSession) {
	go func() {
		defer c.wg.Done()

		g, ctx := errgroup.WithContext(sess.ctx)
		g.Go(func() error { return c.pullLoop(ctx, sess) })
		if c.push != nil {
			g.Go(func() error { return c.pushLoop(ctx, sess) })
		}
		if err := g.Wait(); err != nil {
			c.logger.Error("notification worker failed", "error", err)
		}
	}()
}

// stopLocked tears down the active session. The push connection closes
// through its context; the feed is cleared before mu is released so the
// next identity never sees it.
func (c *Channel) stopLocked(reason string) bool {
	sess := c.active
	if sess == nil {
		return false
	}
	sess.cancel()
	if sess.pullCancel != nil {
		sess.pullCancel()
	}
	c.active = nil
	c.feed.Clear()
	c.health = Health{Push: PushIdle, Since: c.now()}

	c.logger.Info("notification channel stopped", "identity_id", sess.identity.ID, "reason", reason)
	return true
}

func (c *Channel) pullLoop(ctx context.Context, sess *activeSession) error {
	c.pull(ctx, sess)

	timer := time.NewTimer(c.pullInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			c.pull(ctx, sess)
		case <-sess.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		timer.Reset(c.pullInterval())
	}
}

func (c *Channel) pullInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health.Degraded() {
		return c.cfg.DegradedPullInterval
	}
	return c.cfg.PullInterval
}

// pull fetches one batch. Starting a pull cancels the previous one, and a
// result is applied only if no newer pull started meanwhile.
func (c *Channel) pull(parent context.Context, sess *activeSession) {
	c.mu.Lock()
	if c.active != sess {
		c.mu.Unlock()
		return
	}
	if sess.pullCancel != nil {
		sess.pullCancel()
	}
	sess.pullGen++
	gen := sess.pullGen
	ctx, cancel := context.WithTimeout(parent, c.cfg.RequestTimeout)
	sess.pullCancel = cancel
	token := sess.identity.AccessToken
	c.mu.Unlock()
	defer cancel()

	start := time.Now()
	items, err := c.backend.ListNotifications(ctx, token, c.cfg.PullLimit)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.logger.Debug("notification pull cancelled", "generation", gen)
		} else {
			c.logger.Warn("notification pull failed", "error", err)
		}
		c.metrics.ObservePull(elapsed, err)
		return
	}

	c.applyPull(sess, gen, items)
	c.metrics.ObservePull(elapsed, nil)
}

func (c *Channel) applyPull(sess *activeSession, gen uint64, items []backend.Notification) {
	c.update(func() bool {
		if c.active != sess || gen != sess.pullGen {
			c.logger.Debug("stale notification pull discarded", "generation", gen)
			return false
		}
		c.health.LastPull = c.now()

		inserted := 0
		for _, n := range items {
			if c.insertLocked(EventFromNotification(n), SourcePull) {
				inserted++
			}
		}
		return inserted > 0
	})
}

func (c *Channel) pushLoop(ctx context.Context, sess *activeSession) error {
	failures := 0
	for {
		conn, err := c.push.Open(ctx, c.sessionIdentity(sess))
		if err == nil {
			failures = 0
			c.pushConnected(sess)
			err = c.consume(ctx, sess, conn)
			//nolint:errcheck // connection already failed or ctx is done
			conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		c.pushLost(sess, err, failures)

		timer := time.NewTimer(c.cfg.Reconnect.Delay(failures))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// sessionIdentity copies the identity of sess. reconcile replaces it under
// mu when the session's profile or roles change.
func (c *Channel) sessionIdentity(sess *activeSession) auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sess.identity.Clone()
}

func (c *Channel) consume(ctx context.Context, sess *activeSession, conn PushConn) error {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				c.logger.Debug("dropping malformed push payload", "error", err)
				continue
			}
			return err
		}
		c.applyPush(sess, ev)
	}
}

func (c *Channel) applyPush(sess *activeSession, ev Event) {
	c.update(func() bool {
		if c.active != sess {
			c.logger.Debug("push event for ended session discarded", "notification_id", ev.ID)
			return false
		}
		return c.insertLocked(ev, SourcePush)
	})
}

func (c *Channel) pushConnected(sess *activeSession) {
	if c.update(func() bool {
		if c.active != sess {
			return false
		}
		if c.health.Push == PushDisconnected {
			c.logger.Info("push channel reconnected", "after_failures", c.health.Failures)
		}
		c.health = Health{Push: PushConnected, Since: c.now(), LastPull: c.health.LastPull}
		return true
	}) {
		sess.poke()
	}
}

// pushLost records the degraded state. The first failure after a working
// or fresh connection is a warning; repeats are debug.
func (c *Channel) pushLost(sess *activeSession, err error, failures int) {
	var tightened bool
	c.update(func() bool {
		if c.active != sess {
			return false
		}
		msg := ""
		if err != nil {
			msg = err.Error()
		}

		if c.health.Push != PushDisconnected {
			c.metrics.ObservePushDisconnect()
			c.logger.Warn("push channel disconnected, falling back to pull", "error", msg)
			c.health.Since = c.now()
			tightened = true
		} else {
			c.logger.Debug("push channel reconnect failed", "attempt", failures, "error", msg)
		}
		c.health.Push = PushDisconnected
		c.health.LastError = msg
		c.health.Failures = failures
		return true
	})

	if tightened {
		sess.poke()
	}
}

// poke reschedules the pull timer for the current push state.
func (s *activeSession) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) insertLocked(ev Event, src Source) bool {
	ev.Message = c.sanitizer.Text(ev.Message)
	ok := c.feed.Insert(ev, src)
	c.metrics.ObserveNotification(string(src), ok)
	return ok
}

func (c *Channel) snapshotLocked() Snapshot {
	return Snapshot{
		Items:  c.feed.Items(),
		Unread: c.feed.UnreadCount(),
		Health: c.health,
	}
}

// update applies mutate under mu and, if it reports a change, delivers the
// resulting snapshot to subscribers in commit order.
func (c *Channel) update(mutate func() bool) bool {
	c.mu.Lock()
	if !mutate() {
		c.mu.Unlock()
		return false
	}
	snap := c.snapshotLocked()
	subs := append([]snapshotSub(nil), c.subs...)
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, s := range subs {
		c.deliver(s, snap)
	}
	return true
}

func (c *Channel) deliver(s snapshotSub, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification subscriber panic recovered", "panic", r)
		}
	}()
	s.fn(snap)
}
