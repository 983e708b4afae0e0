package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/commongrow/garden-core/internal/session"
)

const (
	recorderBuffer = 128
	drainTimeout   = 2 * time.Second
	writeTimeout   = 5 * time.Second
)

// Logger is the logging interface used by the Recorder.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Source is the part of session.Store the Recorder observes.
type Source interface {
	Subscribe(fn func(session.Change)) (unsubscribe func())
}

// Recorder writes every session status transition to a Repository.
// Observation never blocks the store; when the buffer is full the entry is
// dropped and counted.
type Recorder struct {
	repo    Repository
	logger  Logger
	entries chan Entry
	dropped atomic.Uint64
}

// NewRecorder creates a recorder writing to repo.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		repo:    repo,
		logger:  logger,
		entries: make(chan Entry, recorderBuffer),
	}
}

// Dropped returns how many transitions were not recorded because the
// buffer was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run subscribes to src and writes entries until ctx is cancelled. Entries
// already queued are flushed before it returns.
func (r *Recorder) Run(ctx context.Context, src Source) error {
	unsubscribe := src.Subscribe(r.observe)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return nil
		case e := <-r.entries:
			r.write(ctx, e)
		}
	}
}

func (r *Recorder) observe(c session.Change) {
	if !c.StatusChanged {
		return
	}
	e := entryFromChange(c)
	select {
	case r.entries <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn("session audit buffer full, dropping entry",
			"from", e.From, "to", e.To, "version", e.Version)
	}
}

func (r *Recorder) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-r.entries:
			r.write(ctx, e)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, &e); err != nil {
		r.logger.Warn("recording session transition failed",
			"from", e.From, "to", e.To, "error", err)
		return
	}
	r.logger.Debug("session transition recorded", "id", e.ID, "to", e.To)
}

func entryFromChange(c session.Change) Entry {
	e := Entry{
		From:      c.Previous.Status,
		To:        c.Current.Status,
		Version:   c.Current.Version,
		CreatedAt: c.Current.Since,
	}
	// Logout leaves no identity on the current side.
	e.IdentityID = c.Current.IdentityID()
	if e.IdentityID == "" {
		e.IdentityID = c.Previous.IdentityID()
	}
	if c.Current.Err != nil {
		e.ErrorKind = c.Current.Err.Kind
	}
	return e
}
