package notify

import (
	"context"

	"github.com/commongrow/garden-core/internal/auth"
)

// PushSource opens the real-time path for one identity.
type PushSource interface {
	// Open connects for identity. The connection must close itself once
	// ctx is done.
	Open(ctx context.Context, identity auth.Identity) (PushConn, error)
}

// PushConn delivers events until it fails or is closed.
type PushConn interface {
	// Next blocks for the next event. Errors wrapping ErrMalformedEvent
	// leave the connection usable; any other error ends it.
	Next(ctx context.Context) (Event, error)
	Close() error
}
