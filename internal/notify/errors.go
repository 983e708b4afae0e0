package notify

import "errors"

var (
	// ErrNotActive is returned when the channel has no authenticated session.
	ErrNotActive = errors.New("notification channel not active")

	// ErrRefreshThrottled is returned when on-demand refreshes exceed the
	// configured rate.
	ErrRefreshThrottled = errors.New("notification refresh throttled")

	// ErrAlreadyRunning is returned by a second concurrent Run.
	ErrAlreadyRunning = errors.New("notification channel already running")

	// ErrMalformedEvent marks a push payload that could not be decoded. The
	// connection stays up; only the payload is dropped.
	ErrMalformedEvent = errors.New("malformed notification payload")

	// ErrPushClosed is returned by PushConn.Next once the connection ended.
	ErrPushClosed = errors.New("push connection closed")
)
