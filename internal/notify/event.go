package notify

import (
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/commongrow/garden-core/internal/backend"
)

// Source identifies which delivery path produced an event.
type Source string

const (
	SourcePush Source = "push"
	SourcePull Source = "pull"
)

// Event is one entry of the notification feed. Message is plain text with
// entities decoded, so it may contain a literal "<"; UIs must escape it
// before inserting it into HTML.
type Event struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

// EventFromNotification converts a wire notification to a feed event.
func EventFromNotification(n backend.Notification) Event {
	return Event{
		ID:        n.ID.String(),
		Message:   n.Message,
		CreatedAt: n.CreatedAt.UTC(),
		Read:      n.Read,
	}
}

// Sanitizer turns backend message text into plain text. Markup is removed
// with bluemonday's strict policy; entities are decoded again because the
// feed carries text, not HTML.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer builds a Sanitizer. The policy is safe for concurrent use.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text strips markup and surrounding whitespace from raw. The result is
// unescaped text, not HTML.
func (s *Sanitizer) Text(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
