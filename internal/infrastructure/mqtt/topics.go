package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "garden"

// Topics builds Garden Core MQTT topics under a configurable prefix.
//
//	topics := mqtt.NewTopics("garden")
//	topics.Notifications("u-42") // "garden/notifications/u-42"
type Topics struct {
	prefix string
}

// NewTopics returns builders rooted at prefix. Surrounding slashes are
// trimmed; an empty prefix falls back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root every topic lives under.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// Notifications returns the per-identity notification topic.
//
// Example: garden/notifications/u-42
func (t Topics) Notifications(identityID string) string {
	return fmt.Sprintf("%s/notifications/%s", t.Prefix(), escapeLevel(identityID))
}

// AgentStatus returns the retained presence topic for one agent.
//
// Example: garden/agents/gardencore-agent/status
func (t Topics) AgentStatus(clientID string) string {
	return fmt.Sprintf("%s/agents/%s/status", t.Prefix(), escapeLevel(clientID))
}

// escapeLevel keeps a value inside a single topic level. MQTT wildcards and
// separators in IDs would otherwise widen a subscription.
func escapeLevel(v string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(v)
}
