package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSessionTransition = "session_transition"
	MeasurementChannelHealth     = "channel_health"
)

// WriteSessionTransition records a session status change. Statuses are
// tags; the identity and error kind are fields to keep series cardinality
// bounded.
func (c *Client) WriteSessionTransition(from, to, errorKind string, version uint64, at time.Time) {
	c.writePoint(sessionTransitionPoint(from, to, errorKind, version, at))
}

// WriteChannelHealth records the notification channel's push state.
func (c *Client) WriteChannelHealth(push string, failures, unread int, at time.Time) {
	c.writePoint(channelHealthPoint(push, failures, unread, at))
}

func sessionTransitionPoint(from, to, errorKind string, version uint64, at time.Time) *write.Point {
	fields := map[string]any{
		"version": version,
	}
	if errorKind != "" {
		fields["error_kind"] = errorKind
	}
	return write.NewPoint(
		MeasurementSessionTransition,
		map[string]string{"from": from, "to": to},
		fields,
		at,
	)
}

func channelHealthPoint(push string, failures, unread int, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementChannelHealth,
		map[string]string{"push": push},
		map[string]any{
			"failures": failures,
			"unread":   unread,
			"degraded": push != "connected",
		},
		at,
	)
}
