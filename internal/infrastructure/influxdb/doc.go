// Package influxdb writes optional agent telemetry to InfluxDB v2.
//
// Two measurements are recorded:
//   - session_transition: one point per session status change
//   - channel_health: one point per notification push-state change
//
// Writes are non-blocking and batched by the official client; failures
// arrive through the SetOnError callback. When disabled in configuration
// Connect returns ErrDisabled and the agent runs without telemetry.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteSessionTransition("authenticating", "authenticated", "", 2, time.Now())
package influxdb
