// Package notify merges the backend's notification pull endpoint and its
// real-time push path into one de-duplicated, time-ordered feed per session.
//
// A Channel follows the session store. While the session is authenticated it
// runs a pull loop and, when a PushSource is configured, a push loop. Both
// insert into the same Feed; an event whose ID is already present is
// dropped, so delivery is at-least-once with client-side de-duplication.
//
// Push failures never reach the user. The channel records a disconnected
// Health state, tightens the pull interval and reconnects with exponential
// backoff. Leaving the authenticated state cancels both loops, closes the
// push connection and clears the feed before the next identity can log in.
//
// Push transports:
//   - WebSocketSource: gorilla/websocket dialer against {ws_origin}/ws
//   - MQTTSource: per-identity topic on the agent's MQTT broker
package notify
