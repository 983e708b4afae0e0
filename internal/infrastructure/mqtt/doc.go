// Package mqtt provides MQTT broker connectivity for the Garden Core agent.
//
// Some garden installations fan notifications out through an MQTT broker
// instead of the backend's WebSocket endpoint. This package wraps the paho
// client so the notification channel can use the broker as its push path.
//
// It manages:
//   - Connection with auto-reconnect and exponential backoff
//   - Subscriptions that are restored after every reconnect
//   - Agent presence on {prefix}/agents/{client_id}/status, with a Last Will
//     so other services see an unexpected disconnect
//   - Topic builders for per-identity notification topics
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix)
//	err = client.Subscribe(topics.Notifications(identityID), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
// Security: use TLS (broker.tls) and broker ACLs that restrict each agent to
// its own identity's notification topic.
package mqtt
