package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/backend"
	"github.com/commongrow/garden-core/internal/infrastructure/mqtt"
)

// mqttBuffer bounds undelivered push payloads per connection. Overflow is
// dropped; the pull path recovers it.
const mqttBuffer = 64

// Broker is the part of mqtt.Client the MQTT push source needs.
type Broker interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	SetOnDisconnect(callback func(err error))
}

// MQTTSource receives notifications on {prefix}/notifications/{identity_id}.
type MQTTSource struct {
	broker Broker
	topics mqtt.Topics
	qos    byte

	mu    sync.Mutex
	conns map[string]*mqttConn
}

// NewMQTTSource builds a source and takes over the broker's disconnect
// callback so live connections end when the broker link drops.
func NewMQTTSource(broker Broker, topics mqtt.Topics, qos byte) *MQTTSource {
	s := &MQTTSource{
		broker: broker,
		topics: topics,
		qos:    qos,
		conns:  make(map[string]*mqttConn),
	}
	broker.SetOnDisconnect(s.dropAll)
	return s
}

// Open subscribes to the identity's notification topic.
func (s *MQTTSource) Open(ctx context.Context, identity auth.Identity) (PushConn, error) {
	if !s.broker.IsConnected() {
		return nil, fmt.Errorf("subscribing to notifications: %w", mqtt.ErrNotConnected)
	}

	topic := s.topics.Notifications(identity.ID)
	c := &mqttConn{
		source:   s,
		topic:    topic,
		payloads: make(chan []byte, mqttBuffer),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.conns[topic] = c
	s.mu.Unlock()

	err := s.broker.Subscribe(topic, s.qos, func(_ string, payload []byte) error {
		select {
		case c.payloads <- payload:
		case <-c.done:
		default:
			return fmt.Errorf("notification buffer full on %s", topic)
		}
		return nil
	})
	if err != nil {
		s.release(c)
		return nil, fmt.Errorf("subscribing to notifications: %w", err)
	}

	context.AfterFunc(ctx, func() { c.Close() })
	return c, nil
}

func (s *MQTTSource) dropAll(error) {
	s.mu.Lock()
	conns := make([]*mqttConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.end()
	}
}

// release forgets c. It reports whether c was still the live connection
// for its topic, in which case the caller owns the unsubscribe.
func (s *MQTTSource) release(c *mqttConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.topic] != c {
		return false
	}
	delete(s.conns, c.topic)
	return true
}

type mqttConn struct {
	source    *MQTTSource
	topic     string
	payloads  chan []byte
	done      chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once
}

func (c *mqttConn) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-c.done:
		return Event{}, ErrPushClosed
	case data := <-c.payloads:
		n, err := backend.DecodeNotification(data)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
		}
		return EventFromNotification(n), nil
	}
}

// end stops delivery without touching the broker.
func (c *mqttConn) end() {
	c.endOnce.Do(func() { close(c.done) })
}

func (c *mqttConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.end()
		if c.source.release(c) {
			err = c.source.broker.Unsubscribe(c.topic)
		}
	})
	return err
}
