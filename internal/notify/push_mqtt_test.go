package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/commongrow/garden-core/internal/auth"
	"github.com/commongrow/garden-core/internal/infrastructure/mqtt"
)

type fakeBroker struct {
	mu           sync.Mutex
	connected    bool
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
	onDisconnect func(error)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{connected: true, handlers: map[string]mqtt.MessageHandler{}}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, topic)
	b.unsubscribed = append(b.unsubscribed, topic)
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) SetOnDisconnect(cb func(error)) {
	b.mu.Lock()
	b.onDisconnect = cb
	b.mu.Unlock()
}

func (b *fakeBroker) deliver(t *testing.T, topic, payload string) error {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription on %s", topic)
	}
	return h(topic, []byte(payload))
}

func TestMQTTSource_DeliversIdentityTopic(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, mqtt.NewTopics("garden"), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := src.Open(ctx, auth.Identity{ID: "u-42"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer conn.Close()

	topic := "garden/notifications/u-42"
	if err := broker.deliver(t, topic, `{"id":3,"message":"Frost warning","createdAt":"2026-05-01T06:00:00Z"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	broker.deliver(t, topic, `{"message":"no id"}`)

	got, err := conn.Next(ctx)
	if err != nil || got.ID != "3" || got.Message != "Frost warning" {
		t.Fatalf("Next() = %+v, %v", got, err)
	}
	if _, err := conn.Next(ctx); !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("Next() on payload without id = %v, want ErrMalformedEvent", err)
	}
}

func TestMQTTSource_NotConnected(t *testing.T) {
	broker := newFakeBroker()
	broker.connected = false
	src := NewMQTTSource(broker, mqtt.NewTopics("garden"), 1)

	_, err := src.Open(context.Background(), auth.Identity{ID: "u1"})
	if !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Open() = %v, want mqtt.ErrNotConnected", err)
	}
}

func TestMQTTSource_BrokerDisconnectEndsConnections(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, mqtt.NewTopics("garden"), 1)

	conn, err := src.Open(context.Background(), auth.Identity{ID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	broker.mu.Lock()
	cb := broker.onDisconnect
	broker.mu.Unlock()
	if cb == nil {
		t.Fatal("source did not register a disconnect callback")
	}
	cb(errors.New("keepalive timeout"))

	if _, err := conn.Next(context.Background()); !errors.Is(err, ErrPushClosed) {
		t.Errorf("Next() after broker drop = %v, want ErrPushClosed", err)
	}
}

func TestMQTTSource_ContextCancelUnsubscribes(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, mqtt.NewTopics("garden"), 1)
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := src.Open(ctx, auth.Identity{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		broker.mu.Lock()
		n := len(broker.unsubscribed)
		broker.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("topic was not unsubscribed after cancel")
}

func TestMQTTSource_StaleCloseKeepsNewerSubscription(t *testing.T) {
	broker := newFakeBroker()
	src := NewMQTTSource(broker, mqtt.NewTopics("garden"), 1)

	old, err := src.Open(context.Background(), auth.Identity{ID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Open(context.Background(), auth.Identity{ID: "u1"}); err != nil {
		t.Fatal(err)
	}

	if err := old.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.unsubscribed) != 0 {
		t.Errorf("unsubscribed %v, want the newer subscription kept", broker.unsubscribed)
	}
}
