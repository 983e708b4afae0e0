package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commongrow/garden-core/internal/guard"
	"github.com/commongrow/garden-core/internal/infrastructure/config"
	"github.com/commongrow/garden-core/internal/infrastructure/logging"
	"github.com/commongrow/garden-core/internal/session"
)

// wsHarness runs the hub and change relay behind a real HTTP server.
func wsHarness(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := testServer(t, &fakeBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	go env.srv.hub.Run(ctx)
	unsubs := env.srv.relayChanges()

	ts := httptest.NewServer(env.handler)
	t.Cleanup(func() {
		for _, u := range unsubs {
			u()
		}
		cancel()
		ts.Close()
	})
	return env, "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg WSMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, what string, match func(msg WSMessage, raw json.RawMessage) bool) {
	t.Helper()
	//nolint:errcheck // test deadline
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var envelope struct {
			WSMessage
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(envelope.WSMessage, envelope.Payload) {
			return
		}
	}
}

func TestWebSocket_SessionEvents(t *testing.T) {
	env, url := wsHarness(t)
	conn := dial(t, url)

	send(t, conn, WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelSession}}})
	readUntil(t, conn, "subscribe response", func(msg WSMessage, _ json.RawMessage) bool {
		return msg.Type == WSTypeResponse && msg.ID == "1"
	})

	env.login(t)

	seen := make(map[session.Status]bool)
	readUntil(t, conn, "authenticated event", func(msg WSMessage, raw json.RawMessage) bool {
		if msg.Type != WSTypeEvent || msg.EventType != ChannelSession {
			return false
		}
		var s session.Session
		if err := json.Unmarshal(raw, &s); err != nil {
			t.Fatalf("decoding session event: %v", err)
		}
		seen[s.Status] = true
		return s.Status == session.StatusAuthenticated
	})
	if !seen[session.StatusAuthenticating] {
		t.Error("authenticating event not delivered before authenticated")
	}
}

func TestWebSocket_WatchNavigation(t *testing.T) {
	env, url := wsHarness(t)
	conn := dial(t, url)

	send(t, conn, WSMessage{Type: WSTypeWatch, ID: "w", Payload: WSWatchPayload{Path: "/plots"}})
	readUntil(t, conn, "watch response", func(msg WSMessage, _ json.RawMessage) bool {
		return msg.Type == WSTypeResponse && msg.ID == "w"
	})

	decisions := func(want guard.Decision) func(WSMessage, json.RawMessage) bool {
		return func(msg WSMessage, raw json.RawMessage) bool {
			if msg.EventType != ChannelNavigation {
				return false
			}
			var ev NavigationEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				t.Fatalf("decoding navigation event: %v", err)
			}
			return ev.Path == "/plots" && ev.Decision == want
		}
	}
	readUntil(t, conn, "initial redirect_to_login", decisions(guard.RedirectToLogin))

	env.login(t)
	readUntil(t, conn, "allow after login", decisions(guard.Allow))

	send(t, conn, WSMessage{Type: WSTypeUnwatch, ID: "u", Payload: WSWatchPayload{Path: "/plots"}})
	readUntil(t, conn, "unwatch response", func(msg WSMessage, _ json.RawMessage) bool {
		return msg.Type == WSTypeResponse && msg.ID == "u"
	})
}

func TestWebSocket_PingAndErrors(t *testing.T) {
	_, url := wsHarness(t)
	conn := dial(t, url)

	tests := []struct {
		msg      WSMessage
		wantType string
	}{
		{WSMessage{Type: WSTypePing, ID: "p"}, WSTypePong},
		{WSMessage{Type: "teleport", ID: "x"}, WSTypeError},
		{WSMessage{Type: WSTypeWatch, ID: "e"}, WSTypeError},
	}
	for _, tt := range tests {
		send(t, conn, tt.msg)
		readUntil(t, conn, tt.msg.Type+" reply", func(msg WSMessage, _ json.RawMessage) bool {
			if msg.ID != tt.msg.ID {
				return false
			}
			if msg.Type != tt.wantType {
				t.Errorf("reply to %s = %s, want %s", tt.msg.Type, msg.Type, tt.wantType)
			}
			return true
		})
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	_, url := wsHarness(t)
	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("dial from foreign origin succeeded")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	}
}

func newTestClient(hub *Hub, channels ...string) *WSClient {
	c := &WSClient{
		id:            "c",
		hub:           hub,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]struct{}),
		watches:       make(map[string]func()),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	hub.Register(c)
	return c
}

func TestHub_BroadcastOnlyToSubscribers(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard(), nil)
	subscribed := newTestClient(hub, ChannelSession)
	other := newTestClient(hub, ChannelDashboard)

	hub.Broadcast(ChannelSession, map[string]string{"status": "anonymous"})

	select {
	case data := <-subscribed.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != WSTypeEvent || msg.EventType != ChannelSession {
			t.Errorf("message = %+v", msg)
		}
	default:
		t.Error("subscribed client received nothing")
	}
	if len(other.send) != 0 {
		t.Error("unsubscribed client received the event")
	}
	if hub.ClientCount() != 2 {
		t.Errorf("ClientCount() = %d, want 2", hub.ClientCount())
	}
}

func TestHub_UnregisterStopsClient(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard(), nil)
	c := newTestClient(hub, ChannelSession)

	stopped := false
	c.watches["/admin"] = func() { stopped = true }

	hub.Unregister(c)
	hub.Unregister(c)

	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Unregister")
	}
	if !stopped {
		t.Error("watch not stopped on Unregister")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}

	// A late broadcast or watch callback must not panic.
	c.trySend([]byte("late"))
	hub.Broadcast(ChannelSession, nil)
}

func TestHub_Defaults(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard(), nil)
	if hub.maxMessageSize != defaultWSMaxMessageSize || hub.pingInterval != defaultWSPingInterval || hub.pongWait != defaultWSPongTimeout {
		t.Errorf("defaults = %d %v %v", hub.maxMessageSize, hub.pingInterval, hub.pongWait)
	}
}
