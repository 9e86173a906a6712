package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"zvonilka/pkg/signal"

	"github.com/gorilla/websocket"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	s := NewServer(ServerConfig{})

	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.closeAll()
		srv.Close()
	})

	return s, srv.URL
}

func dial(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg signal.Message) {
	t.Helper()

	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func expect(t *testing.T, conn *websocket.Conn) signal.Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	msg, err := signal.Parse(payload)
	if err != nil {
		t.Fatalf("relay sent %s: %v", payload, err)
	}

	return msg
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message %s", payload)
	}
}

func register(t *testing.T, s *Server, conn *websocket.Conn, key string) {
	t.Helper()

	send(t, conn, signal.Register(key))

	deadline := time.Now().Add(5 * time.Second)
	for !s.Registered(key) {
		if time.Now().After(deadline) {
			t.Fatalf("%q never registered", key)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelayRewritesActions(t *testing.T) {
	s, url := startTestServer(t)

	alice := dial(t, url)
	bob := dial(t, url)

	register(t, s, alice, "alice")
	register(t, s, bob, "bob")

	send(t, alice, signal.Call("bob", "offer"))

	msg := expect(t, bob)
	if msg.Action != signal.ActionIncomingCall || msg.From != "alice" || msg.Signal.SDP != "offer" {
		t.Fatalf("bob got %s", msg)
	}
	if msg.To != "" {
		t.Fatalf("relayed message kept to=%q", msg.To)
	}

	send(t, bob, signal.Answer("alice", "answer"))

	msg = expect(t, alice)
	if msg.Action != signal.ActionCallAnswer || msg.From != "bob" || msg.Signal.SDP != "answer" {
		t.Fatalf("alice got %s", msg)
	}

	candidate := signal.Candidate(`{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0"}`)
	send(t, alice, signal.ICE("bob", candidate))

	msg = expect(t, bob)
	if msg.Action != signal.ActionICE || msg.From != "alice" {
		t.Fatalf("bob got %s", msg)
	}

	var got, want map[string]interface{}
	if err := json.Unmarshal(msg.Candidate, &got); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if err := json.Unmarshal(candidate, &want); err != nil {
		t.Fatalf("candidate: %v", err)
	}
	if got["candidate"] != want["candidate"] || got["sdpMid"] != want["sdpMid"] {
		t.Fatalf("candidate=%v, want %v", got, want)
	}

	send(t, bob, signal.Bye("alice"))

	msg = expect(t, alice)
	if msg.Action != signal.ActionCallEnded || msg.From != "bob" {
		t.Fatalf("alice got %s", msg)
	}
}

func TestRelayDropsUndeliverable(t *testing.T) {
	s, url := startTestServer(t)

	alice := dial(t, url)
	stranger := dial(t, url)

	register(t, s, alice, "alice")

	// No recipient registered under that key.
	send(t, alice, signal.Call("nobody", "offer"))

	// Not registered, so there is no from to fill in.
	send(t, stranger, signal.Call("alice", "offer"))

	// Malformed and endpoint-forbidden messages.
	if err := stranger.WriteMessage(websocket.TextMessage, []byte(`{"action":"call"`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	send(t, stranger, signal.CallEnded("alice"))

	expectNothing(t, alice)
}

func TestRelayKeyTakeover(t *testing.T) {
	s, url := startTestServer(t)

	caller := dial(t, url)
	first := dial(t, url)
	second := dial(t, url)

	register(t, s, caller, "carol")
	register(t, s, first, "bob")

	send(t, second, signal.Register("bob"))

	// The relay routes in order per connection, so once a message from second
	// comes through, its register has been handled.
	send(t, second, signal.Bye("carol"))

	if msg := expect(t, caller); msg.From != "bob" {
		t.Fatalf("caller got %s", msg)
	}

	// The displaced connection going away does not unregister the new owner.
	_ = first.Close()
	time.Sleep(50 * time.Millisecond)

	if !s.Registered("bob") {
		t.Fatalf("bob unregistered by the displaced connection")
	}

	send(t, caller, signal.Call("bob", "offer"))

	if msg := expect(t, second); msg.Action != signal.ActionIncomingCall {
		t.Fatalf("second got %s", msg)
	}

	_ = second.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.Registered("bob") {
		if time.Now().After(deadline) {
			t.Fatalf("bob still registered after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	s, url := startTestServer(t)

	register(t, s, dial(t, url), "alice")

	resp, err := http.Get(url + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["clients"] != float64(1) || body["connections"] != float64(1) {
		t.Fatalf("body=%v", body)
	}
}

func TestCloseAllDropsUnregisteredConnections(t *testing.T) {
	s, url := startTestServer(t)

	conn := dial(t, url)

	deadline := time.Now().Add(5 * time.Second)
	for s.connections() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never tracked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.closeAll()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err=%v, want normal closure", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for s.connections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d connections left after closeAll", s.connections())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
