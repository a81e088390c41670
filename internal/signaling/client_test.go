package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay is a minimal test double for the room-and-forward relay:
// on join it announces peer-joined to both the joiner and the members
// already present, and it forwards "signal" envelopes to every other
// connection in the same room.
type fakeRelay struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string][]*websocket.Conn
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{conns: make(map[string][]*websocket.Conn)}
}

func (r *fakeRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	go r.handle(conn)
}

func (r *fakeRelay) handle(conn *websocket.Conn) {
	var room string
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Event {
		case "join-room":
			room = env.Room
			r.mu.Lock()
			r.conns[room] = append(r.conns[room], conn)
			peers := r.conns[room]
			r.mu.Unlock()
			for _, other := range peers {
				if other != conn {
					other.WriteJSON(envelope{Event: "peer-joined", Peer: "them"})
					conn.WriteJSON(envelope{Event: "peer-joined", Peer: "them"})
				}
			}
		case "signal":
			r.mu.Lock()
			peers := append([]*websocket.Conn{}, r.conns[room]...)
			r.mu.Unlock()
			for _, other := range peers {
				if other != conn {
					other.WriteJSON(envelope{Event: "signal", From: "peer", Data: env.Data})
				}
			}
		}
	}
}

func TestJoinSendSignalReceive(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := New(wsURL)
	b := New(wsURL)
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)
	b.OnSignal(func(from string, payload json.RawMessage) {
		var s string
		json.Unmarshal(payload, &s)
		received <- s
	})

	if err := a.Join(t.Context(), "room1"); err != nil {
		t.Fatalf("a.Join: %v", err)
	}
	if err := b.Join(t.Context(), "room1"); err != nil {
		t.Fatalf("b.Join: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := a.SendSignal("b", "hello"); err != nil {
		t.Fatalf("SendSignal: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received payload = %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestOnPeerJoinedFires(t *testing.T) {
	relay := newFakeRelay()
	srv := httptest.NewServer(relay)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	a := New(wsURL)
	b := New(wsURL)
	defer a.Close()
	defer b.Close()

	joined := make(chan string, 1)
	a.OnPeerJoined(func(remoteID string) { joined <- remoteID })

	if err := a.Join(t.Context(), "room2"); err != nil {
		t.Fatalf("a.Join: %v", err)
	}
	if err := b.Join(t.Context(), "room2"); err != nil {
		t.Fatalf("b.Join: %v", err)
	}

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer-joined")
	}
}

func TestSendSignalWithoutConnectionFails(t *testing.T) {
	c := New("ws://unused.invalid")
	if err := c.SendSignal("x", "y"); err == nil {
		t.Error("expected error sending signal without a connection")
	}
}
