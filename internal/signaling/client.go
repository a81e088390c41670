// Package signaling implements the DropSync client side of the
// rendezvous protocol: join/leave a room, relay opaque signal payloads
// to a specific peer, and reconnect transparently when the underlying
// socket drops. The relay itself (room bookkeeping and forwarding) is
// a separate process, out of scope for this package.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// KeepaliveInterval is how often the client pings the relay to
	// defeat 60 s idle timeouts on intermediaries (§4.2, §6.1).
	KeepaliveInterval = 10 * time.Second
	// PongDeadline is how long the client waits for a pong before
	// considering the connection dead.
	PongDeadline = 5 * time.Second

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 10 * time.Second
)

// envelope is the wire shape shared by every client<->server frame.
type envelope struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Peer  string          `json:"peer,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is a thin façade over a persistent, room-scoped WebSocket
// connection to the signaling relay (§4.2).
type Client struct {
	url string

	mu      sync.Mutex
	conn    *websocket.Conn
	room    string
	closing bool

	onSignal     func(from string, payload json.RawMessage)
	onPeerJoined func(remoteID string)
	onPeerLeft   func(remoteID string)
	onReconnect  func()

	logger *slog.Logger
}

// New creates a Client bound to the relay at url. Dial is not
// performed until Join.
func New(url string) *Client {
	return &Client{
		url:    url,
		logger: slog.Default().With("component", "signaling"),
	}
}

// OnSignal registers the callback invoked for every relayed signal payload.
func (c *Client) OnSignal(cb func(from string, payload json.RawMessage)) { c.onSignal = cb }

// OnPeerJoined registers the callback invoked when another member joins the room.
func (c *Client) OnPeerJoined(cb func(remoteID string)) { c.onPeerJoined = cb }

// OnPeerLeft registers the callback invoked when a member leaves or disconnects.
func (c *Client) OnPeerLeft(cb func(remoteID string)) { c.onPeerLeft = cb }

// OnReconnect registers the callback invoked after the carrier
// re-establishes its underlying transport; the caller must re-join the room.
func (c *Client) OnReconnect(cb func()) { c.onReconnect = cb }

// Join dials the relay (if not already connected) and sends a
// join-room event for room.
func (c *Client) Join(ctx context.Context, room string) error {
	c.mu.Lock()
	if c.conn == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("signaling: dial: %w", err)
		}
		c.conn = conn
		c.closing = false
		go c.readLoop(conn)
		go c.keepaliveLoop(conn)
	}
	c.room = room
	conn := c.conn
	c.mu.Unlock()

	return c.send(conn, envelope{Event: "join-room", Room: room})
}

// Leave sends a leave-room event for room.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.send(conn, envelope{Event: "leave-room", Room: room})
}

// SendSignal relays an opaque payload to a specific remote-id with no
// ordering guarantee beyond the carrier's (§4.2, §6.1).
func (c *Client) SendSignal(to string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling: not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signaling: marshal payload: %w", err)
	}
	return c.send(conn, envelope{Event: "signal", To: to, Data: data})
}

// Close tears down the underlying socket.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) send(conn *websocket.Conn, env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("signaling: connection replaced")
	}
	return conn.WriteJSON(env)
}

func (c *Client) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(KeepaliveInterval + PongDeadline))
	})

	for range ticker.C {
		c.mu.Lock()
		same := c.conn == conn
		c.mu.Unlock()
		if !same {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(PongDeadline)); err != nil {
			c.logger.Warn("keepalive ping failed", "error", err)
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			closing := c.closing
			same := c.conn == conn
			if same {
				c.conn = nil
			}
			c.mu.Unlock()

			if closing || !same {
				return
			}

			c.logger.Warn("signaling connection lost, reconnecting", "error", err)
			c.reconnect()
			return
		}

		switch env.Event {
		case "peer-joined":
			if c.onPeerJoined != nil {
				c.onPeerJoined(env.Peer)
			}
		case "peer-left":
			if c.onPeerLeft != nil {
				c.onPeerLeft(env.Peer)
			}
		case "signal":
			if c.onSignal != nil {
				c.onSignal(env.From, env.Data)
			}
		default:
			c.logger.Debug("unknown signaling event", "event", env.Event)
		}
	}
}

// reconnect redials with exponential backoff and, on success, invokes
// OnReconnect so the caller can re-join its room.
func (c *Client) reconnect() {
	delay := reconnectBaseDelay
	for {
		c.mu.Lock()
		closing := c.closing
		room := c.room
		c.mu.Unlock()
		if closing {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)
		go c.keepaliveLoop(conn)

		if room != "" {
			_ = c.send(conn, envelope{Event: "join-room", Room: room})
		}
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
}
