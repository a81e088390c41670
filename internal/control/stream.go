// Package control implements ControlStream (§4.4): the single reliable
// ordered data channel carrying auth frames and chat, multiplexed over
// one WebRTC data channel labeled "signaling".
package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Kind enumerates the frame kinds carried on the control stream (§4.4).
type Kind string

const (
	KindAuthSkip     Kind = "auth-skip"
	KindAuthChallenge Kind = "auth-challenge"
	KindAuthResponse Kind = "auth-response"
	KindAuthOK       Kind = "auth-ok"
	KindAuthFail     Kind = "auth-fail"
	KindChat         Kind = "chat"
)

// Frame is the wire shape of every control-stream message.
type Frame struct {
	Kind      Kind   `json:"kind"`
	Challenge string `json:"challenge,omitempty"` // base64, 32 random bytes
	Signature string `json:"signature,omitempty"` // base64 MAC
	ChatID    string `json:"chat_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// AuthState mirrors the ControlStream.auth-state of the data model (§3).
type AuthState int

const (
	AuthPending AuthState = iota
	AuthAdmitted
	AuthRejected
	AuthSkipped
)

func (s AuthState) String() string {
	switch s {
	case AuthPending:
		return "pending"
	case AuthAdmitted:
		return "admitted"
	case AuthRejected:
		return "rejected"
	case AuthSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Stream wraps one "signaling"-labelled WebRTC data channel, decoding
// and dispatching JSON frames to independent subscribers rather than
// exposing the channel directly — the id-keyed-callback decoupling the
// teacher's healing.Monitor uses via its StatsProvider interface.
type Stream struct {
	dc *webrtc.DataChannel

	mu      sync.RWMutex
	admitted bool

	onFrame []func(Frame)
	logger  *slog.Logger
}

// New wraps dc, an already-open or opening "signaling" data channel.
func New(dc *webrtc.DataChannel) *Stream {
	s := &Stream{
		dc:     dc,
		logger: slog.Default().With("component", "control"),
	}
	dc.OnMessage(s.handleMessage)
	return s
}

// OnFrame registers a callback invoked for every frame that passes
// the pre-admission filter. Each registered callback receives every frame.
func (s *Stream) OnFrame(cb func(Frame)) {
	s.mu.Lock()
	s.onFrame = append(s.onFrame, cb)
	s.mu.Unlock()
}

// SetAdmitted flips the filter that allows chat frames through. Auth
// frames are always accepted regardless of admission state.
func (s *Stream) SetAdmitted(admitted bool) {
	s.mu.Lock()
	s.admitted = admitted
	s.mu.Unlock()
}

func (s *Stream) isAdmitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.admitted
}

func (s *Stream) handleMessage(msg webrtc.DataChannelMessage) {
	var frame Frame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("discarding malformed control frame", "error", err)
		return
	}

	isAuthKind := frame.Kind == KindAuthSkip || frame.Kind == KindAuthChallenge ||
		frame.Kind == KindAuthResponse || frame.Kind == KindAuthOK || frame.Kind == KindAuthFail

	if !isAuthKind && !s.isAdmitted() {
		s.logger.Debug("discarding frame on un-admitted stream", "kind", frame.Kind)
		return
	}

	s.mu.RLock()
	subscribers := append([]func(Frame){}, s.onFrame...)
	s.mu.RUnlock()
	for _, cb := range subscribers {
		cb(frame)
	}
}

// Send marshals and writes frame on the underlying channel.
func (s *Stream) Send(frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("control: marshal frame: %w", err)
	}
	if err := s.dc.Send(data); err != nil {
		return fmt.Errorf("control: send frame: %w", err)
	}
	return nil
}

// ChatMessage is the §3 ChatMessage entity.
type ChatMessage struct {
	ID        string
	Text      string
	Origin    string // "local" | "remote"
	Timestamp int64
}
