// Package session implements SessionEngine (§4.8): the top-level
// coordinator that wires SignalingClient, TransportSession,
// AuthHandshake, ControlStream, and the file/chat multiplexer into one
// mountable session, styled on the teacher's agent type in
// agent/main.go (newAgent/start/stop, component struct literal,
// lifecycle logging via slog).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dropsync/core/internal/auth"
	"github.com/dropsync/core/internal/config"
	"github.com/dropsync/core/internal/control"
	"github.com/dropsync/core/internal/filetransfer"
	"github.com/dropsync/core/internal/healing"
	"github.com/dropsync/core/internal/signaling"
	"github.com/dropsync/core/internal/transport"
)

// signalPayload is the JSON shape relayed as SignalingClient's opaque
// payload: {type:"offer", offer}, {type:"answer", answer},
// {type:"candidate", candidate} (spec.md §6.1).
type signalPayload struct {
	Type      string                      `json:"type"`
	Offer     *webrtc.SessionDescription  `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription  `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit    `json:"candidate,omitempty"`
}

// SubstreamSnapshot mirrors transport.SubstreamInfo for the inspect operation.
type SubstreamSnapshot struct {
	Label          string
	ReadyState     string
	BufferedAmount uint64
	Threshold      uint64
}

// Snapshot is the structured view Inspect returns (§4.8).
type Snapshot struct {
	Room           string
	LocalID        string
	RemoteID       string
	PeerState      string
	PeerIP         string
	PeerLatencyMS  float64
	SignalingState string
	ICEState       string
	AuthState      string
	Control        *SubstreamSnapshot
	Transfers      []filetransfer.Transfer
	Chat           []control.ChatMessage
}

// Engine coordinates one DropSync session end to end.
type Engine struct {
	cfg      *config.Config
	sig      *signaling.Client
	password atomic.Pointer[string]

	mu            sync.Mutex
	room          string
	remotePeerID  string
	transportSess *transport.Session
	controlStream *control.Stream
	handshake     *auth.Handshake
	receivers     map[string]*filetransfer.Receiver

	transfersMu sync.Mutex
	transfers   map[string]*filetransfer.Transfer
	order       []string

	cancelsMu sync.Mutex
	cancels   map[string]context.CancelFunc

	chatMu sync.Mutex
	chat   []control.ChatMessage

	onTransferUpdate func(*filetransfer.Transfer)
	onChatMessage    func(control.ChatMessage)
	onPendingFile    func(*filetransfer.PendingFile)
	onPeerStateChange func(transport.PeerState)

	logger *slog.Logger
}

// New creates an Engine for cfg, which may carry an initial password.
func New(cfg *config.Config) *Engine {
	e := &Engine{
		cfg:       cfg,
		sig:       signaling.New(cfg.RelayURL),
		receivers: make(map[string]*filetransfer.Receiver),
		transfers: make(map[string]*filetransfer.Transfer),
		cancels:   make(map[string]context.CancelFunc),
		logger:    slog.Default().With("component", "session"),
	}
	if cfg.Password != "" {
		e.SetPassword(cfg.Password)
	}
	return e
}

// SetPassword updates the live password reference. Handshakes, senders
// and receivers read it when they are created; ones already running
// keep the password they started with.
func (e *Engine) SetPassword(password string) {
	e.password.Store(&password)
}

func (e *Engine) currentPassword() string {
	p := e.password.Load()
	if p == nil {
		return ""
	}
	return *p
}

// OnTransferUpdate registers the callback invoked on every Transfer state change.
func (e *Engine) OnTransferUpdate(cb func(*filetransfer.Transfer)) { e.onTransferUpdate = cb }

// OnChatMessage registers the callback invoked for every local or remote chat message.
func (e *Engine) OnChatMessage(cb func(control.ChatMessage)) { e.onChatMessage = cb }

// OnPendingFile registers the callback invoked when an inbound file
// finishes reassembly and awaits accept/decline.
func (e *Engine) OnPendingFile(cb func(*filetransfer.PendingFile)) { e.onPendingFile = cb }

// OnPeerStateChange registers the callback invoked on transport.Peer state transitions.
func (e *Engine) OnPeerStateChange(cb func(transport.PeerState)) { e.onPeerStateChange = cb }

// Join mounts the session: dials the relay and joins room.
func (e *Engine) Join(ctx context.Context, room string) error {
	e.mu.Lock()
	e.room = room
	e.mu.Unlock()

	e.sig.OnPeerJoined(e.handlePeerJoined)
	e.sig.OnPeerLeft(e.handlePeerLeft)
	e.sig.OnSignal(e.handleSignal)
	e.sig.OnReconnect(func() {
		e.logger.Info("signaling reconnected, rejoining room", "room", room)
		e.teardownTransport()
	})

	if err := e.sig.Join(ctx, room); err != nil {
		return fmt.Errorf("session: join room: %w", err)
	}
	e.logger.Info("joined room", "room", room)
	return nil
}

// Leave tears down any live transport and leaves the room (§4.8
// "user-requests-leave").
func (e *Engine) Leave(ctx context.Context) error {
	e.teardownTransport()

	e.mu.Lock()
	room := e.room
	e.mu.Unlock()

	if err := e.sig.Leave(room); err != nil {
		return fmt.Errorf("session: leave room: %w", err)
	}
	return e.sig.Close()
}

func (e *Engine) handlePeerJoined(remoteID string) {
	e.mu.Lock()
	hasTransport := e.transportSess != nil
	e.remotePeerID = remoteID
	e.mu.Unlock()

	if hasTransport {
		return
	}

	sess, offer, err := transport.NewInitiator(e.cfg, remoteID,
		transport.OnControlStream(e.bindControlStream(true)),
		transport.OnCandidate(e.relayCandidate(remoteID)),
		transport.OnStateChange(e.handlePeerStateChange),
		transport.OnFileStream(e.bindFileStream()),
	)
	if err != nil {
		e.logger.Error("failed to create initiator transport", "error", err)
		return
	}

	e.mu.Lock()
	e.transportSess = sess
	e.mu.Unlock()

	sess.Peer.RemoteID = remoteID
	if err := e.sig.SendSignal(remoteID, signalPayload{Type: "offer", Offer: offer}); err != nil {
		e.logger.Error("failed to send offer", "error", err)
	}
}

func (e *Engine) handlePeerLeft(remoteID string) {
	e.logger.Info("peer left", "remote_id", remoteID)
	e.teardownTransport()
}

func (e *Engine) handleSignal(from string, payload json.RawMessage) {
	var sig signalPayload
	if err := json.Unmarshal(payload, &sig); err != nil {
		e.logger.Warn("malformed signal payload", "error", err)
		return
	}

	switch sig.Type {
	case "offer":
		e.handleOffer(from, sig)
	case "answer":
		e.handleAnswer(sig)
	case "candidate":
		e.handleCandidate(sig)
	}
}

func (e *Engine) handleOffer(from string, sig signalPayload) {
	e.mu.Lock()
	hasTransport := e.transportSess != nil
	e.remotePeerID = from
	e.mu.Unlock()

	if hasTransport || sig.Offer == nil {
		return
	}

	sess, answer, err := transport.NewResponder(e.cfg, from, *sig.Offer,
		transport.OnControlStream(e.bindControlStream(false)),
		transport.OnCandidate(e.relayCandidate(from)),
		transport.OnStateChange(e.handlePeerStateChange),
		transport.OnFileStream(e.bindFileStream()),
	)
	if err != nil {
		e.logger.Error("failed to create responder transport", "error", err)
		return
	}

	e.mu.Lock()
	e.transportSess = sess
	e.mu.Unlock()

	if err := e.sig.SendSignal(from, signalPayload{Type: "answer", Answer: answer}); err != nil {
		e.logger.Error("failed to send answer", "error", err)
	}
}

func (e *Engine) handleAnswer(sig signalPayload) {
	e.mu.Lock()
	sess := e.transportSess
	e.mu.Unlock()
	if sess == nil || sig.Answer == nil {
		return
	}
	if err := sess.SetAnswer(*sig.Answer); err != nil {
		e.logger.Warn("failed to apply answer", "error", err)
	}
}

func (e *Engine) handleCandidate(sig signalPayload) {
	e.mu.Lock()
	sess := e.transportSess
	e.mu.Unlock()
	if sess == nil || sig.Candidate == nil {
		return
	}
	if err := sess.AddCandidate(*sig.Candidate); err != nil {
		e.logger.Warn("failed to add candidate", "error", err)
	}
}

func (e *Engine) relayCandidate(remoteID string) func(webrtc.ICECandidateInit) {
	return func(c webrtc.ICECandidateInit) {
		if err := e.sig.SendSignal(remoteID, signalPayload{Type: "candidate", Candidate: &c}); err != nil {
			e.logger.Warn("failed to relay candidate", "error", err)
		}
	}
}

func (e *Engine) handlePeerStateChange(state transport.PeerState) {
	if e.onPeerStateChange != nil {
		e.onPeerStateChange(state)
	}
	if state == transport.StateFailed || state == transport.StateClosed {
		e.teardownTransport()
	}
}

// bindControlStream wires a freshly-opened signaling channel into a
// control.Stream and starts the auth handshake on it.
func (e *Engine) bindControlStream(initiator bool) func(*webrtc.DataChannel) {
	return func(dc *webrtc.DataChannel) {
		stream := control.New(dc)
		stream.OnFrame(func(f control.Frame) {
			if f.Kind == control.KindChat {
				msg := control.ChatMessage{ID: f.ChatID, Text: f.Text, Origin: "remote"}
				e.chatMu.Lock()
				e.chat = append(e.chat, msg)
				e.chatMu.Unlock()
				if e.onChatMessage != nil {
					e.onChatMessage(msg)
				}
			}
		})

		e.mu.Lock()
		e.controlStream = stream
		e.mu.Unlock()

		h := auth.New(stream, e.currentPassword(), initiator)
		h.OnTearDown(func(kind auth.ErrorKind) {
			e.logger.Warn("auth handshake rejected", "kind", kind)
			e.teardownTransport()
		})

		e.mu.Lock()
		e.handshake = h
		e.mu.Unlock()

		if err := h.Start(); err != nil {
			e.logger.Error("failed to start handshake", "error", err)
		}
	}
}

// bindFileStream routes an inbound file-<id> channel to a new Receiver.
func (e *Engine) bindFileStream() func(id string, dc *webrtc.DataChannel) {
	return func(id string, dc *webrtc.DataChannel) {
		receiver := filetransfer.NewReceiver(id, dc, e.currentPassword())
		receiver.OnTransfer(e.recordTransfer)
		receiver.OnPendingFile(func(p *filetransfer.PendingFile) {
			if e.onPendingFile != nil {
				e.onPendingFile(p)
			}
		})

		e.mu.Lock()
		e.receivers[id] = receiver
		e.mu.Unlock()
	}
}

func (e *Engine) recordTransfer(t *filetransfer.Transfer) {
	e.transfersMu.Lock()
	if _, exists := e.transfers[t.ID]; !exists {
		e.order = append(e.order, t.ID)
	}
	snapshot := *t
	e.transfers[t.ID] = &snapshot
	e.transfersMu.Unlock()

	if e.onTransferUpdate != nil {
		e.onTransferUpdate(t)
	}
}

func (e *Engine) teardownTransport() {
	e.mu.Lock()
	sess := e.transportSess
	e.transportSess = nil
	e.controlStream = nil
	e.handshake = nil
	e.receivers = make(map[string]*filetransfer.Receiver)
	e.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
}

// chunkSize returns the configured outbound chunk size, falling back
// to filetransfer.ChunkSize when unset.
func (e *Engine) chunkSize() int {
	if e.cfg != nil && e.cfg.ChunkSizeBytes > 0 {
		return e.cfg.ChunkSizeBytes
	}
	return filetransfer.ChunkSize
}

// SendFile opens a new outbound substream for src under a freshly
// generated transfer id and streams it to the connected peer.
func (e *Engine) SendFile(ctx context.Context, src filetransfer.Source) (*filetransfer.Transfer, error) {
	return e.sendFileWithID(ctx, uuid.NewString(), src)
}

func (e *Engine) sendFileWithID(ctx context.Context, id string, src filetransfer.Source) (*filetransfer.Transfer, error) {
	e.mu.Lock()
	sess := e.transportSess
	e.mu.Unlock()
	if sess == nil {
		t := &filetransfer.Transfer{
			ID:        id,
			Direction: filetransfer.DirectionSend,
			Name:      src.Name(),
			SizeBytes: src.Size(),
			Status:    filetransfer.StatusError,
			ErrorKind: fmt.Errorf("not-connected"),
			Source:    src,
		}
		e.recordTransfer(t)
		return t, fmt.Errorf("session: no active transport")
	}

	sendCtx, cancel := context.WithCancel(ctx)
	e.cancelsMu.Lock()
	e.cancels[id] = cancel
	e.cancelsMu.Unlock()
	defer func() {
		e.cancelsMu.Lock()
		delete(e.cancels, id)
		e.cancelsMu.Unlock()
	}()

	sender := filetransfer.NewSender(sess, e.currentPassword(), e.chunkSize())
	t, err := sender.Send(sendCtx, id, src, e.recordTransfer)
	if t != nil {
		t.Source = src
	}
	e.recordTransfer(t)
	return t, err
}

// CancelTransfer sets the cancellation flag on an in-flight outbound
// transfer (§5): it cancels the send context, unblocking the sender
// loop, which then emits transfer-cancelled on the substream and
// transitions the transfer to cancelled. Idempotent: cancelling an
// unknown or already-finished transfer id is a no-op (§5, §8).
func (e *Engine) CancelTransfer(id string) error {
	e.cancelsMu.Lock()
	cancel, ok := e.cancels[id]
	e.cancelsMu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// Retry re-sends a previously failed or cancelled outbound transfer
// over a fresh substream with the same id, using the retained
// source-handle (§3, §4.6 "the source-handle is retained so retry can
// reopen a fresh substream with the same id").
func (e *Engine) Retry(ctx context.Context, id string) (*filetransfer.Transfer, error) {
	e.transfersMu.Lock()
	t, ok := e.transfers[id]
	e.transfersMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session: unknown transfer %s", id)
	}
	if t.Direction != filetransfer.DirectionSend || t.Source == nil {
		return nil, fmt.Errorf("session: transfer %s has no retained source handle", id)
	}
	if t.Status != filetransfer.StatusError && t.Status != filetransfer.StatusCancelled {
		return nil, fmt.Errorf("session: transfer %s is not in a retryable state", id)
	}
	return e.sendFileWithID(ctx, id, t.Source)
}

// SendChat sends a chat frame on the control stream and records it locally.
func (e *Engine) SendChat(text string) (control.ChatMessage, error) {
	e.mu.Lock()
	stream := e.controlStream
	e.mu.Unlock()
	if stream == nil {
		return control.ChatMessage{}, fmt.Errorf("session: no active control stream")
	}

	msg := control.ChatMessage{ID: uuid.NewString(), Text: text, Origin: "local"}
	if err := stream.Send(control.Frame{Kind: control.KindChat, ChatID: msg.ID, Text: text}); err != nil {
		return control.ChatMessage{}, fmt.Errorf("session: send chat: %w", err)
	}

	e.chatMu.Lock()
	e.chat = append(e.chat, msg)
	e.chatMu.Unlock()
	return msg, nil
}

// AcceptFile streams a previously-received pending file to sink.
func (e *Engine) AcceptFile(id string, sink io.Writer) error {
	e.mu.Lock()
	receiver, ok := e.receivers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown transfer %s", id)
	}
	return receiver.Accept(sink)
}

// DeclineFile discards a previously-received pending file.
func (e *Engine) DeclineFile(id string) error {
	e.mu.Lock()
	receiver, ok := e.receivers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session: unknown transfer %s", id)
	}
	return receiver.Decline()
}

// ExecuteAction implements healing.ActionExecutor: a reconnect
// diagnosis tears down the stale transport so the next peer-joined or
// inbound-offer event rebuilds it from scratch.
func (e *Engine) ExecuteAction(action healing.Action) error {
	if action == healing.ActionReconnect {
		e.logger.Info("watchdog requested reconnect, tearing down transport")
		e.teardownTransport()
	}
	return nil
}

// GetStats implements telemetry.StatsSource and healing.StatsProvider.
func (e *Engine) GetStats() map[string]any {
	snap := e.Inspect()
	stats := map[string]any{
		"connected":       snap.PeerState == transport.StateConnected.String(),
		"signaling_state": snap.SignalingState,
		"ice_state":       snap.ICEState,
		"peer_ip":         snap.PeerIP,
		"peer_latency_ms": snap.PeerLatencyMS,
		"chat_messages":   len(snap.Chat),
	}

	active, completed := 0, 0
	for _, tr := range snap.Transfers {
		switch tr.Status {
		case filetransfer.StatusSending, filetransfer.StatusReceiving, filetransfer.StatusPendingAccept:
			active++
		case filetransfer.StatusCompleted:
			completed++
		}
	}
	stats["active_transfers"] = active
	stats["completed_count"] = completed
	return stats
}

// Inspect returns a structured snapshot of transport, signaling, ICE,
// control-substream, transfer, and chat state (§4.8).
func (e *Engine) Inspect() Snapshot {
	e.mu.Lock()
	sess := e.transportSess
	remoteID := e.remotePeerID
	room := e.room
	var authState string
	if e.handshake != nil {
		authState = e.handshake.State().String()
	}
	e.mu.Unlock()

	snap := Snapshot{Room: room, RemoteID: remoteID, AuthState: authState}

	if sess != nil {
		snap.PeerState = sess.Peer.State().String()
		if ip, latencyMS, ok := sess.Peer.Stats(); ok {
			snap.PeerIP = ip
			snap.PeerLatencyMS = latencyMS
		}
		signalingState, iceState, control := sess.Inspect()
		snap.SignalingState = signalingState
		snap.ICEState = iceState
		if control != nil {
			snap.Control = &SubstreamSnapshot{
				Label:          control.Label,
				ReadyState:     control.ReadyState,
				BufferedAmount: control.BufferedAmount,
				Threshold:      control.Threshold,
			}
		}
	}

	e.transfersMu.Lock()
	snap.Transfers = make([]filetransfer.Transfer, 0, len(e.order))
	for _, id := range e.order {
		snap.Transfers = append(snap.Transfers, *e.transfers[id])
	}
	e.transfersMu.Unlock()

	e.chatMu.Lock()
	snap.Chat = append([]control.ChatMessage(nil), e.chat...)
	e.chatMu.Unlock()

	return snap
}
