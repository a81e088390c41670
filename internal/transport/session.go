// Package transport owns the WebRTC peer connection for one DropSync
// session: offer/answer negotiation, ICE candidate trickling, the
// multiplexed data-channel layer, and liveness/stats sampling (§4.3).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropsync/core/internal/config"
)

// PeerState mirrors the Peer.connection-state enum of the data model (§3).
type PeerState int

const (
	StateNew PeerState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Peer is the §3 Peer entity: the remote endpoint bound to this session.
type Peer struct {
	mu         sync.RWMutex
	RemoteID   string
	state      PeerState
	peerIP     string
	latencyMS  float64
	haveStats  bool
}

func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) setState(s PeerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Stats returns the last-sampled (peerIP, latencyMS, ok). ok is false
// until the first sample has been taken.
func (p *Peer) Stats() (string, float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peerIP, p.latencyMS, p.haveStats
}

func (p *Peer) setStats(ip string, latencyMS float64) {
	p.mu.Lock()
	p.peerIP, p.latencyMS, p.haveStats = ip, latencyMS, true
	p.mu.Unlock()
}

const (
	fileStreamOpenTimeout = 5 * time.Second
	bufferedAmountLowMark = 64 * 1024
	statsSampleInterval   = 2 * time.Second
)

// ErrChannelOpenTimeout is returned when a substream does not reach
// the open state within fileStreamOpenTimeout.
var ErrChannelOpenTimeout = errors.New("channel-open-timeout")

// Session owns one WebRTC PeerConnection plus its multiplexed channels.
// Exactly one instance is ever live per engine session (§4.3).
type Session struct {
	pc        *webrtc.PeerConnection
	initiator bool
	Peer      *Peer

	control *webrtc.DataChannel

	onControlStream func(*webrtc.DataChannel)
	onFileStream    func(id string, dc *webrtc.DataChannel)
	onCandidate     func(webrtc.ICECandidateInit)
	onStateChange   func(PeerState)

	stopStats chan struct{}
	logger    *slog.Logger
}

// Option configures callbacks wired before negotiation begins.
type Option func(*Session)

// OnControlStream registers the callback invoked with the `signaling`
// data channel once it is available on either side.
func OnControlStream(cb func(*webrtc.DataChannel)) Option {
	return func(s *Session) { s.onControlStream = cb }
}

// OnFileStream registers the callback invoked for every inbound file-<id> channel.
func OnFileStream(cb func(id string, dc *webrtc.DataChannel)) Option {
	return func(s *Session) { s.onFileStream = cb }
}

// OnCandidate registers the callback used to relay trickled local
// candidates through the signaling client.
func OnCandidate(cb func(webrtc.ICECandidateInit)) Option {
	return func(s *Session) { s.onCandidate = cb }
}

// OnStateChange registers the callback invoked whenever Peer.State() changes.
func OnStateChange(cb func(PeerState)) Option {
	return func(s *Session) { s.onStateChange = cb }
}

func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

func newSession(cfg *config.Config, remoteID string, initiator bool, opts []Option) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg)})
	if err != nil {
		return nil, fmt.Errorf("transport: new peer connection: %w", err)
	}

	s := &Session{
		pc:        pc,
		initiator: initiator,
		Peer:      &Peer{RemoteID: remoteID, state: StateNew},
		stopStats: make(chan struct{}),
		logger:    slog.Default().With("component", "transport", "peer", remoteID),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wireConnectionState()
	s.wireCandidates()
	s.wireDataChannels()

	return s, nil
}

// NewInitiator creates a session in the initiator role: it opens the
// `signaling` control channel and creates the SDP offer in the same step.
func NewInitiator(cfg *config.Config, remoteID string, opts ...Option) (*Session, *webrtc.SessionDescription, error) {
	s, err := newSession(cfg, remoteID, true, opts)
	if err != nil {
		return nil, nil, err
	}

	ordered := true
	dc, err := s.pc.CreateDataChannel("signaling", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: create control channel: %w", err)
	}
	s.control = dc
	if s.onControlStream != nil {
		s.onControlStream(dc)
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: set local description: %w", err)
	}

	s.Peer.setState(StateConnecting)
	s.startStatsLoop()
	return s, s.pc.LocalDescription(), nil
}

// NewResponder creates a session in the responder role from a remote offer.
func NewResponder(cfg *config.Config, remoteID string, offer webrtc.SessionDescription, opts ...Option) (*Session, *webrtc.SessionDescription, error) {
	s, err := newSession(cfg, remoteID, false, opts)
	if err != nil {
		return nil, nil, err
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: set remote description: %w", err)
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.pc.Close()
		return nil, nil, fmt.Errorf("transport: set local description: %w", err)
	}

	s.Peer.setState(StateConnecting)
	s.startStatsLoop()
	return s, s.pc.LocalDescription(), nil
}

// SetAnswer applies a remote answer received by the initiator. Late
// answers arriving outside HaveLocalOffer are ignored (§4.3).
func (s *Session) SetAnswer(answer webrtc.SessionDescription) error {
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		s.logger.Warn("dropping answer on closed signaling state")
		return nil
	}
	if s.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Debug("ignoring late answer", "state", s.pc.SignalingState())
		return nil
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("transport: set remote description: %w", err)
	}
	return nil
}

// AddCandidate adds a trickled remote ICE candidate. Candidates
// received after close are dropped with a warning (§4.3).
func (s *Session) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if s.pc.SignalingState() == webrtc.SignalingStateClosed {
		s.logger.Warn("dropping ICE candidate on closed signaling state")
		return nil
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("transport: add ice candidate: %w", err)
	}
	return nil
}

func (s *Session) wireCandidates() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if s.onCandidate != nil {
			s.onCandidate(c.ToJSON())
		}
	})
}

func (s *Session) wireConnectionState() {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		var mapped PeerState
		switch state {
		case webrtc.PeerConnectionStateConnected:
			mapped = StateConnected
		case webrtc.PeerConnectionStateDisconnected:
			mapped = StateDisconnected
		case webrtc.PeerConnectionStateFailed:
			mapped = StateFailed
		case webrtc.PeerConnectionStateClosed:
			mapped = StateClosed
		default:
			mapped = StateConnecting
		}

		s.Peer.setState(mapped)
		s.logger.Info("connection state changed", "state", mapped)
		if s.onStateChange != nil {
			s.onStateChange(mapped)
		}
		if mapped == StateFailed || mapped == StateClosed {
			s.stopStatsLoop()
		}
	})
}

func (s *Session) wireDataChannels() {
	s.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		if label == "signaling" {
			s.control = dc
			if s.onControlStream != nil {
				s.onControlStream(dc)
			}
			return
		}
		if len(label) > len("file-") && label[:len("file-")] == "file-" {
			id := label[len("file-"):]
			if s.onFileStream != nil {
				s.onFileStream(id, dc)
			}
			return
		}
		s.logger.Warn("unrecognized inbound data channel", "label", label)
	})
}

// OpenFileStream opens a new substream labeled file-<id> with a 64KiB
// buffered-amount-low threshold, blocking until open or timing out at 5s.
func (s *Session) OpenFileStream(ctx context.Context, id string) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := s.pc.CreateDataChannel("file-"+id, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("transport: create file channel: %w", err)
	}
	dc.SetBufferedAmountLowThreshold(bufferedAmountLowMark)

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })

	timer := time.NewTimer(fileStreamOpenTimeout)
	defer timer.Stop()

	select {
	case <-opened:
		return dc, nil
	case <-timer.C:
		dc.Close()
		return nil, ErrChannelOpenTimeout
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	}
}

// Close tears down the peer connection and its channels.
func (s *Session) Close() error {
	s.stopStatsLoop()
	s.Peer.setState(StateClosed)
	return s.pc.Close()
}

// SignalingState exposes the underlying negotiation state for Inspect (§4.8).
func (s *Session) SignalingState() webrtc.SignalingState { return s.pc.SignalingState() }

// ICEConnectionState exposes the ICE agent's state for Inspect (§4.8).
func (s *Session) ICEConnectionState() webrtc.ICEConnectionState { return s.pc.ICEConnectionState() }

func (s *Session) startStatsLoop() {
	ticker := time.NewTicker(statsSampleInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sampleStats()
			case <-s.stopStats:
				return
			}
		}
	}()
}

func (s *Session) stopStatsLoop() {
	select {
	case <-s.stopStats:
	default:
		close(s.stopStats)
	}
}

// sampleStats reads the nominated succeeded candidate pair and
// publishes round-trip time and remote IP onto Peer (§4.3).
func (s *Session) sampleStats() {
	if s.Peer.State() != StateConnected {
		return
	}

	report := s.pc.GetStats()
	for _, stat := range report {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded || !pair.Nominated {
			continue
		}

		remoteStat, ok := report[pair.RemoteCandidateID]
		ip := ""
		if ok {
			if cand, ok := remoteStat.(webrtc.ICECandidateStats); ok {
				ip = cand.IP
			}
		}

		s.Peer.setStats(ip, pair.CurrentRoundTripTime*1000)
		return
	}
}

// SubstreamInfo is the per-substream shape of the §4.8 inspect snapshot.
type SubstreamInfo struct {
	Label           string
	ReadyState      string
	BufferedAmount  uint64
	Threshold       uint64
}

// Inspect returns signaling state, ICE state, and the control
// substream info. File substreams are not included, here or in
// session.Engine's snapshot.
func (s *Session) Inspect() (signalingState, iceState string, control *SubstreamInfo) {
	signalingState = s.SignalingState().String()
	iceState = s.ICEConnectionState().String()
	if s.control != nil {
		control = &SubstreamInfo{
			Label:          s.control.Label(),
			ReadyState:     s.control.ReadyState().String(),
			BufferedAmount: s.control.BufferedAmount(),
			Threshold:      s.control.BufferedAmountLowThreshold(),
		}
	}
	return
}

// MarshalCandidateJSON is a small helper used by engines bridging
// transport candidates onto the signaling carrier's JSON envelope.
func MarshalCandidateJSON(c webrtc.ICECandidateInit) (json.RawMessage, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal candidate: %w", err)
	}
	return b, nil
}
