// Package auth implements AuthHandshake (§4.5): the HMAC
// challenge-response state machine running on top of a control.Stream
// that decides whether a session is admitted, rejected, or skipped.
package auth

import (
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/dropsync/core/internal/control"
	"github.com/dropsync/core/internal/cryptokit"
)

// State is the handshake's own state machine, narrower than but
// feeding control.AuthState.
type State int

const (
	StatePendingOpen State = iota
	StatePendingRemote
	StateAdmitted
	StateRejected
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StatePendingOpen:
		return "pending-open"
	case StatePendingRemote:
		return "pending-remote"
	case StateAdmitted:
		return "admitted"
	case StateRejected:
		return "rejected"
	case StateSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ErrorKind enumerates the teardown reasons of §4.5 rules 2,3,5,7.
type ErrorKind string

const (
	ErrPasswordRequired           ErrorKind = "password-required"
	ErrPasswordMismatchPeerHas    ErrorKind = "password-mismatch-peer-has-password"
	ErrPasswordMismatchPeerHasNot ErrorKind = "password-mismatch-peer-has-none"
	ErrWrongPassword              ErrorKind = "wrong-password"
)

// Handshake runs the §4.5 state machine on one control.Stream.
type Handshake struct {
	stream    *control.Stream
	password  string
	initiator bool

	mu      sync.Mutex
	state   State
	sentNonce []byte

	onAdmitted func()
	onSkipped  func()
	onTearDown func(ErrorKind)

	logger *slog.Logger
}

// New creates a Handshake bound to stream. password is empty when the
// local side has none configured.
func New(stream *control.Stream, password string, initiator bool) *Handshake {
	h := &Handshake{
		stream:    stream,
		password:  password,
		initiator: initiator,
		state:     StatePendingOpen,
		logger:    slog.Default().With("component", "auth"),
	}
	stream.OnFrame(h.handleFrame)
	return h
}

// OnAdmitted registers the callback invoked on a transition to Admitted.
func (h *Handshake) OnAdmitted(cb func()) { h.onAdmitted = cb }

// OnSkipped registers the callback invoked on a transition to Skipped.
func (h *Handshake) OnSkipped(cb func()) { h.onSkipped = cb }

// OnTearDown registers the callback invoked on any transition to
// Rejected, carrying the reason (§4.5, §7 propagation rule).
func (h *Handshake) OnTearDown(cb func(ErrorKind)) { h.onTearDown = cb }

// State returns the current handshake state.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start begins the handshake once the control stream is open: if local
// has no password, either role sends auth-skip; rule 4 (local has
// password, initiator) sends the challenge; if local has a password but
// is the responder, nothing is sent — the initiator drives the first move.
func (h *Handshake) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.password == "" {
		// No password, either role: announce auth-skip at stream-open
		// so the remote side can detect a mismatch (rule 5) or admit (rule 1).
		h.state = StatePendingRemote
		return h.stream.Send(control.Frame{Kind: control.KindAuthSkip})
	}

	if h.initiator {
		nonce, err := cryptokit.NewNonce()
		if err != nil {
			return err
		}
		h.sentNonce = nonce
		h.state = StatePendingRemote
		return h.stream.Send(control.Frame{
			Kind:      control.KindAuthChallenge,
			Challenge: base64.StdEncoding.EncodeToString(nonce),
		})
	}

	h.state = StatePendingRemote
	return nil
}

func (h *Handshake) handleFrame(f control.Frame) {
	switch f.Kind {
	case control.KindAuthSkip:
		h.onAuthSkip()
	case control.KindAuthChallenge:
		h.onAuthChallenge(f)
	case control.KindAuthResponse:
		h.onAuthResponse(f)
	case control.KindAuthOK:
		h.onAuthOK()
	case control.KindAuthFail:
		h.tearDown("", true)
	}
}

// rule 1 / rule 5
func (h *Handshake) onAuthSkip() {
	h.mu.Lock()
	hasPassword := h.password != ""
	h.mu.Unlock()

	if !hasPassword {
		h.skip()
		return
	}
	h.reject(ErrPasswordMismatchPeerHasNot, true)
}

// rule 2 / rule 6
func (h *Handshake) onAuthChallenge(f control.Frame) {
	h.mu.Lock()
	hasPassword := h.password != ""
	password := h.password
	h.mu.Unlock()

	if !hasPassword {
		h.reject(ErrPasswordRequired, true)
		return
	}

	nonce, err := base64.StdEncoding.DecodeString(f.Challenge)
	if err != nil {
		h.reject(ErrWrongPassword, true)
		return
	}
	sig := cryptokit.SignChallenge(nonce, password)
	h.stream.Send(control.Frame{
		Kind:      control.KindAuthResponse,
		Challenge: f.Challenge,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
}

// rule 3 / rule 7
func (h *Handshake) onAuthResponse(f control.Frame) {
	h.mu.Lock()
	hasPassword := h.password != ""
	password := h.password
	sentNonce := h.sentNonce
	h.mu.Unlock()

	if !hasPassword {
		h.reject(ErrPasswordMismatchPeerHas, true)
		return
	}

	nonce, err := base64.StdEncoding.DecodeString(f.Challenge)
	if err != nil {
		h.reject(ErrWrongPassword, true)
		return
	}
	sig, err := base64.StdEncoding.DecodeString(f.Signature)
	if err != nil {
		h.reject(ErrWrongPassword, true)
		return
	}

	if len(sentNonce) == 0 || !bytesEqual(nonce, sentNonce) || !cryptokit.VerifyChallenge(nonce, sig, password) {
		h.reject(ErrWrongPassword, true)
		return
	}

	h.stream.Send(control.Frame{Kind: control.KindAuthOK})
	h.admit()
}

func (h *Handshake) onAuthOK() {
	h.admit()
}

func (h *Handshake) admit() {
	h.mu.Lock()
	h.state = StateAdmitted
	h.mu.Unlock()

	h.stream.SetAdmitted(true)
	if h.onAdmitted != nil {
		h.onAdmitted()
	}
}

func (h *Handshake) skip() {
	h.mu.Lock()
	h.state = StateSkipped
	h.mu.Unlock()

	h.stream.SetAdmitted(true)
	if h.onSkipped != nil {
		h.onSkipped()
	}
}

func (h *Handshake) reject(kind ErrorKind, sendFail bool) {
	if sendFail {
		h.stream.Send(control.Frame{Kind: control.KindAuthFail})
	}
	h.tearDown(kind, false)
}

// tearDown handles both local-initiated rejection (sendFail already
// issued by reject) and a received auth-fail (rule 8), where the
// reason is unknown to this side.
func (h *Handshake) tearDown(kind ErrorKind, fromRemote bool) {
	h.mu.Lock()
	if h.state == StateRejected {
		h.mu.Unlock()
		return
	}
	h.state = StateRejected
	h.mu.Unlock()

	if h.onTearDown != nil {
		h.onTearDown(kind)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
