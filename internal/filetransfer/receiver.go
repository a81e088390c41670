package filetransfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dropsync/core/internal/cryptokit"
)

// Receiver is bound to one inbound file-<id> data channel and
// reassembles it into a PendingFile for explicit accept/decline (§4.7).
type Receiver struct {
	id       string
	dc       *webrtc.DataChannel
	password string // empty disables decryption

	mu          sync.Mutex
	transfer    *Transfer
	accumulator [][]byte
	received    int64
	pending     *PendingFile

	onTransfer    func(*Transfer)
	onPendingFile func(*PendingFile)

	logger *slog.Logger
}

// NewReceiver binds a Receiver to dc, whose label must be file-<id>.
func NewReceiver(id string, dc *webrtc.DataChannel, password string) *Receiver {
	r := &Receiver{
		id:       id,
		dc:       dc,
		password: password,
		transfer: &Transfer{ID: id, Direction: DirectionReceive, Status: StatusReceiving},
		logger:   slog.Default().With("component", "filetransfer.receiver", "id", id),
	}
	dc.OnMessage(r.handleMessage)
	dc.OnClose(r.handleClose)
	return r
}

// OnTransfer registers the callback invoked on every Transfer state change.
func (r *Receiver) OnTransfer(cb func(*Transfer)) { r.onTransfer = cb }

// OnPendingFile registers the callback invoked once the payload is
// fully reassembled and awaiting accept/decline.
func (r *Receiver) OnPendingFile(cb func(*PendingFile)) { r.onPendingFile = cb }

// Transfer returns a snapshot of the current transfer record.
func (r *Receiver) Transfer() Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.transfer
}

func (r *Receiver) handleMessage(msg webrtc.DataChannelMessage) {
	if msg.IsString {
		r.handleFrame(msg.Data)
		return
	}
	r.handleChunk(msg.Data)
}

func (r *Receiver) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.logger.Warn("malformed control frame", "error", err)
		return
	}

	switch frame.Type {
	case "file-start":
		r.mu.Lock()
		r.transfer.Name = frame.Name
		r.transfer.SizeBytes = frame.Size
		r.transfer.Status = StatusReceiving
		t := *r.transfer
		r.mu.Unlock()
		r.notifyTransfer(&t)

	case "file-end":
		r.finish()

	case "transfer-cancelled":
		r.mu.Lock()
		r.transfer.Status = StatusCancelled
		r.accumulator = nil
		t := *r.transfer
		r.mu.Unlock()
		r.notifyTransfer(&t)
		r.dc.Close()
	}
}

func (r *Receiver) handleChunk(data []byte) {
	plaintext := data
	if r.password != "" {
		decrypted, err := cryptokit.DecryptChunk(data, r.password)
		if err != nil {
			r.mu.Lock()
			r.transfer.Status = StatusError
			r.transfer.ErrorKind = ErrDecryptionFailed
			r.accumulator = nil
			t := *r.transfer
			r.mu.Unlock()
			r.notifyTransfer(&t)
			r.dc.Close()
			return
		}
		plaintext = decrypted
	}

	r.mu.Lock()
	r.accumulator = append(r.accumulator, plaintext)
	r.received += int64(len(plaintext))
	r.transfer.Progress = progressPercent(r.received, r.transfer.SizeBytes)
	t := *r.transfer
	r.mu.Unlock()
	r.notifyTransfer(&t)
}

func (r *Receiver) finish() {
	r.mu.Lock()
	payload := bytes.Join(r.accumulator, nil)
	r.accumulator = nil
	r.transfer.Status = StatusPendingAccept
	r.pending = &PendingFile{
		ID:      r.id,
		Name:    r.transfer.Name,
		Size:    r.transfer.SizeBytes,
		Payload: payload,
	}
	pending := r.pending
	t := *r.transfer
	r.mu.Unlock()

	r.notifyTransfer(&t)
	if r.onPendingFile != nil {
		r.onPendingFile(pending)
	}
	r.dc.Close()
}

func (r *Receiver) handleClose() {
	r.mu.Lock()
	if r.transfer.Status != StatusReceiving {
		r.mu.Unlock()
		return
	}
	r.transfer.Status = StatusError
	r.transfer.ErrorKind = ErrConnectionLost
	r.accumulator = nil
	t := *r.transfer
	r.mu.Unlock()
	r.notifyTransfer(&t)
}

func (r *Receiver) notifyTransfer(t *Transfer) {
	if r.onTransfer != nil {
		r.onTransfer(t)
	}
}

// Accept streams the pending payload to sink and transitions to Completed.
func (r *Receiver) Accept(sink io.Writer) error {
	r.mu.Lock()
	pending := r.pending
	r.mu.Unlock()
	if pending == nil {
		return ErrNotPendingAccept
	}

	if _, err := sink.Write(pending.Payload); err != nil {
		return fmt.Errorf("filetransfer: write accepted payload: %w", err)
	}

	r.mu.Lock()
	r.transfer.Status = StatusCompleted
	r.pending = nil
	t := *r.transfer
	r.mu.Unlock()
	r.notifyTransfer(&t)
	return nil
}

// Decline discards the pending payload and transitions to Cancelled
// with ErrDeclined. It sends transfer-cancelled only if the substream is
// still open; finish closes the substream once the payload is assembled,
// so usually nothing is sent. The sender's completed record is not
// changed either way (§4.7, §8 scenario 6).
func (r *Receiver) Decline() error {
	r.mu.Lock()
	if r.pending == nil {
		r.mu.Unlock()
		return ErrNotPendingAccept
	}
	r.transfer.Status = StatusCancelled
	r.transfer.ErrorKind = ErrDeclined
	r.pending = nil
	t := *r.transfer
	r.mu.Unlock()
	r.notifyTransfer(&t)

	frame, _ := json.Marshal(wireFrame{Type: "transfer-cancelled"})
	if r.dc.ReadyState() == webrtc.DataChannelStateOpen {
		r.dc.SendText(string(frame))
	}
	return nil
}
