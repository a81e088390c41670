// Package filetransfer implements FileSender and FileReceiver (§4.6,
// §4.7): per-file substream framing, optional encryption, backpressure,
// cancellation, and the receiver's accept/decline opt-in.
package filetransfer

import (
	"errors"
	"math"
)

// ChunkSize is the default plaintext chunk size; NewSender uses it
// when given a chunk size of 0 or less.
const ChunkSize = 16384

// Status is the §3 FileTransfer.status enum.
type Status int

const (
	StatusSending Status = iota
	StatusReceiving
	StatusPendingAccept
	StatusCompleted
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusReceiving:
		return "receiving"
	case StatusPendingAccept:
		return "pending-accept"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Direction is the §3 FileTransfer.direction enum.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

// Sentinel errors for sender and receiver operations (§4.6, §4.7).
var (
	ErrChannelOpenTimeout = errors.New("channel-open-timeout")
	ErrBufferTimeout      = errors.New("buffer-timeout")
	ErrConnectionClosed   = errors.New("connection-closed")
	ErrCancelled          = errors.New("cancelled")
	ErrDeclined           = errors.New("declined")
	ErrConnectionLost     = errors.New("connection-lost")
	ErrDecryptionFailed   = errors.New("decryption-failed")
	ErrNotPendingAccept   = errors.New("not-pending-accept")
)

// Transfer is the §3 FileTransfer entity.
type Transfer struct {
	ID        string
	Direction Direction
	Name      string
	SizeBytes int64
	Progress  int
	Status    Status
	ErrorKind error

	// Source is the retained sender-side source handle (§3 "optional
	// source-handle (sender only)"): nil on the receive side; on the
	// send side session.Engine sets it to the Source that was sent, so
	// Retry can reopen a fresh substream with the same id. Retry reads
	// from the Source's current position; it does not rewind it.
	Source Source
}

// PendingFile is the §3 PendingFile entity: a fully reassembled
// inbound payload awaiting the user's accept/decline decision.
type PendingFile struct {
	ID      string
	Name    string
	Size    int64
	Payload []byte
}

// wireFrame is the JSON shape of file-start/file-end/transfer-cancelled
// control frames interleaved with binary chunks on a file-<id> substream.
type wireFrame struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func progressPercent(sent, size int64) int {
	if size <= 0 {
		return 100
	}
	pct := int(math.Floor(float64(sent) / float64(size) * 100))
	if pct > 100 {
		pct = 100
	}
	return pct
}
