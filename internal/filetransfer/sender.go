package filetransfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dropsync/core/internal/cryptokit"
)

const (
	bufferedAmountHighMark = 64 * 1024
	bufferWaitTimeout      = 30 * time.Second
	postCompleteCloseDelay = 1 * time.Second
)

// Source is what FileSender reads from: a named, sized byte stream.
// The reference host satisfies this with *os.File; tests satisfy it
// with an in-memory reader.
type Source interface {
	io.Reader
	Name() string
	Size() int64
}

// Opener abstracts transport.Session.OpenFileStream so this package
// does not import transport directly.
type Opener interface {
	OpenFileStream(ctx context.Context, id string) (*webrtc.DataChannel, error)
}

// Sender drives one outbound file substream (§4.6).
type Sender struct {
	opener    Opener
	password  string // empty disables encryption
	chunkSize int
	logger    *slog.Logger
}

// NewSender creates a Sender bound to opener. password is empty when
// no session password is configured, in which case chunks are sent in
// plaintext. chunkSize of 0 or less falls back to the default ChunkSize.
func NewSender(opener Opener, password string, chunkSize int) *Sender {
	if chunkSize <= 0 {
		chunkSize = ChunkSize
	}
	return &Sender{
		opener:    opener,
		password:  password,
		chunkSize: chunkSize,
		logger:    slog.Default().With("component", "filetransfer.sender"),
	}
}

// Send opens a file-<id> substream and streams src over it, calling
// onProgress after every chunk. It blocks until completion, context
// cancellation, or an error.
func (s *Sender) Send(ctx context.Context, id string, src Source, onProgress func(*Transfer)) (*Transfer, error) {
	t := &Transfer{
		ID:        id,
		Direction: DirectionSend,
		Name:      src.Name(),
		SizeBytes: src.Size(),
		Status:    StatusSending,
	}

	dc, err := s.opener.OpenFileStream(ctx, id)
	if err != nil {
		t.Status = StatusError
		t.ErrorKind = err
		return t, err
	}

	lowWater := make(chan struct{}, 1)
	dc.SetBufferedAmountLowThreshold(bufferedAmountHighMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case lowWater <- struct{}{}:
		default:
		}
	})

	startFrame, err := json.Marshal(wireFrame{Type: "file-start", Name: t.Name, Size: t.SizeBytes})
	if err != nil {
		return s.fail(t, dc, fmt.Errorf("filetransfer: marshal file-start: %w", err))
	}
	if err := dc.SendText(string(startFrame)); err != nil {
		return s.fail(t, dc, ErrConnectionClosed)
	}

	var sent int64
	buf := make([]byte, s.chunkSize)
	for {
		select {
		case <-ctx.Done():
			return s.fail(t, dc, ErrCancelled)
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if s.password != "" {
				chunk, err = cryptokit.EncryptChunk(chunk, s.password)
				if err != nil {
					return s.fail(t, dc, err)
				}
			}

			if err := s.waitForBufferSpace(ctx, dc, lowWater); err != nil {
				return s.fail(t, dc, err)
			}

			if dc.ReadyState() != webrtc.DataChannelStateOpen {
				return s.fail(t, dc, ErrConnectionClosed)
			}
			if err := dc.Send(chunk); err != nil {
				return s.fail(t, dc, ErrConnectionClosed)
			}

			sent += int64(n)
			t.Progress = progressPercent(sent, t.SizeBytes)
			if onProgress != nil {
				onProgress(t)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return s.fail(t, dc, fmt.Errorf("filetransfer: read source: %w", readErr))
		}
	}

	endFrame, _ := json.Marshal(wireFrame{Type: "file-end"})
	if err := dc.SendText(string(endFrame)); err != nil {
		return s.fail(t, dc, ErrConnectionClosed)
	}

	t.Status = StatusCompleted
	t.Progress = 100
	if onProgress != nil {
		onProgress(t)
	}

	time.AfterFunc(postCompleteCloseDelay, func() { dc.Close() })
	return t, nil
}

func (s *Sender) waitForBufferSpace(ctx context.Context, dc *webrtc.DataChannel, lowWater chan struct{}) error {
	if dc.BufferedAmount() <= bufferedAmountHighMark {
		return nil
	}
	timer := time.NewTimer(bufferWaitTimeout)
	defer timer.Stop()

	select {
	case <-lowWater:
		return nil
	case <-timer.C:
		return ErrBufferTimeout
	case <-ctx.Done():
		return ErrCancelled
	}
}

func (s *Sender) fail(t *Transfer, dc *webrtc.DataChannel, err error) (*Transfer, error) {
	t.Status = StatusError
	t.ErrorKind = err
	if err == ErrCancelled {
		t.Status = StatusCancelled
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			frame, _ := json.Marshal(wireFrame{Type: "transfer-cancelled"})
			if err := dc.SendText(string(frame)); err != nil {
				s.logger.Warn("failed to send transfer-cancelled frame", "error", err)
			}
		}
	}
	dc.Close()
	return t, err
}
