package filetransfer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// memSource adapts an in-memory byte slice to the Source interface.
type memSource struct {
	*bytes.Reader
	name string
	size int64
}

func newMemSource(name string, data []byte) *memSource {
	return &memSource{Reader: bytes.NewReader(data), name: name, size: int64(len(data))}
}

func (m *memSource) Name() string { return m.name }
func (m *memSource) Size() int64  { return m.size }

// pairedOpener implements Opener by creating a matching data channel
// on both sides of a live PeerConnection pair, handing the remote side
// to onRemote as soon as it opens.
type pairedOpener struct {
	pcLocal, pcRemote *webrtc.PeerConnection
	onRemote          func(id string, dc *webrtc.DataChannel)
}

func newPairedOpener(t *testing.T) *pairedOpener {
	t.Helper()
	pcA, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection a: %v", err)
	}
	pcB, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection b: %v", err)
	}

	pcA.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			pcB.AddICECandidate(c.ToJSON())
		}
	})
	pcB.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			pcA.AddICECandidate(c.ToJSON())
		}
	})

	o := &pairedOpener{pcLocal: pcA, pcRemote: pcB}
	pcB.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		id := label[len("file-"):]
		if o.onRemote != nil {
			o.onRemote(id, dc)
		}
	})
	return o
}

func (o *pairedOpener) close() {
	o.pcLocal.Close()
	o.pcRemote.Close()
}

func (o *pairedOpener) OpenFileStream(ctx context.Context, id string) (*webrtc.DataChannel, error) {
	ordered := true
	dc, err := o.pcLocal.CreateDataChannel("file-"+id, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}

	offer, err := o.pcLocal.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := o.pcLocal.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	if err := o.pcRemote.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := o.pcRemote.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := o.pcRemote.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	if err := o.pcLocal.SetRemoteDescription(answer); err != nil {
		return nil, err
	}

	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		return nil, context.DeadlineExceeded
	}
	return dc, nil
}

func TestSendReceiveRoundTrip(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	var receiver *Receiver
	gotPending := make(chan *PendingFile, 1)
	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		receiver = NewReceiver(id, dc, "")
		receiver.OnPendingFile(func(p *PendingFile) { gotPending <- p })
	}

	sender := NewSender(opener, "", 0)
	payload := []byte("hello dropsync")
	transfer, err := sender.Send(t.Context(), "xyz", newMemSource("a.txt", payload), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if transfer.Status != StatusCompleted {
		t.Errorf("sender status = %s, want completed", transfer.Status)
	}

	select {
	case pending := <-gotPending:
		if pending.Name != "a.txt" {
			t.Errorf("Name = %s, want a.txt", pending.Name)
		}
		if !bytes.Equal(pending.Payload, payload) {
			t.Errorf("Payload = %q, want %q", pending.Payload, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pending file")
	}

	var sink bytes.Buffer
	if err := receiver.Accept(&sink); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Errorf("accepted payload = %q, want %q", sink.Bytes(), payload)
	}
	if receiver.Transfer().Status != StatusCompleted {
		t.Errorf("receiver status = %s, want completed", receiver.Transfer().Status)
	}
}

func TestSendReceiveWithEncryption(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	var receiver *Receiver
	gotPending := make(chan *PendingFile, 1)
	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		receiver = NewReceiver(id, dc, "shared-secret")
		receiver.OnPendingFile(func(p *PendingFile) { gotPending <- p })
	}

	sender := NewSender(opener, "shared-secret", 0)
	payload := make([]byte, 40000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	_, err := sender.Send(t.Context(), "big", newMemSource("blob.bin", payload), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case pending := <-gotPending:
		if !bytes.Equal(pending.Payload, payload) {
			t.Error("decrypted payload mismatch")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pending file")
	}
}

func TestReceiveWrongPasswordFails(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	var receiver *Receiver
	errStates := make(chan *Transfer, 4)
	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		receiver = NewReceiver(id, dc, "wrong-password")
		receiver.OnTransfer(func(tr *Transfer) {
			if tr.Status == StatusError {
				errStates <- tr
			}
		})
	}

	sender := NewSender(opener, "right-password", 0)
	_, err := sender.Send(t.Context(), "id1", newMemSource("f.bin", []byte("some bytes")), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case tr := <-errStates:
		if tr.ErrorKind != ErrDecryptionFailed {
			t.Errorf("ErrorKind = %v, want ErrDecryptionFailed", tr.ErrorKind)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for decryption failure")
	}
}

func TestDeclinePendingFile(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	var receiver *Receiver
	gotPending := make(chan *PendingFile, 1)
	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		receiver = NewReceiver(id, dc, "")
		receiver.OnPendingFile(func(p *PendingFile) { gotPending <- p })
	}

	sender := NewSender(opener, "", 0)
	transfer, err := sender.Send(t.Context(), "decline-me", newMemSource("f.bin", []byte("data")), nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if transfer.Status != StatusCompleted {
		t.Errorf("sender status = %s, want completed (unaffected by decline)", transfer.Status)
	}

	select {
	case <-gotPending:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for pending file")
	}

	if err := receiver.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	got := receiver.Transfer()
	if got.Status != StatusCancelled || got.ErrorKind != ErrDeclined {
		t.Errorf("after decline, status=%s kind=%v, want cancelled/declined", got.Status, got.ErrorKind)
	}

	if err := receiver.Accept(&bytes.Buffer{}); err != ErrNotPendingAccept {
		t.Errorf("Accept after decline = %v, want ErrNotPendingAccept", err)
	}
}

func TestSendCancelledByContext(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		NewReceiver(id, dc, "")
	}

	sender := NewSender(opener, "", 0)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	transfer, err := sender.Send(ctx, "cancel-me", newMemSource("f.bin", bytes.Repeat([]byte{1}, 1<<20)), nil)
	if err != ErrCancelled {
		t.Errorf("err = %v, want ErrCancelled", err)
	}
	if transfer.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", transfer.Status)
	}
}

// TestSendCancelledNotifiesReceiver exercises §8 scenario 5: a
// mid-transfer cancel on the sender side must land a transfer-cancelled
// frame before the substream closes, so the receiver converges to
// cancelled rather than seeing the close as connection-lost.
func TestSendCancelledNotifiesReceiver(t *testing.T) {
	opener := newPairedOpener(t)
	defer opener.close()

	var receiver *Receiver
	recvStates := make(chan *Transfer, 8)
	opener.onRemote = func(id string, dc *webrtc.DataChannel) {
		receiver = NewReceiver(id, dc, "")
		receiver.OnTransfer(func(tr *Transfer) { recvStates <- tr })
	}

	sender := NewSender(opener, "", 0)
	ctx, cancel := context.WithCancel(t.Context())
	payload := bytes.Repeat([]byte{7}, 3*ChunkSize)

	var cancelOnce bool
	onProgress := func(tr *Transfer) {
		if !cancelOnce {
			cancelOnce = true
			cancel()
		}
	}

	transfer, err := sender.Send(ctx, "cancel-mid", newMemSource("f.bin", payload), onProgress)
	if err != ErrCancelled {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if transfer.Status != StatusCancelled {
		t.Errorf("sender status = %s, want cancelled", transfer.Status)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case tr := <-recvStates:
			if tr.Status == StatusCancelled {
				if receiver.Transfer().ErrorKind == ErrConnectionLost {
					t.Error("receiver observed connection-lost, want a clean transfer-cancelled frame")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for receiver to observe cancellation")
		}
	}
}

func TestProgressPercentZeroSize(t *testing.T) {
	if got := progressPercent(0, 0); got != 100 {
		t.Errorf("progressPercent(0,0) = %d, want 100", got)
	}
}

func TestProgressPercentClampedTo100(t *testing.T) {
	if got := progressPercent(150, 100); got != 100 {
		t.Errorf("progressPercent(150,100) = %d, want 100", got)
	}
}
