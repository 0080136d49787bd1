package transport

import (
	"bytes"
	"testing"

	"github.com/tinymesh/linkstack/pkg/datalink"
	"github.com/tinymesh/linkstack/pkg/framer"
)

// fakeLink captures Send calls and lets the test feed them back through
// Transport.Feed to exercise segmentation/reassembly without a real Link.
type fakeLink struct {
	sent []sentFrame
}

type sentFrame struct {
	metadata uint32
	payload  []byte
}

func (f *fakeLink) Send(metadata uint32, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, sentFrame{metadata: metadata, payload: buf})
	return nil
}

func TestSendSingleFrameUnderLimit(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)

	if err := tr.Send(3, 0xABCD, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(link.sent))
	}
	portID, seq, portData := datalink.UnpackMetadata(link.sent[0].metadata)
	if portID != 3 || portData != 0xABCD {
		t.Fatalf("unexpected metadata: port=%d data=%x", portID, portData)
	}
	if seq.String() != "SINGLE" {
		t.Fatalf("expected SINGLE seq, got %s", seq)
	}
}

func TestSendSegmentsOversizeMessage(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)

	payload := bytes.Repeat([]byte{0x42}, 600)
	if err := tr.Send(1, 7, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(link.sent) != 3 {
		t.Fatalf("expected 3 segments for 600 bytes, got %d", len(link.sent))
	}

	wantSeqs := []string{"START", "MIDDLE", "STOP"}
	var reassembled []byte
	for i, f := range link.sent {
		_, seq, portData := datalink.UnpackMetadata(f.metadata)
		if seq.String() != wantSeqs[i] {
			t.Fatalf("segment %d: got seq %s, want %s", i, seq, wantSeqs[i])
		}
		if portData != 7 {
			t.Fatalf("segment %d: port_data changed mid-message: %d", i, portData)
		}
		reassembled = append(reassembled, f.payload...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("segments do not reassemble to the original payload")
	}
}

func TestReassembleSegmentedMessage(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)

	var got []byte
	var delivered int
	if err := tr.Register(2, &Handler{OnRecv: func(portData uint16, payload []byte) {
		got = append([]byte{}, payload...)
		delivered++
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := bytes.Repeat([]byte{0x9}, 600)
	srcLink := &fakeLink{}
	srcTr := New(srcLink)
	if err := srcTr.Send(2, 99, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, f := range srcLink.sent {
		tr.Feed(f.metadata, f.payload)
	}

	if delivered != 1 {
		t.Fatalf("expected exactly one reassembled delivery, got %d", delivered)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload mismatch")
	}
}

func TestMiddleWithoutStartRaisesError(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)

	var errs int
	tr.Register(4, &Handler{OnEvent: func(error) { errs++ }})

	meta := datalink.PackMetadata(4, framer.SeqMiddle, 1)
	tr.Feed(meta, []byte{1, 2, 3})

	if errs != 1 {
		t.Fatalf("expected 1 reassembly error, got %d", errs)
	}
}

func TestSingleFrameDeliversImmediately(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)

	var got []byte
	tr.Register(5, &Handler{OnRecv: func(_ uint16, payload []byte) {
		got = append([]byte{}, payload...)
	}})

	meta := datalink.PackMetadata(5, framer.SeqSingle, 42)
	tr.Feed(meta, []byte("hi"))

	if string(got) != "hi" {
		t.Fatalf("expected immediate delivery, got %q", got)
	}
}
