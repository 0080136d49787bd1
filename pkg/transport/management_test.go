package transport

import (
	"encoding/json"
	"testing"
)

func TestEchoRequestIsAnswered(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)
	if _, err := NewManagementHandler(tr); err != nil {
		t.Fatalf("new management handler: %v", err)
	}

	meta := packPortData(OpEcho, false)
	req := []byte("ping")
	tr.reassemble(managementPort, 3, meta, req) // SeqSingle == 3

	if len(link.sent) != 1 {
		t.Fatalf("expected 1 echo response, got %d", len(link.sent))
	}
	_, _, portData := splitMeta(link.sent[0].metadata)
	op, isResponse := unpackPortData(portData)
	if op != OpEcho || !isResponse {
		t.Fatalf("expected echo response op, got op=%d response=%v", op, isResponse)
	}
	if string(link.sent[0].payload) != "ping" {
		t.Fatalf("echo payload mismatch: %q", link.sent[0].payload)
	}
}

func TestStatusRequestReturnsReport(t *testing.T) {
	link := &fakeLink{}
	tr := New(link)
	m, err := NewManagementHandler(tr)
	if err != nil {
		t.Fatalf("new management handler: %v", err)
	}
	m.StatusFn = func() StatusReport {
		return StatusReport{State: "CONNECTED", Retransmits: 3, Disconnects: 0}
	}

	meta := packPortData(OpStatus, false)
	tr.reassemble(managementPort, 3, meta, nil)

	if len(link.sent) != 1 {
		t.Fatalf("expected 1 status response, got %d", len(link.sent))
	}
	var report StatusReport
	if err := json.Unmarshal(link.sent[0].payload, &report); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if report.State != "CONNECTED" || report.Retransmits != 3 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

// splitMeta is a small test helper unpacking a metadata word into its three
// fields without importing the datalink package's exported helper twice.
func splitMeta(metadata uint32) (portID uint8, seq uint8, portData uint16) {
	portData = uint16(metadata & 0xFFFF)
	seq = uint8((metadata >> 16) & 0x3)
	portID = uint8((metadata >> 18) & 0x1F)
	return
}
