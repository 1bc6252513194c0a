package protocol

import (
	"bytes"
	"testing"
)

func TestHeaderRoundtrip(t *testing.T) {
	in := Header{Type: MsgData, RemoteChannel: 0xDEAD, LocalChannel: 0xBEEF}

	var out Header
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out != in {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestHeaderWireLayout(t *testing.T) {
	h := Header{Type: MsgInit, RemoteChannel: 0, LocalChannel: 1}
	buf := h.Marshal()

	want := []byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}
	if !bytes.Equal(buf, want) {
		t.Errorf("wire bytes = %v, want %v", buf, want)
	}
}

func TestHeaderTooShort(t *testing.T) {
	var h Header
	if err := h.Unmarshal(make([]byte, HeaderSize-1)); err == nil {
		t.Error("expected error on short datagram")
	}
}

func TestHeaderUnknownType(t *testing.T) {
	h := Header{Type: 99, RemoteChannel: 1, LocalChannel: 2}

	var out Header
	if err := out.Unmarshal(h.Marshal()); err == nil {
		t.Error("expected error on unknown message type")
	}
}

func TestDataMsgRoundtrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7F}, 1024)
	in := DataMsg{Seq: 42, Timestamp: 1700000000123456, Payload: payload}

	var out DataMsg
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.Seq != in.Seq || out.Timestamp != in.Timestamp {
		t.Errorf("roundtrip mismatch: got seq=%d ts=%d", out.Seq, out.Timestamp)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Error("payload mismatch")
	}
}

func TestDataMsgTooShort(t *testing.T) {
	var m DataMsg
	if err := m.Unmarshal(make([]byte, DataMsgMinSize-1)); err == nil {
		t.Error("expected error on short DATA body")
	}
}

func TestAckMsgRoundtrip(t *testing.T) {
	in := AckMsg{From: 7, To: 9, Delays: []uint64{1000, 2000, 3000}}

	var out AckMsg
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.From != in.From || out.To != in.To {
		t.Errorf("range mismatch: got [%d,%d]", out.From, out.To)
	}
	if len(out.Delays) != 3 || out.Delays[0] != 1000 || out.Delays[2] != 3000 {
		t.Errorf("delays mismatch: %v", out.Delays)
	}
}

func TestAckMsgNoSamples(t *testing.T) {
	in := AckMsg{From: 1, To: 1}

	var out AckMsg
	if err := out.Unmarshal(in.Marshal()); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(out.Delays) != 0 {
		t.Errorf("delays = %v, want none", out.Delays)
	}
}

func TestAckMsgTruncatedSamples(t *testing.T) {
	in := AckMsg{From: 1, To: 3, Delays: []uint64{1, 2, 3}}
	buf := in.Marshal()

	var out AckMsg
	if err := out.Unmarshal(buf[:len(buf)-4]); err == nil {
		t.Error("expected error on truncated sample list")
	}
}

func TestAckMsgInvertedRange(t *testing.T) {
	in := AckMsg{From: 5, To: 2}

	var out AckMsg
	if err := out.Unmarshal(in.Marshal()); err == nil {
		t.Error("expected error on inverted ACK range")
	}
}
