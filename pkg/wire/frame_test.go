package wire

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseMessageFrame(t *testing.T) {
	raw := `{"type":"message","to":"beta","content":"hi","metadata":{"message_id":"m-1","sequence_number":7}}`

	f, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if f.Type != FrameTypeMessage {
		t.Errorf("type = %q, want message", f.Type)
	}
	if f.To != "beta" || f.Content != "hi" {
		t.Errorf("unexpected fields: to=%q content=%q", f.To, f.Content)
	}

	seq, ok := f.SequenceNumber()
	if !ok || seq != 7 {
		t.Errorf("SequenceNumber() = %d, %v; want 7, true", seq, ok)
	}
	if got := f.MessageID(); got != "m-1" {
		t.Errorf("MessageID() = %q, want m-1", got)
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"content":"x"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestStampSetsFromAndTimestamp(t *testing.T) {
	at := time.Date(2025, 3, 9, 12, 30, 0, 0, time.UTC)
	f := NewMessage("", "hello", nil).Stamp("alpha", at)

	if f.From != "alpha" {
		t.Errorf("from = %q, want alpha", f.From)
	}
	if f.Timestamp != "2025-03-09T12:30:00Z" {
		t.Errorf("timestamp = %q", f.Timestamp)
	}
}

func TestEncodeOmitsEmptyFields(t *testing.T) {
	data, err := NewPing().Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("ping frame = %s", data)
	}

	data, err = NewPong("alpha").Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if string(data) != `{"type":"pong","matrix_id":"alpha"}` {
		t.Errorf("pong frame = %s", data)
	}
}

func TestRegisteredFrameAlwaysCarriesOnlineList(t *testing.T) {
	f := NewRegistered("alpha", nil)
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if _, ok := decoded["online_matrices"]; !ok {
		t.Error("registered frame must include online_matrices even when empty")
	}
}

func TestSequenceNumberMalformed(t *testing.T) {
	f := NewMessage("", "x", map[string]interface{}{MetaKeySequenceNumber: "seven"})
	if _, ok := f.SequenceNumber(); ok {
		t.Error("string sequence number should not parse")
	}
	if _, ok := NewPing().SequenceNumber(); ok {
		t.Error("frame without metadata should report no sequence")
	}
}

func TestErrorFrameCodes(t *testing.T) {
	f := NewError(CodeDeliveryFailed, "recipient not connected")
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if parsed.Code != CodeDeliveryFailed || parsed.Message == "" {
		t.Errorf("error frame round trip: %+v", parsed)
	}
}
