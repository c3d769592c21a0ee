package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope_ValidTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  string
	}{
		{"message", `{"type":"message","data":{"sender_id":"u1","receiver_id":"u2","job_id":"j1","content":"hi"}}`, TypeMessage},
		{"typing", `{"type":"typing","data":{"job_id":"j1","is_typing":true}}`, TypeTyping},
		{"read receipt", `{"type":"read_receipt","data":{"message_id":"m1"}}`, TypeReadReceipt},
		{"user status", `{"type":"user_status","data":{"user_id":"u1","online":true}}`, TypeUserStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseEnvelope(%q) error: %v", tt.raw, err)
			}
			if env.Type != tt.typ {
				t.Errorf("Type = %q, want %q", env.Type, tt.typ)
			}
			if len(env.Data) == 0 {
				t.Errorf("Data is empty")
			}
		})
	}
}

func TestParseEnvelope_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{{`},
		{"missing type", `{"data":{}}`},
		{"empty type", `{"type":"","data":{}}`},
		{"unknown type", `{"type":"presence_ping","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEnvelope([]byte(tt.raw)); err == nil {
				t.Errorf("ParseEnvelope(%q) = nil error, want error", tt.raw)
			}
		})
	}
}

func TestNewEvent_RoundTrip(t *testing.T) {
	out, err := NewEvent(TypeMessage, MessageEvent{
		ID:         "m1",
		SenderID:   "u1",
		ReceiverID: "u2",
		JobID:      "j1",
		Content:    "hello there",
		Ts:         1700000000,
	})
	if err != nil {
		t.Fatalf("NewEvent error: %v", err)
	}

	env, err := ParseEnvelope(out)
	if err != nil {
		t.Fatalf("ParseEnvelope error: %v", err)
	}
	msg, err := env.DecodeMessage()
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if msg.ID != "m1" || msg.SenderID != "u1" || msg.Content != "hello there" {
		t.Errorf("decoded message = %+v", msg)
	}
}

func TestDecodeReadReceipt_BadPayload(t *testing.T) {
	env := &Envelope{Type: TypeReadReceipt, Data: json.RawMessage(`[1,2]`)}
	if _, err := env.DecodeReadReceipt(); err == nil {
		t.Error("DecodeReadReceipt on array payload = nil error, want error")
	}
}
