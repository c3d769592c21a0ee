// Package protocol defines the realtime event envelope and payload types
// exchanged between clients and the tasklink messaging gateway. All events
// are serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Event types carried in the envelope, used in both directions.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeUserStatus  = "user_status"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseEnvelope decodes raw bytes into an Envelope and validates the type
// discriminator against the known event types.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	switch env.Type {
	case TypeMessage, TypeTyping, TypeReadReceipt, TypeUserStatus:
		return &env, nil
	case "":
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	default:
		return nil, fmt.Errorf("protocol: unknown event type: %q", env.Type)
	}
}

// NewEvent creates a JSON-encoded envelope of the given type wrapping the
// payload struct.
func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}
	out, err := json.Marshal(Envelope{Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal envelope: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Payload structs
// ---------------------------------------------------------------------------

// MessageEvent carries a chat message. Clients send it without ID or Ts;
// the server assigns both before fan-out.
type MessageEvent struct {
	ID          string   `json:"id,omitempty"`
	SenderID    string   `json:"sender_id"`
	ReceiverID  string   `json:"receiver_id"`
	JobID       string   `json:"job_id"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
	Ts          int64    `json:"ts,omitempty"`
}

// TypingEvent signals that a participant started or stopped typing in a
// job conversation.
type TypingEvent struct {
	UserID   string `json:"user_id,omitempty"`
	JobID    string `json:"job_id"`
	IsTyping bool   `json:"is_typing"`
}

// ReadReceiptEvent marks a message as read by the receiver.
type ReadReceiptEvent struct {
	MessageID string `json:"message_id"`
	ReadBy    string `json:"read_by,omitempty"`
}

// UserStatusEvent reports a participant's presence change. Informational
// only; delivery correctness never depends on it.
type UserStatusEvent struct {
	UserID     string `json:"user_id"`
	Online     bool   `json:"online"`
	LastActive int64  `json:"last_active,omitempty"`
}

// DecodeMessage decodes the envelope payload as a MessageEvent.
func (e *Envelope) DecodeMessage() (MessageEvent, error) {
	var m MessageEvent
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return m, fmt.Errorf("protocol: failed to decode %q payload: %w", e.Type, err)
	}
	return m, nil
}

// DecodeTyping decodes the envelope payload as a TypingEvent.
func (e *Envelope) DecodeTyping() (TypingEvent, error) {
	var m TypingEvent
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return m, fmt.Errorf("protocol: failed to decode %q payload: %w", e.Type, err)
	}
	return m, nil
}

// DecodeReadReceipt decodes the envelope payload as a ReadReceiptEvent.
func (e *Envelope) DecodeReadReceipt() (ReadReceiptEvent, error) {
	var m ReadReceiptEvent
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return m, fmt.Errorf("protocol: failed to decode %q payload: %w", e.Type, err)
	}
	return m, nil
}
