// Package chat defines the core messaging data model: messages exchanged
// between a service requester and a provider about a job, the two-party
// conversation that groups them, and the ephemeral typing/presence records
// surrounding them.
package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // max encoded size
	MaxTextChars    = 2000 // max character count
)

// Message is a single chat message tied to a job. Created on send; mutated
// only to set the read flag or moderation metadata; never deleted.
type Message struct {
	ID              string
	SenderID        string
	ReceiverID      string
	JobID           string
	Content         string
	Attachments     []string
	IsRead          bool
	IsModerated     bool
	ModerationFlags []string
	CreatedAt       time.Time
}

// LastMessage is the denormalized summary of a conversation's most recent
// message.
type LastMessage struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
	Ts       int64  `json:"ts"`
	Type     string `json:"type"`
}

// Conversation is the two-party thread keyed by a sorted participant pair.
// Created lazily on first message; never deleted.
type Conversation struct {
	ID           string
	Participants [2]string
	LastMessage  LastMessage
	UpdatedAt    time.Time
	Unread       map[string]int // participant ID -> unread count
}

// TypingIndicator records that a participant is typing in a job
// conversation right now. Purely ephemeral; swept once older than the TTL.
type TypingIndicator struct {
	UserID string
	JobID  string
	Ts     time.Time
}

// PresenceRecord reports a user's last known online state. Read by UI only,
// never used for delivery correctness.
type PresenceRecord struct {
	UserID     string
	Online     bool
	LastActive time.Time
}

// ConversationID derives the deterministic conversation identifier for two
// participants by sorting the pair and joining with "_". Both parties always
// resolve to the same conversation regardless of who initiated.
func ConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "_")
}

// ValidateMessage checks that message text meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
