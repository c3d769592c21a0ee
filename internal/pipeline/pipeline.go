// Package pipeline implements the server-side fan-out for chat events.
// Each message-created or message-read event is handled independently:
// moderation, persistence, conversation aggregation, push notification,
// and realtime fan-out run as a best-effort sequence in which the persisted
// message is the source of truth — a failure in any downstream step is
// logged and never fails the event.
package pipeline

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/tasklink/messaging/internal/chat"
	"github.com/tasklink/messaging/internal/metrics"
	"github.com/tasklink/messaging/internal/moderation"
	"github.com/tasklink/messaging/internal/protocol"
)

// MessageStore persists messages; see chat.Store.
type MessageStore interface {
	Create(ctx context.Context, m *chat.Message) error
	Get(ctx context.Context, id string) (*chat.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (bool, error)
}

// ConversationStore maintains conversation summaries and unread counters;
// see conversation.Store.
type ConversationStore interface {
	Upsert(ctx context.Context, convID string, participants [2]string, last chat.LastMessage) error
	IncrementUnread(ctx context.Context, convID, userID string) (int64, error)
	DecrementUnread(ctx context.Context, convID, userID string) (int64, bool, error)
}

// Notifier sends device push notifications; see notify.Dispatcher. Both
// methods are fire-and-forget.
type Notifier interface {
	NewMessage(ctx context.Context, messageID, senderID, receiverID, convID, jobID, content string)
	ReadReceipt(ctx context.Context, messageID, senderID, readerID string)
}

// Publisher fans events out to a user's live connections; see
// messaging.NATSClient.
type Publisher interface {
	PublishUserEvent(userID string, data []byte) error
}

// Pipeline wires the per-event handlers to their collaborators.
type Pipeline struct {
	filter    *moderation.Filter
	messages  MessageStore
	convs     ConversationStore
	notifier  Notifier
	publisher Publisher
}

// New creates a Pipeline.
func New(filter *moderation.Filter, messages MessageStore, convs ConversationStore, notifier Notifier, publisher Publisher) *Pipeline {
	return &Pipeline{
		filter:    filter,
		messages:  messages,
		convs:     convs,
		notifier:  notifier,
		publisher: publisher,
	}
}

// HandleMessageCreated processes one inbound chat message: moderate,
// persist, aggregate, notify, fan out. Only a persistence failure aborts;
// every later step is best-effort.
func (p *Pipeline) HandleMessageCreated(ctx context.Context, ev protocol.MessageEvent) {
	start := time.Now()
	defer func() {
		metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	}()

	if err := chat.ValidateMessage(ev.Content); err != nil {
		log.Printf("[pipeline] invalid message from=%s: %v", ev.SenderID, err)
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Ts == 0 {
		ev.Ts = time.Now().Unix()
	}

	result := p.filter.Check(ev.Content)
	if result.IsApproved {
		metrics.MessagesTotal.WithLabelValues("approved").Inc()
	} else {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		log.Printf("[pipeline] message rejected id=%s flags=%v", ev.ID, result.Flags)
	}

	msg := &chat.Message{
		ID:              ev.ID,
		SenderID:        ev.SenderID,
		ReceiverID:      ev.ReceiverID,
		JobID:           ev.JobID,
		Content:         result.FilteredContent,
		Attachments:     ev.Attachments,
		IsModerated:     !result.IsApproved,
		ModerationFlags: result.Flags,
		CreatedAt:       time.Unix(ev.Ts, 0),
	}
	if err := p.messages.Create(ctx, msg); err != nil {
		// Without a persisted message there is nothing to fan out.
		log.Printf("[pipeline] persist failed id=%s: %v", ev.ID, err)
		return
	}

	convID := chat.ConversationID(ev.SenderID, ev.ReceiverID)
	participants := [2]string{ev.SenderID, ev.ReceiverID}
	if participants[0] > participants[1] {
		participants[0], participants[1] = participants[1], participants[0]
	}

	last := chat.LastMessage{
		ID:       msg.ID,
		Content:  msg.Content, // filtered form when rejected
		SenderID: msg.SenderID,
		Ts:       ev.Ts,
		Type:     "text",
	}
	if err := p.convs.Upsert(ctx, convID, participants, last); err != nil {
		log.Printf("[pipeline] conversation upsert failed conv=%s: %v", convID, err)
	}
	if _, err := p.convs.IncrementUnread(ctx, convID, ev.ReceiverID); err != nil {
		log.Printf("[pipeline] unread increment failed conv=%s user=%s: %v", convID, ev.ReceiverID, err)
	}

	p.notifier.NewMessage(ctx, msg.ID, msg.SenderID, msg.ReceiverID, convID, msg.JobID, msg.Content)

	out := ev
	out.Content = msg.Content
	data, err := protocol.NewEvent(protocol.TypeMessage, out)
	if err != nil {
		log.Printf("[pipeline] encode message event id=%s: %v", msg.ID, err)
		return
	}
	if err := p.publisher.PublishUserEvent(msg.ReceiverID, data); err != nil {
		log.Printf("[pipeline] fan-out failed id=%s user=%s: %v", msg.ID, msg.ReceiverID, err)
	}
}

// HandleMessageRead processes a read receipt: detect the false -> true edge
// on the message, decrement the reader's own unread counter (clamped at
// zero), silently notify the original sender, and fan the receipt back to
// them. A receipt for an already read message does nothing.
func (p *Pipeline) HandleMessageRead(ctx context.Context, ev protocol.ReadReceiptEvent) {
	start := time.Now()
	defer func() {
		metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	}()

	msg, err := p.messages.Get(ctx, ev.MessageID)
	if err != nil {
		log.Printf("[pipeline] read receipt lookup failed id=%s: %v", ev.MessageID, err)
		return
	}
	if msg == nil {
		log.Printf("[pipeline] read receipt for unknown message id=%s", ev.MessageID)
		return
	}
	if ev.ReadBy == "" {
		ev.ReadBy = msg.ReceiverID
	}
	if ev.ReadBy != msg.ReceiverID {
		log.Printf("[pipeline] read receipt from non-receiver id=%s user=%s", ev.MessageID, ev.ReadBy)
		return
	}

	edge, err := p.messages.MarkRead(ctx, ev.MessageID, ev.ReadBy)
	if err != nil {
		log.Printf("[pipeline] mark read failed id=%s: %v", ev.MessageID, err)
		return
	}
	if !edge {
		// Already read; the counter was decremented by the first receipt.
		return
	}

	convID := chat.ConversationID(msg.SenderID, msg.ReceiverID)
	if _, clamped, err := p.convs.DecrementUnread(ctx, convID, ev.ReadBy); err != nil {
		log.Printf("[pipeline] unread decrement failed conv=%s user=%s: %v", convID, ev.ReadBy, err)
	} else if clamped {
		metrics.UnreadClampTotal.Inc()
		log.Printf("[pipeline] unread counter clamped at zero conv=%s user=%s", convID, ev.ReadBy)
	}

	p.notifier.ReadReceipt(ctx, msg.ID, msg.SenderID, ev.ReadBy)

	data, err := protocol.NewEvent(protocol.TypeReadReceipt, protocol.ReadReceiptEvent{
		MessageID: msg.ID,
		ReadBy:    ev.ReadBy,
	})
	if err != nil {
		log.Printf("[pipeline] encode read receipt id=%s: %v", msg.ID, err)
		return
	}
	if err := p.publisher.PublishUserEvent(msg.SenderID, data); err != nil {
		log.Printf("[pipeline] fan-out failed id=%s user=%s: %v", msg.ID, msg.SenderID, err)
	}
}
