package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/tasklink/messaging/internal/chat"
	"github.com/tasklink/messaging/internal/moderation"
	"github.com/tasklink/messaging/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeMessages struct {
	created   []*chat.Message
	byID      map[string]*chat.Message
	createErr error
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: make(map[string]*chat.Message)}
}

func (f *fakeMessages) Create(_ context.Context, m *chat.Message) error {
	if f.createErr != nil {
		return f.createErr
	}
	cp := *m
	f.created = append(f.created, &cp)
	f.byID[m.ID] = &cp
	return nil
}

func (f *fakeMessages) Get(_ context.Context, id string) (*chat.Message, error) {
	return f.byID[id], nil
}

func (f *fakeMessages) MarkRead(_ context.Context, messageID, readerID string) (bool, error) {
	m, ok := f.byID[messageID]
	if !ok || m.ReceiverID != readerID || m.IsRead {
		return false, nil
	}
	m.IsRead = true
	return true, nil
}

type unreadOp struct {
	convID, userID string
	delta          int
}

type fakeConvs struct {
	upserts []chat.LastMessage
	convIDs []string
	ops     []unreadOp
	unread  map[string]int // convID+"/"+userID -> count
}

func newFakeConvs() *fakeConvs {
	return &fakeConvs{unread: make(map[string]int)}
}

func (f *fakeConvs) Upsert(_ context.Context, convID string, _ [2]string, last chat.LastMessage) error {
	f.convIDs = append(f.convIDs, convID)
	f.upserts = append(f.upserts, last)
	return nil
}

func (f *fakeConvs) IncrementUnread(_ context.Context, convID, userID string) (int64, error) {
	f.ops = append(f.ops, unreadOp{convID, userID, +1})
	key := convID + "/" + userID
	f.unread[key]++
	return int64(f.unread[key]), nil
}

func (f *fakeConvs) DecrementUnread(_ context.Context, convID, userID string) (int64, bool, error) {
	f.ops = append(f.ops, unreadOp{convID, userID, -1})
	key := convID + "/" + userID
	if f.unread[key] <= 0 {
		f.unread[key] = 0
		return 0, true, nil
	}
	f.unread[key]--
	return int64(f.unread[key]), false, nil
}

type notifyCall struct {
	kind      string
	messageID string
	content   string
}

type fakeNotifier struct {
	calls []notifyCall
}

func (f *fakeNotifier) NewMessage(_ context.Context, messageID, _, _, _, _, content string) {
	f.calls = append(f.calls, notifyCall{"message", messageID, content})
}

func (f *fakeNotifier) ReadReceipt(_ context.Context, messageID, _, _ string) {
	f.calls = append(f.calls, notifyCall{"read_receipt", messageID, ""})
}

type published struct {
	userID string
	data   []byte
}

type fakePublisher struct {
	events []published
	err    error
}

func (f *fakePublisher) PublishUserEvent(userID string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, published{userID, data})
	return nil
}

func newPipeline(terms []string) (*Pipeline, *fakeMessages, *fakeConvs, *fakeNotifier, *fakePublisher) {
	messages := newFakeMessages()
	convs := newFakeConvs()
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	p := New(moderation.NewFilterWithTerms(terms), messages, convs, notifier, publisher)
	return p, messages, convs, notifier, publisher
}

// ---------------------------------------------------------------------------
// Message created
// ---------------------------------------------------------------------------

func TestHandleMessageCreated_CleanMessage(t *testing.T) {
	p, messages, convs, notifier, publisher := newPipeline([]string{"badword"})

	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "see you at nine",
	})

	if len(messages.created) != 1 {
		t.Fatalf("created %d messages, want 1", len(messages.created))
	}
	msg := messages.created[0]
	if msg.ID == "" {
		t.Error("message ID was not assigned")
	}
	if msg.Content != "see you at nine" {
		t.Errorf("Content = %q, want original text", msg.Content)
	}
	if msg.IsModerated {
		t.Error("clean message marked moderated")
	}

	if len(convs.convIDs) != 1 || convs.convIDs[0] != "alice_bob" {
		t.Errorf("conversation IDs = %v, want [alice_bob]", convs.convIDs)
	}
	if got := convs.unread["alice_bob/alice"]; got != 1 {
		t.Errorf("receiver unread = %d, want 1", got)
	}
	if got := convs.unread["alice_bob/bob"]; got != 0 {
		t.Errorf("sender unread = %d, want 0", got)
	}

	if len(notifier.calls) != 1 || notifier.calls[0].kind != "message" {
		t.Errorf("notifier calls = %+v, want one new-message push", notifier.calls)
	}

	if len(publisher.events) != 1 || publisher.events[0].userID != "alice" {
		t.Fatalf("published events = %+v, want one to alice", publisher.events)
	}
	env, err := protocol.ParseEnvelope(publisher.events[0].data)
	if err != nil || env.Type != protocol.TypeMessage {
		t.Errorf("fan-out envelope type = %v err = %v", env, err)
	}
}

func TestHandleMessageCreated_RejectedContentFiltered(t *testing.T) {
	p, messages, convs, notifier, _ := newPipeline([]string{"badword"})

	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "this badword offer",
	})

	msg := messages.created[0]
	if !msg.IsModerated {
		t.Error("rejected message not marked moderated")
	}
	if msg.Content != moderation.Placeholder {
		t.Errorf("Content = %q, want placeholder", msg.Content)
	}
	if len(msg.ModerationFlags) == 0 {
		t.Error("no moderation flags recorded")
	}

	// Last-message snapshot and push body use the filtered form.
	if convs.upserts[0].Content != moderation.Placeholder {
		t.Errorf("last message content = %q, want placeholder", convs.upserts[0].Content)
	}
	if notifier.calls[0].content != moderation.Placeholder {
		t.Errorf("push body = %q, want placeholder", notifier.calls[0].content)
	}
}

func TestHandleMessageCreated_InvalidTextDropped(t *testing.T) {
	p, messages, _, _, publisher := newPipeline(nil)

	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "",
	})

	if len(messages.created) != 0 || len(publisher.events) != 0 {
		t.Error("empty message must not be persisted or fanned out")
	}
}

func TestHandleMessageCreated_PersistFailureAborts(t *testing.T) {
	p, messages, convs, notifier, publisher := newPipeline(nil)
	messages.createErr = errors.New("db down")

	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "hello",
	})

	if len(convs.convIDs) != 0 || len(notifier.calls) != 0 || len(publisher.events) != 0 {
		t.Error("downstream steps must not run when persistence fails")
	}
}

func TestHandleMessageCreated_FanoutFailureDoesNotPropagate(t *testing.T) {
	p, messages, _, _, publisher := newPipeline(nil)
	publisher.err = errors.New("nats down")

	// Must not panic; message is still persisted.
	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "hello",
	})

	if len(messages.created) != 1 {
		t.Error("message must be persisted even when fan-out fails")
	}
}

// ---------------------------------------------------------------------------
// Read receipts
// ---------------------------------------------------------------------------

func seedMessage(p *Pipeline) string {
	p.HandleMessageCreated(context.Background(), protocol.MessageEvent{
		ID:         "m1",
		SenderID:   "bob",
		ReceiverID: "alice",
		JobID:      "job1",
		Content:    "hello",
	})
	return "m1"
}

func TestHandleMessageRead_DecrementsAndNotifies(t *testing.T) {
	p, _, convs, notifier, publisher := newPipeline(nil)
	id := seedMessage(p)

	p.HandleMessageRead(context.Background(), protocol.ReadReceiptEvent{MessageID: id, ReadBy: "alice"})

	if got := convs.unread["alice_bob/alice"]; got != 0 {
		t.Errorf("unread after read = %d, want 0", got)
	}
	last := notifier.calls[len(notifier.calls)-1]
	if last.kind != "read_receipt" || last.messageID != id {
		t.Errorf("last notifier call = %+v, want read receipt for %s", last, id)
	}

	// Receipt fans back to the original sender.
	last2 := publisher.events[len(publisher.events)-1]
	if last2.userID != "bob" {
		t.Errorf("receipt fanned out to %q, want bob", last2.userID)
	}
	env, err := protocol.ParseEnvelope(last2.data)
	if err != nil || env.Type != protocol.TypeReadReceipt {
		t.Errorf("receipt envelope = %v err = %v", env, err)
	}
}

func TestHandleMessageRead_SecondReceiptIsNoop(t *testing.T) {
	p, _, convs, notifier, _ := newPipeline(nil)
	id := seedMessage(p)

	p.HandleMessageRead(context.Background(), protocol.ReadReceiptEvent{MessageID: id, ReadBy: "alice"})
	decrements := len(convs.ops)
	notifications := len(notifier.calls)

	p.HandleMessageRead(context.Background(), protocol.ReadReceiptEvent{MessageID: id, ReadBy: "alice"})

	if len(convs.ops) != decrements {
		t.Error("second receipt must not touch the unread counter")
	}
	if len(notifier.calls) != notifications {
		t.Error("second receipt must not notify again")
	}
	if got := convs.unread["alice_bob/alice"]; got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
}

func TestHandleMessageRead_UnknownMessageIgnored(t *testing.T) {
	p, _, convs, _, _ := newPipeline(nil)

	p.HandleMessageRead(context.Background(), protocol.ReadReceiptEvent{MessageID: "ghost", ReadBy: "alice"})

	if len(convs.ops) != 0 {
		t.Error("receipt for unknown message must not touch counters")
	}
}

func TestHandleMessageRead_NonReceiverIgnored(t *testing.T) {
	p, _, convs, _, _ := newPipeline(nil)
	id := seedMessage(p)
	before := len(convs.ops)

	p.HandleMessageRead(context.Background(), protocol.ReadReceiptEvent{MessageID: id, ReadBy: "mallory"})

	if len(convs.ops) != before {
		t.Error("receipt from non-receiver must be ignored")
	}
}

func TestUnreadClamp_NeverNegative(t *testing.T) {
	convs := newFakeConvs()

	// Interleave increments and excess decrements; count must clamp at 0.
	convs.IncrementUnread(context.Background(), "c1", "u1")
	convs.DecrementUnread(context.Background(), "c1", "u1")
	_, clamped, _ := convs.DecrementUnread(context.Background(), "c1", "u1")

	if !clamped {
		t.Error("second decrement past zero must report clamp")
	}
	if got := convs.unread["c1/u1"]; got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
}
