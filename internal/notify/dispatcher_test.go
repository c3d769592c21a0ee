package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeProfiles struct {
	profiles map[string]*Profile
	err      error
}

func (f *fakeProfiles) Lookup(_ context.Context, userID string) (*Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profiles[userID], nil
}

type fakePusher struct {
	sent []*Payload
	err  error
}

func (f *fakePusher) Push(_ context.Context, p *Payload) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	return nil
}

func TestNewMessage_VisiblePayload(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*Profile{
		"sender":   {FirstName: "Ana", LastName: "Reyes", DeviceToken: "tok-sender"},
		"receiver": {FirstName: "Ben", LastName: "Okafor", DeviceToken: "tok-receiver"},
	}}
	pusher := &fakePusher{}
	d := NewDispatcher(profiles, pusher)

	d.NewMessage(context.Background(), "m1", "sender", "receiver", "receiver_sender", "job1", "can you come tomorrow?")

	if len(pusher.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(pusher.sent))
	}
	p := pusher.sent[0]
	if p.Title != "New message from Ana Reyes" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.Body != "can you come tomorrow?" {
		t.Errorf("Body = %q", p.Body)
	}
	if p.Token != "tok-receiver" {
		t.Errorf("Token = %q, want receiver token", p.Token)
	}
	if p.Priority != PriorityHigh || p.Channel != MessageChannelID {
		t.Errorf("Priority/Channel = %q/%q", p.Priority, p.Channel)
	}
	if p.Silent {
		t.Error("new-message payload must be visible")
	}
	for key, want := range map[string]string{
		"type":           "message",
		"messageId":      "m1",
		"senderId":       "sender",
		"conversationId": "receiver_sender",
		"jobId":          "job1",
	} {
		if p.Data[key] != want {
			t.Errorf("Data[%q] = %q, want %q", key, p.Data[key], want)
		}
	}
}

func TestNewMessage_SenderLookupFallsBackToSomeone(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*Profile{
		"receiver": {FirstName: "Ben", LastName: "Okafor", DeviceToken: "tok"},
	}}
	pusher := &fakePusher{}
	d := NewDispatcher(profiles, pusher)

	d.NewMessage(context.Background(), "m1", "ghost", "receiver", "c1", "j1", "hi")

	if len(pusher.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(pusher.sent))
	}
	if pusher.sent[0].Title != "New message from Someone" {
		t.Errorf("Title = %q, want Someone fallback", pusher.sent[0].Title)
	}
}

func TestNewMessage_MissingTokenSkipsSilently(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*Profile{
		"sender":   {FirstName: "Ana", LastName: "Reyes"},
		"receiver": {FirstName: "Ben", LastName: "Okafor"}, // no token
	}}
	pusher := &fakePusher{}
	d := NewDispatcher(profiles, pusher)

	d.NewMessage(context.Background(), "m1", "sender", "receiver", "c1", "j1", "hi")

	if len(pusher.sent) != 0 {
		t.Errorf("sent %d payloads, want 0 (no device token)", len(pusher.sent))
	}
}

func TestNewMessage_PushErrorDoesNotPanic(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*Profile{
		"sender":   {FirstName: "A", LastName: "B", DeviceToken: "t1"},
		"receiver": {FirstName: "C", LastName: "D", DeviceToken: "t2"},
	}}
	pusher := &fakePusher{err: errors.New("push transport down")}
	d := NewDispatcher(profiles, pusher)

	// Must not panic or propagate.
	d.NewMessage(context.Background(), "m1", "sender", "receiver", "c1", "j1", "hi")
}

func TestReadReceipt_SilentPayload(t *testing.T) {
	profiles := &fakeProfiles{profiles: map[string]*Profile{
		"sender": {FirstName: "Ana", LastName: "Reyes", DeviceToken: "tok-sender"},
		"reader": {FirstName: "Ben", LastName: "Okafor", DeviceToken: "tok-reader"},
	}}
	pusher := &fakePusher{}
	d := NewDispatcher(profiles, pusher)

	d.ReadReceipt(context.Background(), "m1", "sender", "reader")

	if len(pusher.sent) != 1 {
		t.Fatalf("sent %d payloads, want 1", len(pusher.sent))
	}
	p := pusher.sent[0]
	if !p.Silent {
		t.Error("read receipt must be silent")
	}
	if p.Title != "" || p.Body != "" {
		t.Errorf("silent payload has visible fields: title=%q body=%q", p.Title, p.Body)
	}
	if p.Token != "tok-sender" {
		t.Errorf("Token = %q, want original sender's token", p.Token)
	}
	for key, want := range map[string]string{
		"type":       "read_receipt",
		"messageId":  "m1",
		"readBy":     "reader",
		"readerName": "Ben Okafor",
	} {
		if p.Data[key] != want {
			t.Errorf("Data[%q] = %q, want %q", key, p.Data[key], want)
		}
	}
}

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"short", "hello", "hello"},
		{"exactly 100", strings.Repeat("a", 100), strings.Repeat("a", 100)},
		{"over 100", strings.Repeat("a", 150), strings.Repeat("a", 100) + "..."},
		{"multibyte runes", strings.Repeat("ä", 101), strings.Repeat("ä", 100) + "..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateBody(tt.content)
			if got != tt.want {
				t.Errorf("TruncateBody len=%d, want len=%d", len([]rune(got)), len([]rune(tt.want)))
			}
		})
	}
}
