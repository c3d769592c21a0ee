// Package notify builds and delivers push notifications for the messaging
// pipeline: a visible banner for new messages and a silent data-only payload
// for read receipts. Delivery is fire-and-forget relative to the write path;
// push failures are logged and never propagate to the triggering event.
package notify

import (
	"context"
	"fmt"
	"log"

	"github.com/tasklink/messaging/internal/metrics"
)

const (
	// maxBodyChars is the visible notification body limit; longer message
	// content is truncated with an ellipsis.
	maxBodyChars = 100

	// MessageChannelID is the notification channel/category for new-message
	// banners on the device.
	MessageChannelID = "messages"

	// PriorityHigh marks payloads that should wake the device.
	PriorityHigh = "high"
)

// Payload is the device push payload. Silent payloads carry only Data.
type Payload struct {
	Token    string            `json:"token"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data"`
	Priority string            `json:"priority,omitempty"`
	Channel  string            `json:"channel,omitempty"`
	Silent   bool              `json:"silent,omitempty"`
}

// Profile is the slice of a user profile the dispatcher needs.
type Profile struct {
	FirstName   string
	LastName    string
	DeviceToken string
}

// ProfileLookup resolves a user ID to display name and device token.
type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
}

// Pusher delivers a payload to the device push service.
type Pusher interface {
	Push(ctx context.Context, p *Payload) error
}

// Dispatcher builds push payloads and hands them to the Pusher.
type Dispatcher struct {
	profiles ProfileLookup
	pusher   Pusher
}

// NewDispatcher creates a Dispatcher with the given collaborators.
func NewDispatcher(profiles ProfileLookup, pusher Pusher) *Dispatcher {
	return &Dispatcher{profiles: profiles, pusher: pusher}
}

// NewMessage sends the visible new-message notification to the receiver's
// device. A missing profile or device token is not an error: log and skip.
// Push transport errors are logged and swallowed.
func (d *Dispatcher) NewMessage(ctx context.Context, messageID, senderID, receiverID, convID, jobID, content string) {
	sender, err := d.profiles.Lookup(ctx, senderID)
	title := "New message from Someone"
	if err != nil {
		log.Printf("[notify] sender profile lookup failed user=%s: %v", senderID, err)
	} else if sender != nil {
		title = fmt.Sprintf("New message from %s %s", sender.FirstName, sender.LastName)
	}

	receiver, err := d.profiles.Lookup(ctx, receiverID)
	if err != nil {
		log.Printf("[notify] receiver profile lookup failed user=%s: %v", receiverID, err)
		metrics.PushTotal.WithLabelValues("skipped").Inc()
		return
	}
	if receiver == nil || receiver.DeviceToken == "" {
		log.Printf("[notify] no device token for user=%s, skipping", receiverID)
		metrics.PushTotal.WithLabelValues("skipped").Inc()
		return
	}

	payload := &Payload{
		Token:    receiver.DeviceToken,
		Title:    title,
		Body:     TruncateBody(content),
		Priority: PriorityHigh,
		Channel:  MessageChannelID,
		Data: map[string]string{
			"type":           "message",
			"messageId":      messageID,
			"senderId":       senderID,
			"conversationId": convID,
			"jobId":          jobID,
		},
	}
	d.deliver(ctx, payload)
}

// ReadReceipt sends the silent data-only receipt to the original sender's
// device so their client can mark the message as read in the background.
func (d *Dispatcher) ReadReceipt(ctx context.Context, messageID, senderID, readerID string) {
	readerName := "Someone"
	if reader, err := d.profiles.Lookup(ctx, readerID); err != nil {
		log.Printf("[notify] reader profile lookup failed user=%s: %v", readerID, err)
	} else if reader != nil {
		readerName = fmt.Sprintf("%s %s", reader.FirstName, reader.LastName)
	}

	sender, err := d.profiles.Lookup(ctx, senderID)
	if err != nil {
		log.Printf("[notify] sender profile lookup failed user=%s: %v", senderID, err)
		metrics.PushTotal.WithLabelValues("skipped").Inc()
		return
	}
	if sender == nil || sender.DeviceToken == "" {
		log.Printf("[notify] no device token for user=%s, skipping", senderID)
		metrics.PushTotal.WithLabelValues("skipped").Inc()
		return
	}

	payload := &Payload{
		Token:  sender.DeviceToken,
		Silent: true,
		Data: map[string]string{
			"type":       "read_receipt",
			"messageId":  messageID,
			"readBy":     readerID,
			"readerName": readerName,
		},
	}
	d.deliver(ctx, payload)
}

// deliver hands the payload to the push transport. Errors are terminal here:
// logged and counted, never returned.
func (d *Dispatcher) deliver(ctx context.Context, p *Payload) {
	if err := d.pusher.Push(ctx, p); err != nil {
		log.Printf("[notify] push delivery failed token=%s...: %v", truncateToken(p.Token), err)
		metrics.PushTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.PushTotal.WithLabelValues("sent").Inc()
}

// TruncateBody limits notification body text to maxBodyChars runes,
// appending an ellipsis when content was cut.
func TruncateBody(content string) string {
	runes := []rune(content)
	if len(runes) <= maxBodyChars {
		return content
	}
	return string(runes[:maxBodyChars]) + "..."
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}
