// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the tasklink gateway and the fan-out pipeline. It handles
// connection lifecycle, subject-based subscriptions, and convenience
// methods for the message, read-receipt, and per-user event channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across tasklink messaging services.
const (
	SubjectMessageCreated = "msg.created"
	SubjectMessageRead    = "msg.read"
	SubjectUserEvents     = "user.events" // + .<user_id>
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "tasklink",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated publishes a freshly accepted chat message for
// pipeline processing.
func (c *NATSClient) PublishMessageCreated(data []byte) error {
	return c.Publish(SubjectMessageCreated, data)
}

// SubscribeMessageCreated subscribes to new-message events. Used by the
// pipeline worker.
func (c *NATSClient) SubscribeMessageCreated(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageCreated, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMessageRead publishes a read-receipt event for pipeline processing.
func (c *NATSClient) PublishMessageRead(data []byte) error {
	return c.Publish(SubjectMessageRead, data)
}

// SubscribeMessageRead subscribes to read-receipt events. Used by the
// pipeline worker.
func (c *NATSClient) SubscribeMessageRead(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageRead, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishUserEvent publishes an already enveloped event to a user's fan-out
// subject. Whatever gateway holds that user's connection forwards it down
// the socket.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(SubjectUserEvents+"."+userID, data)
}

// SubscribeUserEvents subscribes to a user's fan-out subject. The
// subscription is keyed by userID so it can be dropped when the user's
// connection closes.
func (c *NATSClient) SubscribeUserEvents(userID string, handler func(data []byte)) error {
	subject := SubjectUserEvents + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeUserEvents drops a user's fan-out subscription.
func (c *NATSClient) UnsubscribeUserEvents(userID string) error {
	return c.unsubscribe(SubjectUserEvents + "." + userID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
