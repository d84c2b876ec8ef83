// Package messaging provides a NATS client wrapper for cross-instance
// fan-out. It handles connection lifecycle, subject-based subscriptions, and
// convenience methods for the presence and offline-notification channels.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across trade engine services.
const (
	// SubjectPresence carries presence:update payloads addressed to a user
	// whose connection lives on another instance: presence.<user_id>.
	SubjectPresence = "presence"

	// SubjectNotifyOffline carries message envelopes for recipients with no
	// live connection anywhere: notify.offline.<user_id>. Consumed by the
	// notifier worker.
	SubjectNotifyOffline = "notify.offline"
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "trade-engine",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
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

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishPresence publishes a presence:update payload addressed to userID.
// Whichever instance holds the user's connection delivers it.
func (c *Client) PublishPresence(userID string, data []byte) error {
	return c.Publish(SubjectPresence+"."+userID, data)
}

// SubscribePresence subscribes to presence events for all users. Each server
// instance subscribes once and delivers to the users it holds connections
// for; events for absent users are dropped by the handler.
func (c *Client) SubscribePresence(handler func(userID string, data []byte)) error {
	return c.Subscribe(SubjectPresence+".*", func(msg *nats.Msg) {
		handler(lastToken(msg.Subject), msg.Data)
	})
}

// PublishOfflineNotify hands a message envelope for an offline recipient to
// the notifier worker.
func (c *Client) PublishOfflineNotify(userID string, data []byte) error {
	return c.Publish(SubjectNotifyOffline+"."+userID, data)
}

// SubscribeOfflineNotify subscribes to offline notifications for all users.
// Consumed by the notifier worker.
func (c *Client) SubscribeOfflineNotify(handler func(userID string, data []byte)) error {
	return c.Subscribe(SubjectNotifyOffline+".*", func(msg *nats.Msg) {
		handler(lastToken(msg.Subject), msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
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

// lastToken returns the final dot-separated token of a subject, which is the
// user id on both channels.
func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
