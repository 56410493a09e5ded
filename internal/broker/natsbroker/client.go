// Package natsbroker is the NATS broker driver, used in development and by
// self-hosted relays where clients reach the messaging fabric directly.
// Group conversations map onto lunch.chat.group.{id} subjects.
package natsbroker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lunchconnect/groupchat/internal/broker"
)

// SubjectPrefix is the subject namespace for group conversations.
const SubjectPrefix = "lunch.chat.group."

// GroupSubject returns the NATS subject for a group's conversation.
func GroupSubject(groupID string) string {
	return SubjectPrefix + groupID
}

// Dialer dials a NATS server.
type Dialer struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between driver-level reconnect attempts
}

// DefaultDialer returns sensible defaults.
func DefaultDialer() *Dialer {
	return &Dialer{
		URL:           nats.DefaultURL,
		Name:          "lunchchat",
		ReconnectWait: 2 * time.Second,
	}
}

// Dial connects to NATS presenting the bearer token as the connection
// credential. Driver-level reconnection is disabled: the session owns the
// retry policy, so a lost connection simply closes the Conn.
func (d *Dialer) Dial(ctx context.Context, token string) (broker.Conn, error) {
	opts := []nats.Option{
		nats.Name(d.Name),
		nats.Token(token),
		nats.ReconnectWait(d.ReconnectWait),
		nats.MaxReconnects(0),
		nats.Timeout(10 * time.Second),
	}

	nc, err := nats.Connect(d.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natsbroker: connect: %w", err)
	}

	c := &conn{nc: nc, done: make(chan struct{})}
	nc.SetClosedHandler(func(_ *nats.Conn) {
		c.markClosed()
	})
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		if err != nil {
			log.Printf("[natsbroker] disconnected: %v", err)
		}
	})
	return c, nil
}

type conn struct {
	nc   *nats.Conn
	done chan struct{}
}

func (c *conn) markClosed() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SubscribeGroup implements broker.Conn.
func (c *conn) SubscribeGroup(groupID string, h broker.Handler) (broker.Subscription, error) {
	sub, err := c.nc.Subscribe(GroupSubject(groupID), func(msg *nats.Msg) {
		h(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("natsbroker: subscribe group %s: %w", groupID, err)
	}
	return natsSub{sub}, nil
}

// PublishChat implements broker.Conn.
func (c *conn) PublishChat(groupID string, body []byte) error {
	if err := c.nc.Publish(GroupSubject(groupID), body); err != nil {
		return fmt.Errorf("natsbroker: publish group %s: %w", groupID, err)
	}
	return nil
}

// Closed implements broker.Conn.
func (c *conn) Closed() <-chan struct{} {
	return c.done
}

// Close drains the connection and marks it closed.
func (c *conn) Close() error {
	defer c.markClosed()
	if c.nc.IsClosed() {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("natsbroker: drain: %w", err)
	}
	return nil
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	if !s.sub.IsValid() {
		return nil
	}
	return s.sub.Unsubscribe()
}
