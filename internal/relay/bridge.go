package relay

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lunchconnect/groupchat/internal/broker/natsbroker"
)

// Bridge fans group messages out across relay instances over NATS. Every
// relay publishes accepted messages to the group's subject and subscribes
// to the whole group namespace, so clients on any instance see the same
// stream.
type Bridge struct {
	conn *nats.Conn
	sub  *nats.Subscription
}

// BridgeConfig holds NATS connection settings for the relay.
type BridgeConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultBridgeConfig returns sensible defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		URL:           "nats://localhost:4222",
		Name:          "lunchconnect-relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewBridge connects to NATS with the given config and returns a ready
// bridge. It returns an error if the initial connection fails.
func NewBridge(config BridgeConfig) (*Bridge, error) {
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

	return &Bridge{conn: nc}, nil
}

// PublishGroup publishes a message payload to the group's subject.
func (b *Bridge) PublishGroup(groupID string, data []byte) error {
	return b.conn.Publish(natsbroker.SubjectPrefix+groupID, data)
}

// SubscribeAll subscribes to the whole group namespace and invokes the
// handler with the group ID extracted from the subject. Subjects with an
// empty or multi-token suffix are ignored.
func (b *Bridge) SubscribeAll(handler func(groupID string, data []byte)) error {
	subject := natsbroker.SubjectPrefix + ">"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		groupID := strings.TrimPrefix(msg.Subject, natsbroker.SubjectPrefix)
		if groupID == "" || strings.Contains(groupID, ".") {
			return
		}
		handler(groupID, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and the NATS connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			log.Printf("[nats] drain: %v", err)
		}
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] bridge closed")
}
