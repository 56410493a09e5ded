// Package broker abstracts the real-time messaging transport behind the
// chat session. The session speaks in terms of groups; each driver maps
// groups onto its own topic naming and handles credential delivery during
// connect. Two drivers exist: STOMP over WebSocket (the production
// backend's contract) and NATS (development and self-hosted relays).
package broker

import "context"

// Handler receives the raw payload of one inbound group event. Handlers are
// invoked from the driver's read goroutine and must not block.
type Handler func(data []byte)

// Subscription is a live per-group subscription that can be torn down
// independently of the connection.
type Subscription interface {
	Unsubscribe() error
}

// Conn is one established, authenticated broker connection.
type Conn interface {
	// SubscribeGroup registers a handler for the given group's topic. The
	// credential was already presented during Dial, satisfying the contract
	// that it reaches the broker before any subscription.
	SubscribeGroup(groupID string, h Handler) (Subscription, error)

	// PublishChat publishes an outbound chat envelope for the given group.
	PublishChat(groupID string, body []byte) error

	// Closed is closed when the connection dies, whether by Close or by a
	// transport failure. The session watches it to drive reconnection.
	Closed() <-chan struct{}

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Dialer establishes broker connections. Dial must deliver the credential
// to the broker as part of connection establishment.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}
