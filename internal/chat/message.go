// Package chat defines the canonical message model shared by the client
// session and the relay. Wire-level records (whose field names drift across
// backend revisions) are converted into these types at the transport
// boundary; everything above that boundary sees only this shape.
package chat

import (
	"fmt"
	"time"
)

// Message is one chat message as rendered in a group conversation. Messages
// are immutable once created and live only as long as the session that
// holds them.
type Message struct {
	ID            string    // server-assigned, or a local placeholder for optimistic entries
	GroupID       string    // owning group; always equals the session's group
	Content       string    // text body
	SenderID      string    // authoring user
	IsMine        bool      // true when SenderID is the session's own user
	Timestamp     time.Time // creation or arrival time
	CorrelationID string    // client-generated, set on optimistic local entries
}

// Clock renders the message timestamp as the hour:minute label shown next
// to each bubble.
func (m Message) Clock() string {
	return m.Timestamp.Format("15:04")
}

// LocalID builds a placeholder message ID for an optimistic entry, derived
// from the creation time the same way the web client derives its own.
func LocalID(ts time.Time) string {
	return fmt.Sprintf("local-%d", ts.UnixMilli())
}
