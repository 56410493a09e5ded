// Package relay implements the development broker for LunchConnect group
// chat. It terminates STOMP-over-WebSocket client connections, fans
// messages out across relay instances via NATS, tracks presence in Redis,
// and archives messages in PostgreSQL for the history endpoint.
package relay

import (
	"strings"
	"sync"
)

const (
	// TopicPrefix is the subscription destination namespace for groups.
	TopicPrefix = "/topic/group."

	// SendDestination is the application destination clients publish to.
	SendDestination = "/app/chat.send"
)

// GroupFromTopic extracts the group ID from a /topic/group.{id}
// destination. Returns "" for destinations outside the namespace.
func GroupFromTopic(dest string) string {
	if !strings.HasPrefix(dest, TopicPrefix) {
		return ""
	}
	return strings.TrimPrefix(dest, TopicPrefix)
}

// subscriber is one (connection, subscription id) pair listening to a group.
type subscriber struct {
	conn  *Conn
	subID string
}

// Topics is the in-memory registry mapping groups to their local
// subscribers. Each relay instance tracks only its own connections; NATS
// carries messages between instances.
type Topics struct {
	mu     sync.RWMutex
	groups map[string][]subscriber // groupID -> subscribers
}

// NewTopics creates an empty registry.
func NewTopics() *Topics {
	return &Topics{groups: make(map[string][]subscriber)}
}

// Subscribe registers a connection's subscription to a group. A connection
// re-subscribing under the same subscription ID replaces its previous
// registration, so duplicate SUBSCRIBE frames do not double-deliver.
func (t *Topics) Subscribe(groupID string, conn *Conn, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	subs := t.groups[groupID]
	for i, s := range subs {
		if s.conn == conn && s.subID == subID {
			subs[i] = subscriber{conn: conn, subID: subID}
			return
		}
	}
	t.groups[groupID] = append(subs, subscriber{conn: conn, subID: subID})
}

// Unsubscribe removes one subscription. Unknown pairs are a no-op.
func (t *Topics) Unsubscribe(groupID string, conn *Conn, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups[groupID] = removeSub(t.groups[groupID], conn, subID)
	if len(t.groups[groupID]) == 0 {
		delete(t.groups, groupID)
	}
}

// DropConn removes every subscription held by a connection and returns the
// groups it was subscribed to (for presence cleanup).
func (t *Topics) DropConn(conn *Conn) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	for groupID, subs := range t.groups {
		kept := subs[:0]
		for _, s := range subs {
			if s.conn == conn {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) != len(subs) {
			dropped = append(dropped, groupID)
		}
		if len(kept) == 0 {
			delete(t.groups, groupID)
		} else {
			t.groups[groupID] = kept
		}
	}
	return dropped
}

// Subscribers returns a snapshot of the group's subscribers, safe to
// iterate without the lock.
func (t *Topics) Subscribers(groupID string) []struct {
	Conn  *Conn
	SubID string
} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	subs := t.groups[groupID]
	out := make([]struct {
		Conn  *Conn
		SubID string
	}, len(subs))
	for i, s := range subs {
		out[i].Conn = s.conn
		out[i].SubID = s.subID
	}
	return out
}

// GroupCount returns the number of groups with at least one subscriber.
func (t *Topics) GroupCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.groups)
}

func removeSub(subs []subscriber, conn *Conn, subID string) []subscriber {
	kept := subs[:0]
	for _, s := range subs {
		if s.conn == conn && s.subID == subID {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}
