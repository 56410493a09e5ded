package relay

import (
	"sync"

	"github.com/lunchconnect/groupchat/internal/chat"
)

// CacheSize is the number of recent messages retained per group. The cache
// backs the history endpoint when the archive is down, so a group that just
// lost Postgres still serves its most recent traffic.
const CacheSize = 50

// GroupCache stores the last N messages per group in memory.
// It is goroutine-safe and uses a ring buffer internally.
type GroupCache struct {
	mu     sync.RWMutex
	groups map[string]*ring // groupID -> ring buffer
}

// ring is a fixed-size circular buffer of chat.Message.
type ring struct {
	items []chat.Message
	pos   int
	count int
}

// NewGroupCache creates a new empty GroupCache.
func NewGroupCache() *GroupCache {
	return &GroupCache{
		groups: make(map[string]*ring),
	}
}

// Add appends a message to the group's ring buffer. If the buffer is full,
// the oldest message is overwritten.
func (gc *GroupCache) Add(groupID string, msg chat.Message) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	rb, ok := gc.groups[groupID]
	if !ok {
		rb = &ring{
			items: make([]chat.Message, CacheSize),
		}
		gc.groups[groupID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % CacheSize
	if rb.count < CacheSize {
		rb.count++
	}
}

// Recent returns up to limit of the group's most recent messages in
// chronological order (oldest first). limit <= 0 means everything cached.
// Returns an empty slice for unknown groups.
func (gc *GroupCache) Recent(groupID string, limit int) []chat.Message {
	gc.mu.RLock()
	defer gc.mu.RUnlock()

	rb, ok := gc.groups[groupID]
	if !ok {
		return []chat.Message{}
	}

	n := rb.count
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]chat.Message, n)
	// The oldest requested message is at position (pos - n) mod CacheSize.
	start := (rb.pos - n + CacheSize) % CacheSize
	for i := 0; i < n; i++ {
		result[i] = rb.items[(start+i)%CacheSize]
	}
	return result
}

// Remove deletes the cache for a group.
func (gc *GroupCache) Remove(groupID string) {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	delete(gc.groups, groupID)
}
