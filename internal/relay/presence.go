package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for per-group member sets.
	PresencePrefix = "presence:group:"

	// PresenceTTL is the time-to-live for presence keys. Heartbeats refresh
	// it, so a crashed relay's members age out instead of lingering.
	PresenceTTL = 2 * time.Minute
)

// Presence tracks which users are subscribed to which groups, shared across
// relay instances through Redis sets.
type Presence struct {
	client *redis.Client
}

// NewPresence connects to Redis and verifies the connection.
func NewPresence(redisAddr string) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Presence{client: client}, nil
}

// Join adds a user to a group's member set and refreshes the key TTL.
func (p *Presence) Join(ctx context.Context, groupID, userID string) error {
	key := PresencePrefix + groupID
	pipe := p.client.Pipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Leave removes a user from a group's member set.
func (p *Presence) Leave(ctx context.Context, groupID, userID string) error {
	return p.client.SRem(ctx, PresencePrefix+groupID, userID).Err()
}

// Members returns the users currently present in a group.
func (p *Presence) Members(ctx context.Context, groupID string) ([]string, error) {
	return p.client.SMembers(ctx, PresencePrefix+groupID).Result()
}

// Count returns the number of users present in a group.
func (p *Presence) Count(ctx context.Context, groupID string) (int64, error) {
	return p.client.SCard(ctx, PresencePrefix+groupID).Result()
}

// Refresh extends the TTL on a group's member set. Called from the
// heartbeat loop for every group with local subscribers.
func (p *Presence) Refresh(ctx context.Context, groupID string) error {
	return p.client.Expire(ctx, PresencePrefix+groupID, PresenceTTL).Err()
}

// Close closes the Redis connection.
func (p *Presence) Close() error {
	return p.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (p *Presence) Client() *redis.Client {
	return p.client
}
