// Package history fetches a group's recent messages over REST so the
// surrounding application can seed a session before opening it. The
// backend has served this list both as a bare JSON array and wrapped in a
// {"messages": [...]} object depending on revision; both are accepted, and
// each record goes through the same wire normalization as live events.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/wire"
)

// DefaultLimit is the number of messages requested when the caller does
// not specify one.
const DefaultLimit = 50

// Client fetches message history from the LunchConnect REST API.
type Client struct {
	base string
	auth *auth.Context
	http *http.Client
}

// NewClient creates a history client for the given API base URL, e.g.
// "https://lunchconnect-backend.onrender.com".
func NewClient(baseURL string, authCtx *auth.Context) *Client {
	return &Client{
		base: baseURL,
		auth: authCtx,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns up to limit messages for the group, oldest first, with
// IsMine computed against the caller's identity. Entries that fail
// normalization or belong to another group are skipped, not fatal.
func (c *Client) Fetch(ctx context.Context, groupID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	token, err := c.auth.Credential()
	if err != nil {
		return nil, err
	}
	selfID, err := c.auth.CurrentUserID()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/groups/%s/messages?limit=%s", c.base, groupID, strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("history: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history: fetch group %s: %w", groupID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history: fetch group %s: status %d", groupID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("history: read response: %w", err)
	}

	records, err := splitRecords(body)
	if err != nil {
		return nil, fmt.Errorf("history: group %s: %w", groupID, err)
	}

	msgs := make([]chat.Message, 0, len(records))
	for _, raw := range records {
		in, err := wire.DecodeInbound(raw)
		if err != nil {
			log.Printf("[history] group=%s skipping record: %v", groupID, err)
			continue
		}
		if in.GroupID != groupID {
			log.Printf("[history] group=%s skipping record for group %s", groupID, in.GroupID)
			continue
		}
		msgs = append(msgs, in.Message(selfID))
	}
	return msgs, nil
}

// splitRecords accepts either a bare JSON array or an object wrapping the
// array under "messages".
func splitRecords(body []byte) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("unrecognized response shape: %w", err)
	}
	return wrapped.Messages, nil
}
