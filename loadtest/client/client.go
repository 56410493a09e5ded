// Package client provides a reusable WebSocket load test client for the
// LunchConnect relay. It connects using gobwas/ws (the same library the
// relay uses), performs the STOMP CONNECT handshake, and tracks
// per-connection performance metrics. The STOMP framing here is a local
// minimal codec so the load tester stays an independent module.
package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Relay destinations, matching the server's wire contract.
const (
	TopicPrefix     = "/topic/group."
	SendDestination = "/app/chat.send"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Frame is a decoded STOMP frame from the relay.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// Client represents a single simulated user connection to the relay. It
// manages the WebSocket lifecycle, completes the STOMP handshake, and
// dispatches incoming frames to registered handlers.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(*Frame)
	connected chan struct{}
	connOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the relay's /ws endpoint with the bearer token as a query
// parameter, sends CONNECT, and starts the background read loop.
func New(ctx context.Context, wsURL, token string) (*Client, error) {
	endpoint, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:      conn,
		handlers:  make(map[string]func(*Frame)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	if err := c.writeFrame("CONNECT", nil,
		"accept-version", "1.2",
		"host", endpoint.Hostname(),
		"heart-beat", "0,0",
	); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect frame: %w", err)
	}

	return c, nil
}

// WaitForConnected blocks until the relay answers CONNECTED or the context
// is cancelled.
func (c *Client) WaitForConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before CONNECTED")
	case <-c.connected:
		return nil
	}
}

// Subscribe registers interest in a group topic.
func (c *Client) Subscribe(groupID, subID string) error {
	return c.writeFrame("SUBSCRIBE", nil,
		"id", subID,
		"destination", TopicPrefix+groupID,
	)
}

// SendChat publishes a chat message to the relay's send destination. The
// correlation ID travels through the relay unchanged, so the caller can
// match its own echo and measure round-trip latency.
func (c *Client) SendChat(groupID, content, correlationID string) error {
	body := fmt.Sprintf(
		`{"type":"CHAT","groupId":%q,"content":%q,"correlationId":%q}`,
		groupID, content, correlationID,
	)
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return c.writeFrame("SEND", []byte(body),
		"destination", SendDestination,
		"content-type", "application/json",
	)
}

// On registers a handler for a STOMP command ("MESSAGE", "ERROR", ...).
// Handlers run on the read loop goroutine; only one per command.
func (c *Client) On(command string, handler func(*Frame)) {
	c.mu.Lock()
	c.handlers[command] = handler
	c.mu.Unlock()
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		frame := parseFrame(data)
		if frame == nil {
			continue // heartbeat
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[frame.Command]
		c.mu.Unlock()

		if frame.Command == "CONNECTED" {
			c.connOnce.Do(func() { close(c.connected) })
		}

		if handler != nil {
			handler(frame)
		}
	}
}

// writeFrame marshals and sends one STOMP frame as a WebSocket text
// message. It is goroutine-safe.
func (c *Client) writeFrame(command string, body []byte, kv ...string) error {
	var buf bytes.Buffer
	buf.WriteString(command)
	buf.WriteByte('\n')
	for i := 0; i+1 < len(kv); i += 2 {
		buf.WriteString(kv[i])
		buf.WriteByte(':')
		buf.WriteString(kv[i+1])
		buf.WriteByte('\n')
	}
	if len(body) > 0 {
		fmt.Fprintf(&buf, "content-length:%d\n", len(body))
	}
	buf.WriteByte('\n')
	buf.Write(body)
	buf.WriteByte(0)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, buf.Bytes())
}

// parseFrame decodes a server frame. Heartbeats (bare EOLs) yield nil.
func parseFrame(data []byte) *Frame {
	trimmed := bytes.TrimLeft(data, "\r\n")
	if len(trimmed) == 0 {
		return nil
	}

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil
	}
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}

	lines := strings.Split(string(head), "\n")
	f := &Frame{
		Command: strings.TrimSpace(lines[0]),
		Headers: make(map[string]string, len(lines)-1),
		Body:    append([]byte(nil), body...),
	}
	for _, line := range lines[1:] {
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r"), ":")
		if !ok {
			continue
		}
		if _, exists := f.Headers[k]; !exists {
			f.Headers[k] = v
		}
	}
	return f
}

// FieldString pulls a top-level string field out of a JSON body without a
// full decoder; good enough for the load tester's fixed envelopes.
func FieldString(body []byte, field string) string {
	marker := fmt.Sprintf("%q:", field)
	i := bytes.Index(body, []byte(marker))
	if i < 0 {
		return ""
	}
	rest := body[i+len(marker):]
	j := bytes.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	rest = rest[j+1:]
	k := bytes.IndexByte(rest, '"')
	if k < 0 {
		return ""
	}
	return string(rest[:k])
}
