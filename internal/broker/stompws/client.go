// Package stompws is the STOMP-over-WebSocket broker driver. It dials the
// broker's /ws endpoint with gobwas/ws, performs the CONNECT handshake with
// the bearer token (sent both as a CONNECT header and as a query parameter,
// since backend revisions have required either), and maps group topics onto
// /topic/group.{id} destinations.
package stompws

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/lunchconnect/groupchat/internal/broker"
	"github.com/lunchconnect/groupchat/internal/stomp"
)

const (
	// SendDestination is the fixed application destination for outbound
	// chat envelopes.
	SendDestination = "/app/chat.send"

	// connectTimeout bounds the CONNECT -> CONNECTED handshake.
	connectTimeout = 10 * time.Second
)

// GroupTopic returns the broker destination for a group's conversation.
func GroupTopic(groupID string) string {
	return "/topic/group." + groupID
}

// Dialer dials STOMP brokers at a fixed WebSocket URL.
type Dialer struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string

	// Host is the STOMP virtual host sent in CONNECT. Defaults to the
	// endpoint's hostname.
	Host string
}

// Dial connects, authenticates, and completes the STOMP handshake. The
// returned Conn is ready to subscribe and publish.
func (d *Dialer) Dial(ctx context.Context, token string) (broker.Conn, error) {
	endpoint, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("stompws: parse url: %w", err)
	}
	q := endpoint.Query()
	q.Set("token", token)
	endpoint.RawQuery = q.Encode()

	netConn, _, _, err := ws.Dial(ctx, endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("stompws: dial: %w", err)
	}

	host := d.Host
	if host == "" {
		host = endpoint.Hostname()
	}

	c := &conn{
		netConn: netConn,
		subs:    make(map[string]*subscription),
		done:    make(chan struct{}),
	}

	connect := stomp.NewFrame(stomp.CmdConnect, nil,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, host,
		stomp.HdrAuthorization, "Bearer "+token,
		stomp.HdrHeartBeat, "0,0",
	)
	if err := c.writeFrame(connect); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("stompws: send CONNECT: %w", err)
	}

	if err := c.awaitConnected(); err != nil {
		netConn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// conn is one live STOMP connection. The write mutex serializes outbound
// frames; the read loop is the only reader.
type conn struct {
	netConn net.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*subscription // subscription id -> subscription
	nextID int

	done      chan struct{}
	closeOnce sync.Once
}

type subscription struct {
	id      string
	topic   string
	handler broker.Handler
	conn    *conn
}

// Unsubscribe sends UNSUBSCRIBE and drops the local handler registration.
func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	_, live := s.conn.subs[s.id]
	delete(s.conn.subs, s.id)
	s.conn.mu.Unlock()
	if !live {
		return nil
	}
	return s.conn.writeFrame(stomp.NewFrame(stomp.CmdUnsubscribe, nil, stomp.HdrID, s.id))
}

// SubscribeGroup implements broker.Conn.
func (c *conn) SubscribeGroup(groupID string, h broker.Handler) (broker.Subscription, error) {
	c.mu.Lock()
	id := "sub-" + strconv.Itoa(c.nextID)
	c.nextID++
	sub := &subscription{id: id, topic: GroupTopic(groupID), handler: h, conn: c}
	c.subs[id] = sub
	c.mu.Unlock()

	frame := stomp.NewFrame(stomp.CmdSubscribe, nil,
		stomp.HdrID, id,
		stomp.HdrDestination, sub.topic,
	)
	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("stompws: subscribe %s: %w", sub.topic, err)
	}
	return sub, nil
}

// PublishChat implements broker.Conn. All groups share the application send
// destination; the group is carried inside the envelope.
func (c *conn) PublishChat(groupID string, body []byte) error {
	frame := stomp.NewFrame(stomp.CmdSend, body,
		stomp.HdrDestination, SendDestination,
		stomp.HdrContentType, "application/json",
	)
	if err := c.writeFrame(frame); err != nil {
		return fmt.Errorf("stompws: publish group %s: %w", groupID, err)
	}
	return nil
}

// Closed implements broker.Conn.
func (c *conn) Closed() <-chan struct{} {
	return c.done
}

// Close sends DISCONNECT on a best-effort basis and closes the socket. It
// is safe to call multiple times.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.writeFrame(stomp.NewFrame(stomp.CmdDisconnect, nil))
		close(c.done)
		err = c.netConn.Close()
	})
	return err
}

// awaitConnected reads frames until CONNECTED or ERROR arrives. Heartbeats
// are skipped.
func (c *conn) awaitConnected() error {
	_ = c.netConn.SetReadDeadline(time.Now().Add(connectTimeout))
	defer c.netConn.SetReadDeadline(time.Time{})

	for {
		data, err := wsutil.ReadServerText(c.netConn)
		if err != nil {
			return fmt.Errorf("stompws: read during handshake: %w", err)
		}
		frame, err := stomp.Parse(data)
		if err != nil {
			return fmt.Errorf("stompws: handshake: %w", err)
		}
		if frame == nil {
			continue // heartbeat
		}
		switch frame.Command {
		case stomp.CmdConnected:
			return nil
		case stomp.CmdError:
			return fmt.Errorf("stompws: broker refused connection: %s", frame.Headers[stomp.HdrMessage])
		default:
			return fmt.Errorf("stompws: unexpected %s frame during handshake", frame.Command)
		}
	}
}

// readLoop reads frames until the connection dies, dispatching MESSAGE
// frames to the owning subscription's handler.
func (c *conn) readLoop() {
	defer c.Close()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.netConn)
		if err != nil {
			select {
			case <-c.done:
				// Intentional close; not an error.
			default:
				log.Printf("[stompws] read error: %v", err)
			}
			return
		}

		frame, err := stomp.Parse(data)
		if err != nil {
			log.Printf("[stompws] dropping malformed frame: %v", err)
			continue
		}
		if frame == nil {
			continue // heartbeat
		}

		switch frame.Command {
		case stomp.CmdMessage:
			c.dispatch(frame)
		case stomp.CmdError:
			log.Printf("[stompws] broker error: %s", frame.Headers[stomp.HdrMessage])
		case stomp.CmdReceipt:
			// Receipts are not requested; ignore.
		default:
			log.Printf("[stompws] ignoring unexpected %s frame", frame.Command)
		}
	}
}

// dispatch routes a MESSAGE frame to the handler registered under its
// subscription header. Frames for unsubscribed ids are dropped, which
// covers broker messages in flight across an unsubscribe.
func (c *conn) dispatch(frame *stomp.Frame) {
	subID := frame.Headers[stomp.HdrSubscription]
	c.mu.Lock()
	sub, ok := c.subs[subID]
	c.mu.Unlock()
	if !ok {
		log.Printf("[stompws] message for unknown subscription %q dropped", subID)
		return
	}
	sub.handler(frame.Body)
}

// writeFrame serializes and writes one frame as a WebSocket text message.
func (c *conn) writeFrame(f *stomp.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.netConn, ws.OpText, f.Marshal())
}
