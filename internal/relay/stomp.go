package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/metrics"
	"github.com/lunchconnect/groupchat/internal/ratelimit"
	"github.com/lunchconnect/groupchat/internal/stomp"
	"github.com/lunchconnect/groupchat/internal/wire"
)

// stompVersion is the protocol version the relay speaks.
const stompVersion = "1.2"

// delivery is the canonical envelope the relay fans out over NATS and
// delivers in MESSAGE frames. Field names match the client's primary
// aliases.
type delivery struct {
	ID            string `json:"id"`
	GroupID       string `json:"groupId"`
	Content       string `json:"content"`
	SenderID      string `json:"senderId"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// handleFrame processes one WebSocket message as a STOMP frame.
func (s *Server) handleFrame(c *Conn, data []byte) {
	frame, err := stomp.Parse(data)
	if err != nil {
		s.sendError(c, "malformed frame", err.Error())
		s.RemoveConnection(c)
		return
	}
	if frame == nil {
		// Heartbeat; LastPing was already refreshed by the read path.
		return
	}

	if frame.Command == stomp.CmdConnect || frame.Command == "STOMP" {
		s.handleConnect(c, frame)
		return
	}

	if !c.isConnected() {
		s.sendError(c, "not connected", "CONNECT must be the first frame")
		s.RemoveConnection(c)
		return
	}

	switch frame.Command {
	case stomp.CmdSubscribe:
		s.handleSubscribe(c, frame)
	case stomp.CmdUnsubscribe:
		s.handleUnsubscribe(c, frame)
	case stomp.CmdSend:
		s.handleSend(c, frame)
	case stomp.CmdDisconnect:
		s.sendReceipt(c, frame)
		s.RemoveConnection(c)
	default:
		s.sendError(c, "unknown command", frame.Command)
	}
}

func (s *Server) handleConnect(c *Conn, frame *stomp.Frame) {
	if !c.markConnected() {
		s.sendError(c, "already connected", "duplicate CONNECT frame")
		s.RemoveConnection(c)
		return
	}

	connected := stomp.NewFrame(stomp.CmdConnected, nil,
		stomp.HdrVersion, stompVersion,
		stomp.HdrHeartBeat, "0,0",
	)
	if err := c.WriteFrame(connected); err != nil {
		log.Printf("relay: CONNECTED write failed conn=%s: %v", c.ID, err)
		s.RemoveConnection(c)
	}
}

func (s *Server) handleSubscribe(c *Conn, frame *stomp.Frame) {
	subID := frame.Headers[stomp.HdrID]
	dest := frame.Headers[stomp.HdrDestination]
	if subID == "" || dest == "" {
		s.sendError(c, "bad subscribe", "id and destination headers are required")
		return
	}

	groupID := GroupFromTopic(dest)
	if groupID == "" {
		s.sendError(c, "bad destination", dest)
		return
	}

	if !c.addSub(subID, groupID) {
		s.sendError(c, "subscription id in use", subID)
		return
	}
	s.topics.Subscribe(groupID, c, subID)

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.Presence.Join(ctx, groupID, c.UserID); err != nil {
			log.Printf("relay: presence join failed group=%s user=%s: %v", groupID, c.UserID, err)
		}
	}

	log.Printf("relay: subscribed conn=%s user=%s group=%s sub=%s", c.ID, c.UserID, groupID, subID)
	s.sendReceipt(c, frame)
}

func (s *Server) handleUnsubscribe(c *Conn, frame *stomp.Frame) {
	subID := frame.Headers[stomp.HdrID]
	if subID == "" {
		s.sendError(c, "bad unsubscribe", "id header is required")
		return
	}

	groupID, ok := c.takeSub(subID)
	if !ok {
		s.sendError(c, "unknown subscription", subID)
		return
	}
	s.topics.Unsubscribe(groupID, c, subID)

	if s.deps.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.deps.Presence.Leave(ctx, groupID, c.UserID); err != nil {
			log.Printf("relay: presence leave failed group=%s user=%s: %v", groupID, c.UserID, err)
		}
	}

	log.Printf("relay: unsubscribed conn=%s group=%s sub=%s", c.ID, groupID, subID)
	s.sendReceipt(c, frame)
}

// handleSend validates a client SEND, stamps the authoritative identity and
// timestamp, and publishes the canonical envelope to NATS. Delivery to
// subscribers (including the sender's own instance) happens on the NATS
// side so every relay sees the same stream.
func (s *Server) handleSend(c *Conn, frame *stomp.Frame) {
	if dest := frame.Headers[stomp.HdrDestination]; dest != SendDestination {
		s.sendError(c, "bad destination", dest)
		return
	}

	in, err := wire.DecodeInbound(frame.Body)
	if err != nil {
		s.sendError(c, "malformed message", err.Error())
		return
	}
	if err := chat.ValidateOutbound(in.Content); err != nil {
		s.sendError(c, "invalid message", err.Error())
		return
	}

	if s.deps.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		allowed, _ := s.deps.Limiter.Allow(ctx, c.UserID, ratelimit.RuleSend)
		cancel()
		if !allowed {
			metrics.RelayRateLimited.Inc()
			s.sendError(c, "rate limited", "too many messages, slow down")
			return
		}
	}

	// The client's senderId claim is ignored; the verified token identity
	// is authoritative.
	env := delivery{
		ID:            uuid.New().String(),
		GroupID:       in.GroupID,
		Content:       in.Content,
		SenderID:      c.UserID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		CorrelationID: in.CorrelationID,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		s.sendError(c, "internal error", err.Error())
		return
	}

	if s.deps.Bridge != nil {
		if err := s.deps.Bridge.PublishGroup(env.GroupID, payload); err != nil {
			log.Printf("relay: nats publish failed group=%s: %v", env.GroupID, err)
			s.sendError(c, "publish failed", "message not delivered")
			return
		}
	} else {
		// No NATS in single-instance setups; deliver locally.
		s.deliverGroup(env.GroupID, payload)
	}

	metrics.RelayMessages.WithLabelValues("in").Inc()
	s.sendReceipt(c, frame)
}

// deliverGroup handles one message arriving from NATS (or a local publish):
// archive, cache, and fan out MESSAGE frames to local subscribers.
func (s *Server) deliverGroup(groupID string, data []byte) {
	in, err := wire.DecodeInbound(data)
	if err != nil {
		log.Printf("relay: dropping malformed payload group=%s: %v", groupID, err)
		return
	}
	msg := in.Message("")
	msg.GroupID = groupID

	if s.deps.Archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.deps.Archive.Store(ctx, msg); err != nil {
			log.Printf("relay: archive store failed group=%s: %v", groupID, err)
		}
		cancel()
	}
	s.cache.Add(groupID, msg)

	for _, sub := range s.topics.Subscribers(groupID) {
		frame := stomp.NewFrame(stomp.CmdMessage, data,
			stomp.HdrDestination, TopicPrefix+groupID,
			stomp.HdrSubscription, sub.SubID,
			stomp.HdrMessageID, msg.ID,
			stomp.HdrContentType, "application/json",
		)
		if err := sub.Conn.WriteFrame(frame); err != nil {
			log.Printf("relay: deliver failed conn=%s group=%s: %v", sub.Conn.ID, groupID, err)
			s.RemoveConnection(sub.Conn)
			continue
		}
		metrics.RelayMessages.WithLabelValues("out").Inc()
	}
}

// sendReceipt answers a frame's receipt request, if any.
func (s *Server) sendReceipt(c *Conn, frame *stomp.Frame) {
	receipt := frame.Headers[stomp.HdrReceipt]
	if receipt == "" {
		return
	}
	f := stomp.NewFrame(stomp.CmdReceipt, nil, stomp.HdrReceiptID, receipt)
	if err := c.WriteFrame(f); err != nil {
		log.Printf("relay: receipt write failed conn=%s: %v", c.ID, err)
	}
}

// sendError sends an ERROR frame with a short message header and a detail
// body. The connection stays open; callers decide whether to close it.
func (s *Server) sendError(c *Conn, message, detail string) {
	f := stomp.NewFrame(stomp.CmdError, []byte(detail),
		stomp.HdrMessage, message,
		stomp.HdrContentType, "text/plain",
	)
	if err := c.WriteFrame(f); err != nil {
		log.Printf("relay: error write failed conn=%s: %v", c.ID, err)
	}
}
