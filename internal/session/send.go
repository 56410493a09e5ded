package session

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/metrics"
	"github.com/lunchconnect/groupchat/internal/wire"
)

// Send publishes a message to the group. The text is validated first;
// empty or whitespace-only input returns chat.ErrEmptyMessage without
// transmitting. When the session is not connected the send is a no-op: a
// warning is logged, ErrNotConnected is returned, and the draft is left
// untouched so the user can retry once connected.
//
// On a successful transmission attempt the message is inserted optimistically
// (marked as the user's own, with a local placeholder ID and a correlation
// ID) and the draft is cleared. The broker's echo of the same message is
// suppressed by correlation ID, falling back to a content match inside the
// echo window for brokers that strip custom fields.
func (s *Session) Send(text string) error {
	if err := chat.ValidateOutbound(text); err != nil {
		return err
	}
	content := strings.TrimSpace(text)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateConnected || s.conn == nil {
		s.mu.Unlock()
		log.Printf("[session] group=%s send skipped: not connected (draft preserved)", s.cfg.GroupID)
		return ErrNotConnected
	}
	conn := s.conn

	now := time.Now()
	corrID := uuid.New().String()
	msg := chat.Message{
		ID:            chat.LocalID(now),
		GroupID:       s.cfg.GroupID,
		Content:       content,
		SenderID:      s.selfID,
		IsMine:        true,
		Timestamp:     now,
		CorrelationID: corrID,
	}
	s.pending[corrID] = echo{content: content, sentAt: now}
	s.prunePendingLocked(now)
	s.appendLocked(msg)
	notify := s.afterAppendLocked()
	s.draft = ""
	s.mu.Unlock()

	payload, err := wire.EncodeOutbound(s.cfg.GroupID, content, s.selfID, corrID)
	if err != nil {
		// Encoding plain strings cannot realistically fail; log and keep
		// the optimistic entry rather than surface a phantom error.
		log.Printf("[session] group=%s encode outbound: %v", s.cfg.GroupID, err)
		return nil
	}
	if err := conn.PublishChat(s.cfg.GroupID, payload); err != nil {
		// Fire-and-forget: the publish failed after the attempt was made,
		// so the draft stays cleared and the failure is logged only.
		log.Printf("[session] group=%s publish failed: %v", s.cfg.GroupID, err)
		return nil
	}

	metrics.MessagesSent.Inc()
	notify(msg)
	return nil
}

// Draft returns the current unsent input buffer.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// SetDraft replaces the unsent input buffer.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// SendDraft sends the current draft. The draft survives validation
// failures and disconnected no-ops; it clears only when Send attempts a
// transmission.
func (s *Session) SendDraft() error {
	s.mu.Lock()
	draft := s.draft
	s.mu.Unlock()
	return s.Send(draft)
}

// suppressEcho reports whether an inbound self-authored message is the
// broker's echo of a pending optimistic send. A correlation ID hit is
// authoritative; otherwise the first pending entry with identical content
// inside the echo window matches. Matched entries are consumed. Callers
// must hold s.mu.
func (s *Session) suppressEcho(msg chat.Message) bool {
	if msg.CorrelationID != "" {
		if _, ok := s.pending[msg.CorrelationID]; ok {
			delete(s.pending, msg.CorrelationID)
			return true
		}
		// A correlation ID we never issued: another device of the same
		// user, render it.
		return false
	}

	for id, p := range s.pending {
		if p.content == msg.Content && msg.Timestamp.Sub(p.sentAt) < s.cfg.EchoWindow {
			delete(s.pending, id)
			return true
		}
	}
	return false
}

// prunePendingLocked drops pending echoes older than the echo window; an
// echo that never arrived should not suppress a genuine repeat of the same
// text later. Callers must hold s.mu.
func (s *Session) prunePendingLocked(now time.Time) {
	for id, p := range s.pending {
		if now.Sub(p.sentAt) >= s.cfg.EchoWindow {
			delete(s.pending, id)
		}
	}
}
