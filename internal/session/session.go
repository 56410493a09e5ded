// Package session implements the group chat session: one broker connection
// and one topic subscription scoped to the lifetime of an open chat window.
// The session owns the ordered message list, the draft buffer, the
// reconnect loop, and the expanded/minimized view state.
//
// All state mutation is serialized under a single mutex, and every
// asynchronous continuation (inbound events, retry timers, connection
// watchers) carries the epoch it was created under. A teardown bumps the
// epoch, so late continuations from a previous connection generation are
// provably inert.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/broker"
	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/metrics"
	"github.com/lunchconnect/groupchat/internal/wire"
)

// ConnState is the connection lifecycle state of a session.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the lowercase state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	// DefaultBackoff is the fixed interval between reconnect attempts.
	DefaultBackoff = 3 * time.Second

	// DefaultEchoWindow bounds content-based self-echo suppression for
	// brokers that strip correlation IDs.
	DefaultEchoWindow = 5 * time.Second

	// dialTimeout bounds a single connection attempt.
	dialTimeout = 10 * time.Second
)

// ErrNotConnected is returned by Send when the session has no live
// connection. It is advisory: the draft is preserved and the user retries
// once connected.
var ErrNotConnected = errors.New("session: not connected")

// ErrClosed is returned by operations on a session that has been closed.
var ErrClosed = errors.New("session: closed")

// Config carries the collaborators and knobs for one session.
type Config struct {
	GroupID   string
	GroupName string

	Auth   *auth.Context
	Dialer broker.Dialer

	// Backoff is the fixed retry interval; DefaultBackoff when zero.
	Backoff time.Duration

	// EchoWindow is the content-match window for self-echo suppression;
	// DefaultEchoWindow when zero.
	EchoWindow time.Duration

	// Seed preloads the message list before the session opens (history
	// fetched by the surrounding application). Seeded messages are assumed
	// to already belong to the group.
	Seed []chat.Message

	// OnMessage, OnState, and OnScroll notify the owning view. All are
	// optional and are invoked outside the session lock.
	OnMessage func(chat.Message)
	OnState   func(ConnState)
	OnScroll  func()
}

// Session is one open group chat window's worth of state.
type Session struct {
	cfg    Config
	selfID string

	mu       sync.Mutex
	state    ConnState
	view     ViewState
	unread   int
	scrolled bool // pending scroll accumulated while minimized
	messages []chat.Message
	draft    string

	conn  broker.Conn
	sub   broker.Subscription
	epoch uint64
	timer *time.Timer

	// pending maps correlation IDs of optimistic sends to their content
	// and send time, for broker-echo suppression.
	pending map[string]echo

	opened bool
	closed bool
}

// echo tracks one optimistic send awaiting its broker echo.
type echo struct {
	content string
	sentAt  time.Time
}

// New builds a session for the given group. It fails with
// auth.ErrUnauthenticated when no user identity can be decoded; per the
// error contract the caller must not open a session in that case.
func New(cfg Config) (*Session, error) {
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("session: group id is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("session: broker dialer is required")
	}
	selfID, err := cfg.Auth.CurrentUserID()
	if err != nil {
		return nil, err
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}

	s := &Session{
		cfg:      cfg,
		selfID:   selfID,
		state:    StateDisconnected,
		view:     ViewExpanded,
		messages: append([]chat.Message(nil), cfg.Seed...),
		pending:  make(map[string]echo),
	}
	return s, nil
}

// SelfID returns the decoded user ID this session authenticates as.
func (s *Session) SelfID() string { return s.selfID }

// GroupID returns the session's group.
func (s *Session) GroupID() string { return s.cfg.GroupID }

// GroupName returns the display label of the session's group.
func (s *Session) GroupName() string { return s.cfg.GroupName }

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a snapshot of the message list in arrival order.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.messages...)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Open starts the connection lifecycle. The first attempt runs on the
// calling goroutine; failures are absorbed into the silent retry loop and
// never returned. Open on an already-open session is a no-op.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	if !s.opened {
		s.opened = true
		metrics.ActiveSessions.Inc()
	}
	s.state = StateConnecting
	s.epoch++
	e := s.epoch
	s.mu.Unlock()

	s.notifyState(StateConnecting)
	s.connect(ctx, e)
	return nil
}

// Close tears the session down: the retry timer is cancelled, the
// subscription and connection are released, and any event still in flight
// is invalidated. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn, sub := s.conn, s.sub
	s.conn, s.sub = nil, nil
	s.state = StateDisconnected
	wasOpened := s.opened
	s.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("[session] group=%s unsubscribe: %v", s.cfg.GroupID, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[session] group=%s close: %v", s.cfg.GroupID, err)
		}
	}
	if wasOpened {
		metrics.ActiveSessions.Dec()
	}
	s.notifyState(StateDisconnected)
	log.Printf("[session] group=%s closed", s.cfg.GroupID)
}

// connect performs one dial+subscribe attempt for generation e. On failure
// it schedules the next attempt after the fixed backoff.
func (s *Session) connect(ctx context.Context, e uint64) {
	token, err := s.cfg.Auth.Credential()
	if err != nil {
		// Credential disappeared between New and this attempt. Per the
		// error contract this is fatal-but-local: stop without retrying.
		log.Printf("[session] group=%s not authenticated, aborting connect", s.cfg.GroupID)
		s.mu.Lock()
		if !s.stale(e) {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		s.notifyState(StateDisconnected)
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := s.cfg.Dialer.Dial(dialCtx, token)
	cancel()
	if err != nil {
		log.Printf("[session] group=%s connect failed: %v (retrying in %s)", s.cfg.GroupID, err, s.cfg.Backoff)
		s.retryLater(e)
		return
	}

	sub, err := conn.SubscribeGroup(s.cfg.GroupID, func(data []byte) {
		s.handleInbound(e, data)
	})
	if err != nil {
		log.Printf("[session] group=%s subscribe failed: %v (retrying in %s)", s.cfg.GroupID, err, s.cfg.Backoff)
		conn.Close()
		s.retryLater(e)
		return
	}

	s.mu.Lock()
	if s.stale(e) {
		s.mu.Unlock()
		// The session closed while we were dialing; drop the fresh
		// connection so no orphan survives.
		sub.Unsubscribe()
		conn.Close()
		return
	}
	s.conn, s.sub = conn, sub
	s.state = StateConnected
	s.mu.Unlock()

	s.notifyState(StateConnected)
	log.Printf("[session] group=%s connected", s.cfg.GroupID)

	go s.watch(e, conn)
}

// watch waits for the connection to die and moves the session into the
// reconnect loop. A stale generation (session closed or already replaced)
// does nothing.
func (s *Session) watch(e uint64, conn broker.Conn) {
	<-conn.Closed()

	s.mu.Lock()
	if s.stale(e) || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn, s.sub = nil, nil
	s.epoch++
	next := s.epoch
	s.state = StateReconnecting
	s.mu.Unlock()

	s.notifyState(StateReconnecting)
	log.Printf("[session] group=%s connection lost (retrying in %s)", s.cfg.GroupID, s.cfg.Backoff)
	s.retryLater(next)
}

// retryLater arms the fixed-backoff timer for generation e. Retries are
// unbounded and silent.
func (s *Session) retryLater(e uint64) {
	s.mu.Lock()
	if s.stale(e) {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.timer = time.AfterFunc(s.cfg.Backoff, func() {
		s.mu.Lock()
		if s.stale(e) {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		metrics.Reconnects.Inc()
		s.connect(context.Background(), e)
	})
	s.mu.Unlock()
	s.notifyState(StateReconnecting)
}

// stale reports whether generation e is no longer current. Callers must
// hold s.mu.
func (s *Session) stale(e uint64) bool {
	return s.closed || s.epoch != e
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// handleInbound normalizes one broker event and appends it to the message
// list. Events from a stale generation, for a foreign group, malformed, or
// recognized as echoes of our own optimistic sends are discarded.
func (s *Session) handleInbound(e uint64, data []byte) {
	in, decodeErr := wire.DecodeInbound(data)

	s.mu.Lock()
	if s.stale(e) {
		s.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(metrics.DropLate).Inc()
		return
	}
	if decodeErr != nil {
		s.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(metrics.DropMalformed).Inc()
		log.Printf("[session] group=%s dropping malformed event: %v", s.cfg.GroupID, decodeErr)
		return
	}
	if in.GroupID != s.cfg.GroupID {
		s.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(metrics.DropCrossGroup).Inc()
		return
	}

	msg := in.Message(s.selfID)
	if msg.IsMine && s.suppressEcho(msg) {
		s.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues(metrics.DropSelfEcho).Inc()
		return
	}

	s.appendLocked(msg)
	notify := s.afterAppendLocked()
	s.mu.Unlock()

	metrics.MessagesReceived.Inc()
	notify(msg)
}

// appendLocked appends in arrival order. Callers must hold s.mu.
func (s *Session) appendLocked(msg chat.Message) {
	s.messages = append(s.messages, msg)
}

// afterAppendLocked updates view bookkeeping for a new message and returns
// the notification to run outside the lock.
func (s *Session) afterAppendLocked() func(chat.Message) {
	scroll := false
	switch s.view {
	case ViewExpanded:
		scroll = true
	case ViewMinimized:
		s.unread++
		s.scrolled = true
	}

	onMessage, onScroll := s.cfg.OnMessage, s.cfg.OnScroll
	return func(msg chat.Message) {
		if onMessage != nil {
			onMessage(msg)
		}
		if scroll && onScroll != nil {
			onScroll()
		}
	}
}

func (s *Session) notifyState(state ConnState) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}
