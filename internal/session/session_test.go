package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/broker"
	"github.com/lunchconnect/groupchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Fake broker
// ---------------------------------------------------------------------------

// fakeConn is an in-memory broker connection. Tests deliver inbound events
// through its registered handlers and inspect published payloads.
type fakeConn struct {
	mu        sync.Mutex
	handlers  map[string]broker.Handler // groupID -> handler
	published [][]byte
	done      chan struct{}
	closeOnce sync.Once
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]broker.Handler),
		done:     make(chan struct{}),
	}
}

func (c *fakeConn) SubscribeGroup(groupID string, h broker.Handler) (broker.Subscription, error) {
	c.mu.Lock()
	c.handlers[groupID] = h
	c.mu.Unlock()
	return fakeSub{conn: c, groupID: groupID}, nil
}

func (c *fakeConn) PublishChat(groupID string, body []byte) error {
	c.mu.Lock()
	c.published = append(c.published, append([]byte(nil), body...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Closed() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// deliver pushes a raw payload to the group's handler, simulating a broker
// push. Returns false if no subscription exists.
func (c *fakeConn) deliver(groupID string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[groupID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(payload)
	return true
}

func (c *fakeConn) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

func (c *fakeConn) lastPublished(t *testing.T) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.published) == 0 {
		t.Fatal("nothing published")
	}
	var out map[string]interface{}
	if err := json.Unmarshal(c.published[len(c.published)-1], &out); err != nil {
		t.Fatalf("unmarshal published payload: %v", err)
	}
	return out
}

type fakeSub struct {
	conn    *fakeConn
	groupID string
}

func (s fakeSub) Unsubscribe() error {
	s.conn.mu.Lock()
	delete(s.conn.handlers, s.groupID)
	s.conn.mu.Unlock()
	return nil
}

// fakeDialer hands out fakeConns, optionally failing the first N attempts.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (broker.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// liveConns counts handed-out connections that have not been closed.
func (d *fakeDialer) liveConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	live := 0
	for _, c := range d.conns {
		select {
		case <-c.done:
		default:
			live++
		}
	}
	return live
}

func (d *fakeDialer) conn(t *testing.T, i int) *fakeConn {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		t.Fatalf("no connection %d (have %d)", i, len(d.conns))
	}
	return d.conns[i]
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": userID,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestSession(t *testing.T, dialer broker.Dialer, mutate func(*Config)) *Session {
	t.Helper()
	cfg := Config{
		GroupID:    "42",
		GroupName:  "Tacos del Centro",
		Auth:       auth.NewContext(auth.StaticToken(tokenFor(t, "7"))),
		Dialer:     dialer,
		Backoff:    20 * time.Millisecond,
		EchoWindow: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func event(id, groupID, content, senderID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"groupId":%q,"content":%q,"senderId":%q,"timestamp":%q}`,
		id, groupID, content, senderID, time.Now().Format(time.RFC3339)))
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// ---------------------------------------------------------------------------
// Lifecycle and auth
// ---------------------------------------------------------------------------

func TestNewUnauthenticated(t *testing.T) {
	_, err := New(Config{
		GroupID: "42",
		Auth:    auth.NewContext(auth.StaticToken("")),
		Dialer:  &fakeDialer{},
	})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestNewUndecodableToken(t *testing.T) {
	_, err := New(Config{
		GroupID: "42",
		Auth:    auth.NewContext(auth.StaticToken("garbage-token")),
		Dialer:  &fakeDialer{},
	})
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestOpenConnectsAndSubscribes(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.State() != StateConnected {
		t.Fatalf("expected connected, got %s", s.State())
	}
	if dialer.dialCount() != 1 {
		t.Errorf("expected 1 dial, got %d", dialer.dialCount())
	}

	conn := dialer.conn(t, 0)
	conn.mu.Lock()
	_, subscribed := conn.handlers["42"]
	conn.mu.Unlock()
	if !subscribed {
		t.Error("expected subscription to group 42")
	}
}

func TestOpenTwiceSingleConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if dialer.dialCount() != 1 {
		t.Errorf("expected 1 dial after double open, got %d", dialer.dialCount())
	}
	if dialer.liveConns() != 1 {
		t.Errorf("expected 1 live connection, got %d", dialer.liveConns())
	}
}

// Scenario: open session for group 42, credential decodes to user 7, broker
// delivers a message from user 9.
func TestHappyPathInbound(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if !dialer.conn(t, 0).deliver("42", event("1", "42", "hola", "9")) {
		t.Fatal("no handler registered")
	}

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Content != "hola" || msgs[0].SenderID != "9" || msgs[0].IsMine {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestCrossGroupDiscard(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	conn.deliver("42", event("1", "42", "hola", "9"))
	// Stale subscription delivering an event tagged for another group.
	conn.deliver("42", event("2", "99", "otro grupo", "9"))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected cross-group event discarded, got %d messages", len(msgs))
	}
	if msgs[0].GroupID != "42" {
		t.Errorf("foreign group message leaked: %+v", msgs[0])
	}
}

func TestMalformedInboundDiscarded(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	conn.deliver("42", []byte(`{{{not json`))
	conn.deliver("42", []byte(`{"senderId":"9"}`)) // no group, no content
	conn.deliver("42", event("1", "42", "hola", "9"))

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected only the valid message, got %d", got)
	}
	if s.State() != StateConnected {
		t.Errorf("malformed payloads must not kill the connection, state=%s", s.State())
	}
}

func TestSelfMessageFlagging(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	conn.deliver("42", event("1", "42", "desde otro dispositivo", "7"))
	conn.deliver("42", event("2", "42", "hola", "9"))

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if !msgs[0].IsMine {
		t.Error("message from own user id must have IsMine=true")
	}
	if msgs[1].IsMine {
		t.Error("message from another user must have IsMine=false")
	}
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestEmptySendRejected(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	for _, text := range []string{"", "   "} {
		if err := s.Send(text); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Errorf("Send(%q): expected ErrEmptyMessage, got %v", text, err)
		}
	}
	if conn.publishedCount() != 0 {
		t.Error("empty sends must not transmit")
	}
	if len(s.Messages()) != 0 {
		t.Error("empty sends must not create messages")
	}
}

// Scenario: connected session publishes the envelope and resets the draft.
func TestSendPublishesAndClearsDraft(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.SetDraft("¿vamos a las 13:00?")
	if err := s.SendDraft(); err != nil {
		t.Fatalf("SendDraft: %v", err)
	}

	out := dialer.conn(t, 0).lastPublished(t)
	if out["groupId"] != "42" || out["content"] != "¿vamos a las 13:00?" {
		t.Errorf("unexpected payload: %v", out)
	}
	if out["senderId"] != "7" {
		t.Errorf("expected senderId 7, got %v", out["senderId"])
	}
	if s.Draft() != "" {
		t.Errorf("expected draft cleared, got %q", s.Draft())
	}

	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].IsMine || msgs[0].Content != "¿vamos a las 13:00?" {
		t.Errorf("expected optimistic own message, got %+v", msgs)
	}
}

func TestDisconnectedSendNoOp(t *testing.T) {
	dialer := &fakeDialer{failures: 1000}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.Backoff = time.Hour // park the retry loop
	})
	_ = s.Open(context.Background())
	if s.State() == StateConnected {
		t.Fatal("fixture error: session should not be connected")
	}

	s.SetDraft("hello")
	if err := s.SendDraft(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if s.Draft() != "hello" {
		t.Errorf("draft must be preserved when transmission is skipped, got %q", s.Draft())
	}
	if len(s.Messages()) != 0 {
		t.Error("no optimistic message may appear for a skipped send")
	}
}

func TestEchoSuppressionByCorrelationID(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	if err := s.Send("hola"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := conn.lastPublished(t)
	corrID, _ := out["correlationId"].(string)
	if corrID == "" {
		t.Fatal("outbound envelope carries no correlation id")
	}

	// Broker echoes the message back with a server-assigned ID.
	echo := fmt.Sprintf(`{"id":"srv-1","groupId":"42","content":"hola","senderId":"7","correlationId":%q}`, corrID)
	conn.deliver("42", []byte(echo))

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("echo must be suppressed, got %d messages", got)
	}
}

func TestEchoSuppressionByContentWindow(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	if err := s.Send("hola"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Echo stripped of the correlation id, as older backend revisions do.
	conn.deliver("42", event("srv-1", "42", "hola", "7"))

	if got := len(s.Messages()); got != 1 {
		t.Fatalf("content-window echo must be suppressed, got %d messages", got)
	}

	// The suppression entry is consumed: the same text from another device
	// of the same user now renders.
	conn.deliver("42", event("srv-2", "42", "hola", "7"))
	if got := len(s.Messages()); got != 2 {
		t.Fatalf("second identical message must render, got %d messages", got)
	}
}

func TestAppendOnlyOrdering(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	conn.deliver("42", event("1", "42", "primero", "9"))
	if err := s.Send("segundo"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	conn.deliver("42", event("2", "42", "tercero", "8"))
	if err := s.Send("cuarto"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []string
	for _, m := range s.Messages() {
		got = append(got, m.Content)
	}
	want := []string{"primero", "segundo", "tercero", "cuarto"}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order violated at %d: got %v", i, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Close and reconnect
// ---------------------------------------------------------------------------

func TestCloseIdempotentAndLateEventsInert(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)
	conn.deliver("42", event("1", "42", "hola", "9"))

	// Capture the handler before close to model an event already in flight.
	conn.mu.Lock()
	h := conn.handlers["42"]
	conn.mu.Unlock()

	s.Close()
	s.Close() // second close must be a no-op

	conn.mu.Lock()
	closes := conn.closes
	conn.mu.Unlock()
	if closes != 1 {
		t.Errorf("expected exactly 1 teardown of the connection, got %d", closes)
	}

	// The late in-flight event must not mutate a closed session.
	h(event("2", "42", "tarde", "9"))
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("late event mutated a closed session: %d messages", got)
	}
	if s.State() != StateDisconnected {
		t.Errorf("expected disconnected after close, got %s", s.State())
	}
}

func TestSendAfterClose(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if err := s.Send("hola"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReconnectAfterDialFailure(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	s := newTestSession(t, dialer, nil)

	_ = s.Open(context.Background())
	if s.State() != StateReconnecting {
		t.Fatalf("expected reconnecting after failed dial, got %s", s.State())
	}

	waitFor(t, 2*time.Second, func() bool { return s.State() == StateConnected })

	if dialer.dialCount() != 3 {
		t.Errorf("expected 3 dials (2 failures + 1 success), got %d", dialer.dialCount())
	}
	if dialer.liveConns() != 1 {
		t.Errorf("expected exactly 1 live connection, got %d", dialer.liveConns())
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	first := dialer.conn(t, 0)

	// Transport drops the connection.
	first.Close()

	waitFor(t, 2*time.Second, func() bool {
		return s.State() == StateConnected && dialer.dialCount() == 2
	})
	if dialer.liveConns() != 1 {
		t.Errorf("expected exactly 1 live connection after reconnect, got %d", dialer.liveConns())
	}

	// The replacement subscription receives events; duplicates from the
	// dead generation do not.
	second := dialer.conn(t, 1)
	second.deliver("42", event("1", "42", "hola", "9"))
	if got := len(s.Messages()); got != 1 {
		t.Fatalf("expected 1 message after reconnect, got %d", got)
	}
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	dialer := &fakeDialer{failures: 1000}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.Backoff = 30 * time.Millisecond
	})
	_ = s.Open(context.Background())
	dialsAtClose := dialer.dialCount()

	s.Close()
	time.Sleep(100 * time.Millisecond)

	if got := dialer.dialCount(); got != dialsAtClose {
		t.Errorf("retry fired after close: dials went from %d to %d", dialsAtClose, got)
	}
}

// ---------------------------------------------------------------------------
// Seeding and notifications
// ---------------------------------------------------------------------------

func TestSeededHistoryPrecedesLiveMessages(t *testing.T) {
	dialer := &fakeDialer{}
	seed := []chat.Message{
		{ID: "h1", GroupID: "42", Content: "ayer", SenderID: "9", Timestamp: time.Now().Add(-time.Hour)},
	}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.Seed = seed
	})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	dialer.conn(t, 0).deliver("42", event("1", "42", "hoy", "9"))

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].Content != "ayer" || msgs[1].Content != "hoy" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestOnMessageAndStateCallbacks(t *testing.T) {
	var mu sync.Mutex
	var gotMessages []string
	var gotStates []ConnState

	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.OnMessage = func(m chat.Message) {
			mu.Lock()
			gotMessages = append(gotMessages, m.Content)
			mu.Unlock()
		}
		cfg.OnState = func(st ConnState) {
			mu.Lock()
			gotStates = append(gotStates, st)
			mu.Unlock()
		}
	})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	dialer.conn(t, 0).deliver("42", event("1", "42", "hola", "9"))

	mu.Lock()
	defer mu.Unlock()
	if len(gotMessages) != 1 || gotMessages[0] != "hola" {
		t.Errorf("unexpected message callbacks: %v", gotMessages)
	}
	if len(gotStates) < 2 || gotStates[0] != StateConnecting || gotStates[len(gotStates)-1] != StateConnected {
		t.Errorf("unexpected state callbacks: %v", gotStates)
	}
}
