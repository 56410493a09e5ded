package session

import (
	"context"
	"sync"
	"testing"
)

func TestScrollSignalOnlyWhileExpanded(t *testing.T) {
	var mu sync.Mutex
	scrolls := 0

	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, func(cfg *Config) {
		cfg.OnScroll = func() {
			mu.Lock()
			scrolls++
			mu.Unlock()
		}
	})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	conn.deliver("42", event("1", "42", "uno", "9"))
	mu.Lock()
	if scrolls != 1 {
		t.Errorf("expected 1 scroll while expanded, got %d", scrolls)
	}
	mu.Unlock()

	s.Minimize()
	conn.deliver("42", event("2", "42", "dos", "9"))
	conn.deliver("42", event("3", "42", "tres", "9"))
	mu.Lock()
	if scrolls != 1 {
		t.Errorf("no scroll may fire while minimized, got %d", scrolls)
	}
	mu.Unlock()

	// Restoring flushes a single pending scroll.
	s.Restore()
	mu.Lock()
	if scrolls != 2 {
		t.Errorf("expected pending scroll flushed on restore, got %d", scrolls)
	}
	mu.Unlock()
}

func TestUnreadCountWhileMinimized(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn := dialer.conn(t, 0)

	s.Minimize()
	conn.deliver("42", event("1", "42", "uno", "9"))
	conn.deliver("42", event("2", "42", "dos", "9"))

	if got := s.Unread(); got != 2 {
		t.Errorf("expected 2 unread, got %d", got)
	}

	s.Restore()
	if got := s.Unread(); got != 0 {
		t.Errorf("expected unread reset on restore, got %d", got)
	}
}

func TestToggleMinimize(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)

	if s.View() != ViewExpanded {
		t.Fatalf("initial view must be expanded, got %s", s.View())
	}
	s.ToggleMinimize()
	if s.View() != ViewMinimized {
		t.Errorf("expected minimized after toggle, got %s", s.View())
	}
	s.ToggleMinimize()
	if s.View() != ViewExpanded {
		t.Errorf("expected expanded after second toggle, got %s", s.View())
	}
}

func TestMinimizeDoesNotTouchConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s := newTestSession(t, dialer, nil)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	s.Minimize()
	if s.State() != StateConnected {
		t.Errorf("minimize must not affect the connection, state=%s", s.State())
	}
	if dialer.liveConns() != 1 {
		t.Errorf("expected connection untouched, live=%d", dialer.liveConns())
	}

	// Messages still arrive while minimized.
	dialer.conn(t, 0).deliver("42", event("1", "42", "hola", "9"))
	if len(s.Messages()) != 1 {
		t.Error("expected message delivery while minimized")
	}
}
