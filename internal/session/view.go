package session

// ViewState is the presentation state of the chat window. It is independent
// of the connection state: minimizing never touches the broker connection.
type ViewState int

const (
	ViewExpanded ViewState = iota
	ViewMinimized
)

// String returns the lowercase view state name.
func (v ViewState) String() string {
	if v == ViewMinimized {
		return "minimized"
	}
	return "expanded"
}

// View returns the current presentation state.
func (s *Session) View() ViewState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Unread returns the number of messages that arrived while minimized.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Minimize collapses the window to its bubble. New messages accumulate an
// unread count and no scroll signals fire until the window is restored.
func (s *Session) Minimize() {
	s.mu.Lock()
	s.view = ViewMinimized
	s.mu.Unlock()
}

// Restore expands the window. The unread count resets, and if messages
// arrived while minimized a single scroll signal fires so the view lands
// on the newest message.
func (s *Session) Restore() {
	s.mu.Lock()
	s.view = ViewExpanded
	s.unread = 0
	flush := s.scrolled
	s.scrolled = false
	onScroll := s.cfg.OnScroll
	s.mu.Unlock()

	if flush && onScroll != nil {
		onScroll()
	}
}

// ToggleMinimize flips between expanded and minimized.
func (s *Session) ToggleMinimize() {
	s.mu.Lock()
	minimized := s.view == ViewMinimized
	s.mu.Unlock()

	if minimized {
		s.Restore()
	} else {
		s.Minimize()
	}
}
