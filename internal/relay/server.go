package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/metrics"
	"github.com/lunchconnect/groupchat/internal/ratelimit"
)

// Config holds tunable parameters for the relay server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	TokenSecret    string        // HS256 secret for verifying bearer tokens
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Deps are the relay's backing services. Bridge is required; the rest are
// optional and degrade gracefully when nil (no presence, no rate limiting,
// history served from the in-memory cache only).
type Deps struct {
	Bridge   *Bridge
	Presence *Presence
	Limiter  *ratelimit.Limiter
	Archive  *Archive
}

// Server terminates STOMP-over-WebSocket connections for LunchConnect
// group chat. It upgrades HTTP connections, registers them with a poller
// for I/O readiness notifications, and dispatches ready connections to a
// bounded worker pool for frame reading. Accepted messages travel through
// NATS so every relay instance delivers the same stream.
type Server struct {
	config     Config
	poller     *Poller
	conns      *Registry
	topics     *Topics
	cache      *GroupCache
	deps       Deps
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration and backing
// services.
func NewServer(config Config, deps Deps) *Server {
	return &Server{
		config:     config,
		conns:      NewRegistry(),
		topics:     NewTopics(),
		cache:      NewGroupCache(),
		deps:       deps,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start initializes the poller, subscribes to the NATS group namespace,
// and begins accepting WebSocket connections. It starts the event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("relay: failed to create poller: %w", err)
	}

	s.startedAt = time.Now()

	if s.deps.Bridge != nil {
		if err := s.deps.Bridge.SubscribeAll(s.deliverGroup); err != nil {
			return fmt.Errorf("relay: nats subscribe: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/groups/", s.handleHistory)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the poller event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("relay: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("relay: http server error: %w", err)
	}
	return nil
}

// bearerToken extracts the client's token from the query string or the
// Authorization header. Browser WebSocket clients cannot set headers, so
// the query parameter is the primary channel.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection, and registers the connection with the registry and poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	// Per-IP connection throttle.
	if s.deps.Limiter != nil {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		allowed, _ := s.deps.Limiter.Allow(ctx, ip, ratelimit.RuleConnect)
		cancel()
		if !allowed {
			metrics.RelayRateLimited.Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	// The relay holds the signing secret; clients connect with a verified
	// bearer token or not at all.
	userID, err := auth.VerifiedUserID(bearerToken(r), []byte(s.config.TokenSecret))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	rawConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	conn := WrapConn(rawConn)
	fd := socketFD(conn)
	connID := uuid.New().String()

	c := &Conn{
		ID:        connID,
		UserID:    userID,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(conn); err != nil {
		log.Printf("relay: poller add failed for conn %s: %v", connID, err)
		s.conns.Remove(connID)
		return
	}

	metrics.RelayConnections.Inc()
	log.Printf("relay: new connection conn=%s user=%s fd=%d (total=%d)",
		connID, userID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Groups      int    `json:"groups"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Groups:      s.topics.GroupCount(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("relay: poller wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from the poller and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered polling.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch).
		// Don't kill the connection; the heartbeat handles dead ones.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	s.handleFrame(c, data)
}

// RemoveConnection removes a connection from the poller, the registry, and
// every group it was subscribed to, then closes the socket. It is exported
// so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Conn) {
	if s.poller != nil {
		_ = s.poller.Remove(c.Conn)
	}

	// Guard: only proceed if the connection was actually in the registry.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	groups := s.topics.DropConn(c)
	if s.deps.Presence != nil && len(groups) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for _, groupID := range groups {
			if err := s.deps.Presence.Leave(ctx, groupID, c.UserID); err != nil {
				log.Printf("relay: presence leave failed group=%s user=%s: %v", groupID, c.UserID, err)
			}
		}
	}

	metrics.RelayConnections.Dec()
	log.Printf("relay: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the connection registry for external access (e.g.,
// by the heartbeat monitor).
func (s *Server) Connections() *Registry {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the poller.
func (s *Server) Shutdown() error {
	log.Println("relay: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("relay: http shutdown error: %v", err)
	}

	// Close all active WebSocket connections.
	for _, c := range s.conns.All() {
		_ = s.poller.Remove(c.Conn)
		c.Close()
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("relay: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
