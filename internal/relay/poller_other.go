//go:build !linux

package relay

import (
	"net"
	"sync"
	"sync/atomic"
)

// Poller provides a goroutine-per-connection fallback on platforms without
// epoll, so the relay can run on macOS/Windows development machines. Each
// monitored connection blocks on a one-byte probe read; the probed byte is
// buffered and replayed on the next read, so no frame data is lost.
type Poller struct {
	mu    sync.RWMutex
	conns map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add wraps the connection with a probe buffer and starts its monitor
// goroutine. Callers must use the returned connection for all subsequent
// reads.
func (p *Poller) Add(conn net.Conn) error {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(conn)
	return nil
}

// monitor blocks on a one-byte probe read. When data (or an error, which
// the read path must observe) arrives, the connection is queued as ready.
func (p *Poller) monitor(conn net.Conn) {
	bc, ok := conn.(*probedConn)
	for {
		p.mu.RLock()
		_, live := p.conns[conn]
		p.mu.RUnlock()
		if !live {
			return
		}

		if ok {
			if err := bc.probe(); err != nil {
				select {
				case p.ready <- conn:
				case <-p.done:
				}
				return
			}
		}

		select {
		case p.ready <- conn:
		case <-p.done:
			return
		}

		if !ok {
			// Raw conns cannot be probed without losing bytes; signal once
			// and let the read path drive.
			return
		}

		// Wait until the read path has consumed the probed byte before
		// probing again.
		if !bc.awaitDrain(p.done) {
			return
		}
	}
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains all
// currently ready connections.
func (p *Poller) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-p.ready:
	case <-p.done:
		return nil, net.ErrClosed
	}
	conns := []net.Conn{first}
	for {
		select {
		case conn := <-p.ready:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the fallback poller down.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// WrapConn prepares a connection for monitoring. On this platform it
// attaches the probe buffer and assigns a pseudo file descriptor.
func WrapConn(conn net.Conn) net.Conn {
	return &probedConn{Conn: conn, fd: int(pseudoFd.Add(1)), drained: make(chan struct{}, 1)}
}

var pseudoFd atomic.Int64

// probedConn buffers the single byte consumed by the monitor's probe read
// and replays it before real data.
type probedConn struct {
	net.Conn
	fd int

	mu      sync.Mutex
	pending byte
	has     bool
	drained chan struct{}
}

// probe blocks reading one byte from the underlying connection and stores
// it for replay.
func (c *probedConn) probe() error {
	var buf [1]byte
	n, err := c.Conn.Read(buf[:])
	if n == 1 {
		c.mu.Lock()
		c.pending = buf[0]
		c.has = true
		c.mu.Unlock()
	}
	return err
}

// awaitDrain waits until the probed byte has been consumed by Read.
func (c *probedConn) awaitDrain(done <-chan struct{}) bool {
	select {
	case <-c.drained:
		return true
	case <-done:
		return false
	}
}

// Read replays the probed byte first, then defers to the underlying
// connection.
func (c *probedConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if c.has && len(b) > 0 {
		b[0] = c.pending
		c.has = false
		c.mu.Unlock()
		select {
		case c.drained <- struct{}{}:
		default:
		}
		if len(b) == 1 {
			return 1, nil
		}
		n, err := c.Conn.Read(b[1:])
		return n + 1, err
	}
	c.mu.Unlock()

	n, err := c.Conn.Read(b)
	if n > 0 || err != nil {
		select {
		case c.drained <- struct{}{}:
		default:
		}
	}
	return n, err
}

// socketFD returns the pseudo file descriptor assigned at wrap time, or -1
// for unwrapped connections.
func socketFD(conn net.Conn) int {
	if bc, ok := conn.(*probedConn); ok {
		return bc.fd
	}
	return -1
}
