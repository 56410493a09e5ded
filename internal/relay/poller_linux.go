//go:build linux

package relay

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes relay connections over Linux epoll. Registered file
// descriptors get kernel readiness notifications, so idle connections cost
// no goroutines.
type Poller struct {
	fd    int              // epoll file descriptor
	mu    sync.RWMutex     // protects conns
	conns map[int]net.Conn // fd -> net.Conn
	evBuf []unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:    fd,
		conns: make(map[int]net.Conn),
		evBuf: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a connection for read-readiness notifications.
func (p *Poller) Add(conn net.Conn) error {
	fd := socketFD(conn)
	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[fd] = conn
	p.mu.Unlock()
	return nil
}

// Remove unregisters a connection.
func (p *Poller) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.conns, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection is readable and
// returns those connections. Descriptors removed between wakeup and lookup
// are skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.evBuf, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := p.conns[int(p.evBuf[i].Fd)]; ok {
			ready = append(ready, conn)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll file descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// WrapConn prepares a connection for monitoring. With epoll no wrapping is
// needed; the connection is returned unchanged.
func WrapConn(conn net.Conn) net.Conn {
	return conn
}

// socketFD extracts the file descriptor from a net.Conn without
// duplicating it, keeping the original fd valid for epoll registration.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
