//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the development fallback for platforms without epoll. Each
// registered connection gets a goroutine that reports it ready, then waits to
// be rearmed after the worker has finished reading. The worker's read blocks
// until data arrives or ReadTimeout expires, so the fallback trades worker
// slots for portability and is not meant for production load.
type Epoll struct {
	mu        sync.Mutex
	rearm     map[net.Conn]chan struct{}
	readyCh   chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// NewEpoll creates a new fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		rearm:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers conn; it is reported ready by the next Wait.
func (e *Epoll) Add(conn net.Conn) error {
	ch := make(chan struct{}, 1)
	ch <- struct{}{}

	e.mu.Lock()
	e.rearm[conn] = ch
	e.mu.Unlock()

	go e.monitor(conn, ch)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, rearm <-chan struct{}) {
	for {
		select {
		case _, ok := <-rearm:
			if !ok {
				return
			}
		case <-e.done:
			return
		}

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor report conn again. Unknown connections are ignored.
func (e *Epoll) Rearm(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.rearm[conn]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Remove unregisters conn and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if ch, ok := e.rearm[conn]; ok {
		delete(e.rearm, conn)
		close(ch)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection that is ready without blocking further.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops every monitor and unblocks Wait.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	return nil
}
