package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/whisper/signaling/internal/metrics"
)

var (
	// ErrConnectionNotFound is returned when no connection is registered for
	// a session id.
	ErrConnectionNotFound = errors.New("ws: connection not found")

	// ErrConnectionClosed is returned when sending on a connection whose send
	// queue has been closed.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrSendQueueFull is returned when a connection's outbound queue has no
	// free slot. The frame is dropped.
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// Connection represents a single WebSocket client connection. Outbound frames
// go through a bounded queue drained by one writer goroutine, so Send never
// blocks the caller and frames reach the client in the order they were
// queued.
type Connection struct {
	ID        string    // session ID (UUID)
	Addr      string    // client network address, without port
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastActive   atomic.Int64 // unix nanoseconds of the last inbound frame
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
	writeMu      sync.Mutex   // serializes frames written to Conn
	writeTimeout time.Duration

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	onWriteError func(*Connection)
	writerDone   chan struct{}
}

func newConnection(id, addr string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &Connection{
		ID:           id,
		Addr:         addr,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		writerDone:   make(chan struct{}),
	}
	c.touch()
	return c
}

// Send queues a text frame without blocking.
func (c *Connection) Send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		metrics.SendQueueOverflowTotal.Inc()
		return ErrSendQueueFull
	}
}

// WriteMessage writes a text frame to the socket immediately, bypassing the
// send queue.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// LastActive returns the time of the last inbound frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// writeLoop drains the send queue until it is closed, then closes the socket.
// After a write error the remaining frames are discarded.
func (c *Connection) writeLoop() {
	defer close(c.writerDone)
	defer c.Conn.Close()

	failed := false
	for data := range c.send {
		if failed {
			continue
		}
		if err := c.WriteMessage(data); err != nil {
			failed = true
			log.Printf("ws: write failed session=%s: %v", c.ID, err)
			if c.onWriteError != nil {
				go c.onWriteError(c)
			}
		}
	}
}

// closeSend closes the send queue once. Later Sends fail with
// ErrConnectionClosed.
func (c *Connection) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// Close drops any queued frames and closes the socket.
func (c *Connection) Close() error {
	c.closeSend()
	return c.Conn.Close()
}

// CloseGraceful lets the writer flush queued frames, then the socket is
// closed by the writer.
func (c *Connection) CloseGraceful() {
	c.closeSend()
}

// ConnectionManager is a concurrent registry of connections, looked up by
// session id and by the net.Conn the poller reports ready.
type ConnectionManager struct {
	byID   *xsync.Map[string, *Connection]
	byConn *xsync.Map[net.Conn, *Connection]
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   xsync.NewMap[string, *Connection](),
		byConn: xsync.NewMap[net.Conn, *Connection](),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.byID.Store(c.ID, c)
	cm.byConn.Store(c.Conn, c)
	metrics.ConnectionsActive.Inc()
}

// Remove unregisters c. It returns false if c was already gone, so that
// concurrent removals (read error, heartbeat, ban) clean up only once.
func (cm *ConnectionManager) Remove(c *Connection) bool {
	if _, ok := cm.byID.LoadAndDelete(c.ID); !ok {
		return false
	}
	cm.byConn.Delete(c.Conn)
	metrics.ConnectionsActive.Dec()
	return true
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	c, _ := cm.byID.Load(id)
	return c
}

// GetByConn returns the connection wrapping conn, or nil if not found.
func (cm *ConnectionManager) GetByConn(conn net.Conn) *Connection {
	c, _ := cm.byConn.Load(conn)
	return c
}

// Count returns the current number of registered connections.
func (cm *ConnectionManager) Count() int {
	return cm.byID.Size()
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	conns := make([]*Connection, 0, cm.byID.Size())
	cm.byID.Range(func(_ string, c *Connection) bool {
		conns = append(conns, c)
		return true
	})
	return conns
}
