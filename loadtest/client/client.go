// Package client provides a WebSocket client for load and end-to-end tests of
// the signaling server. It connects with gobwas/ws (the same library the
// server uses), records the session id announced in session_created, and
// either hands frames to registered handlers or queues them for Next.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeSetPreferences = "set_preferences"
	TypeFindPartner    = "find_partner"
	TypeCallUser       = "call_user"
	TypeAnswerCall     = "answer_call"
	TypeSendMessage    = "send_message"
	TypeReportUser     = "report_user"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated      = "session_created"
	TypeUserCountUpdate     = "user_count_update"
	TypePartnerFound        = "partner_found"
	TypeCallMade            = "call_made"
	TypeCallAccepted        = "call_accepted"
	TypeMessageReceived     = "message_received"
	TypePartnerDisconnected = "partner_disconnected"
	TypeReportSubmitted     = "report_submitted"
	TypeBanned              = "banned"
	TypeError               = "error"
	TypePong                = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Frame is one decoded server frame.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Client is a single simulated participant.
type Client struct {
	conn net.Conn
	rd   io.Reader // dial buffer when the server wrote ahead of the handshake

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	presence  [2]int // online, waiting from the last user_count_update
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	session   chan struct{}
	inbox     chan Frame
	done      chan struct{}
	closed    chan struct{} // closed when the read loop exits
	closeOnce sync.Once
}

// New dials url and starts the read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		rd:       conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		inbox:    make(chan Frame, 256),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	if br != nil {
		c.rd = br
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send marshals msg and writes it as a text frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SetPreferences declares match filters.
func (c *Client) SetPreferences(gender string, interests []string) error {
	if interests == nil {
		interests = []string{}
	}
	return c.Send(map[string]interface{}{
		"type":      TypeSetPreferences,
		"gender":    gender,
		"interests": interests,
	})
}

// FindPartner asks to be paired or queued.
func (c *Client) FindPartner() error {
	return c.Send(map[string]string{"type": TypeFindPartner})
}

// CallUser sends an offer to target.
func (c *Client) CallUser(target string, signal interface{}) error {
	return c.Send(map[string]interface{}{
		"type":       TypeCallUser,
		"userToCall": target,
		"signalData": signal,
		"from":       c.SessionID(),
	})
}

// AnswerCall sends an answer to target.
func (c *Client) AnswerCall(target string, signal interface{}) error {
	return c.Send(map[string]interface{}{
		"type":   TypeAnswerCall,
		"signal": signal,
		"to":     target,
	})
}

// SendMessage sends a chat line to the current partner.
func (c *Client) SendMessage(text string) error {
	return c.Send(map[string]string{"type": TypeSendMessage, "text": text})
}

// ReportUser reports the current partner.
func (c *Client) ReportUser(reason string) error {
	return c.Send(map[string]string{"type": TypeReportUser, "reason": reason})
}

// On registers a handler for a server message type. Handlers run on the read
// loop goroutine. Frames without a handler are queued for Next.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Next returns the next queued frame of one of the given types, discarding
// frames of other types. With no types any frame matches.
func (c *Client) Next(ctx context.Context, types ...string) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case f, ok := <-c.inbox:
			if !ok {
				return Frame{}, fmt.Errorf("connection closed")
			}
			if len(types) == 0 {
				return f, nil
			}
			for _, t := range types {
				if f.Type == t {
					return f, nil
				}
			}
		}
	}
}

// WaitForSession blocks until the server has assigned a session ID.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.session:
		return nil
	case <-c.closed:
		return fmt.Errorf("connection closed before session was created")
	}
}

// Closed is closed once the server has closed the connection or Close was
// called.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session ID assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Presence returns the last online and waiting counts pushed by the server.
func (c *Client) Presence() (online, waiting int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence[0], c.presence[1]
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.closed)
	defer close(c.inbox)

	for {
		data, err := wsutil.ReadServerText(readWriter{c.rd, c.conn})
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			Online    int    `json:"online"`
			Waiting   int    `json:"waiting"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		switch env.Type {
		case TypeSessionCreated:
			if c.sessionID == "" && env.SessionID != "" {
				c.sessionID = env.SessionID
				close(c.session)
			}
		case TypeUserCountUpdate:
			c.presence = [2]int{env.Online, env.Waiting}
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
			continue
		}
		if env.Type == TypeUserCountUpdate || env.Type == TypeSessionCreated {
			continue
		}
		select {
		case c.inbox <- Frame{Type: env.Type, Raw: json.RawMessage(data)}:
		default:
		}
	}
}

// readWriter reads through the dial buffer while control-frame replies go
// straight to the socket.
type readWriter struct {
	r io.Reader
	w net.Conn
}

func (rw readWriter) Read(p []byte) (int, error)  { return rw.r.Read(p) }
func (rw readWriter) Write(p []byte) (int, error) { return rw.w.Write(p) }
