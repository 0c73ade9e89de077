// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the signaling server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

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

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetPreferencesMsg declares the client's match filters. Gender is one of
// "any", "male", "female", "other" or empty for no preference.
type SetPreferencesMsg struct {
	Type      string   `json:"type"`
	Gender    string   `json:"gender"`
	Interests []string `json:"interests"`
}

// FindPartnerMsg asks the server to pair the client or queue it.
type FindPartnerMsg struct {
	Type string `json:"type"`
}

// CallUserMsg carries a handshake offer (or candidate) for another session.
// SignalData is opaque and relayed without inspection.
type CallUserMsg struct {
	Type       string          `json:"type"`
	UserToCall string          `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       string          `json:"from"`
}

// AnswerCallMsg carries a handshake answer back to the offering session.
type AnswerCallMsg struct {
	Type   string          `json:"type"`
	Signal json.RawMessage `json:"signal"`
	To     string          `json:"to"`
}

// SendMessageMsg is a chat line for the current partner.
type SendMessageMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReportUserMsg reports the current partner.
type ReportUserMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once a connection has passed the ban check. The
// session ID is the address other clients use in call_user/answer_call.
type SessionCreatedMsg struct {
	SessionID string `json:"sessionId"`
}

// UserCountUpdateMsg is the presence broadcast.
type UserCountUpdateMsg struct {
	Online  int `json:"online"`
	Waiting int `json:"waiting"`
}

// PartnerFoundMsg is sent only to the session whose find_partner produced the
// pairing. The receiver must send the first handshake offer.
type PartnerFoundMsg struct {
	PartnerID string `json:"partnerId"`
}

// CallMadeMsg delivers an incoming offer.
type CallMadeMsg struct {
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
}

// CallAcceptedMsg delivers the answer to an offer this session sent.
type CallAcceptedMsg struct {
	Signal json.RawMessage `json:"signal"`
}

// MessageReceivedMsg relays a chat line from the partner.
type MessageReceivedMsg struct {
	Text string `json:"text"`
}

// PartnerDisconnectedMsg tells the client its partner is gone.
type PartnerDisconnectedMsg struct{}

// ReportSubmittedMsg acknowledges a report.
type ReportSubmittedMsg struct{}

// BannedMsg is sent before the server terminates a banned connection. Until is
// the ban expiry in Unix milliseconds.
type BannedMsg struct {
	Until int64 `json:"until"`
}

// ErrorMsg is sent by the server to communicate a protocol error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetPreferences:
		var m SetPreferencesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindPartner:
		var m FindPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallUser:
		var m CallUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAnswerCall:
		var m AnswerCallMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReportUser:
		var m ReportUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The payload must marshal to a JSON object (or be nil); its fields are
// spliced after the "type" key. Payloads carrying opaque signals write those
// bytes themselves, so they reach the client exactly as the sender wrote them.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	typeField, err := marshalNoEscape(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}

	var body []byte
	switch p := payload.(type) {
	case nil:
	case rawFields:
		if body, err = p.appendFields(nil); err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
	default:
		raw, err := marshalNoEscape(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		if len(raw) < 2 || raw[0] != '{' || raw[len(raw)-1] != '}' {
			return nil, fmt.Errorf("protocol: payload for %q is not a JSON object", msgType)
		}
		body = raw[1 : len(raw)-1]
	}

	out := make([]byte, 0, len(typeField)+len(body)+10)
	out = append(out, `{"type":`...)
	out = append(out, typeField...)
	if len(body) > 0 {
		out = append(out, ',')
		out = append(out, body...)
	}
	out = append(out, '}')
	return out, nil
}

// rawFields is implemented by payloads that write their own object fields.
// encoding/json compacts and escapes json.RawMessage values, which would
// rewrite a relayed signal.
type rawFields interface {
	appendFields(dst []byte) ([]byte, error)
}

func (m CallMadeMsg) appendFields(dst []byte) ([]byte, error) {
	from, err := marshalNoEscape(m.From)
	if err != nil {
		return nil, err
	}
	dst = append(dst, `"signal":`...)
	dst = appendRaw(dst, m.Signal)
	dst = append(dst, `,"from":`...)
	return append(dst, from...), nil
}

func (m CallAcceptedMsg) appendFields(dst []byte) ([]byte, error) {
	dst = append(dst, `"signal":`...)
	return appendRaw(dst, m.Signal), nil
}

func appendRaw(dst []byte, raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return append(dst, "null"...)
	}
	return append(dst, raw...)
}

// marshalNoEscape encodes v without HTML escaping, so relayed text keeps its
// <, > and & characters.
func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
