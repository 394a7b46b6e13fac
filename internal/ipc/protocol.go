// Package ipc provides inter-process communication between the vrmoded daemon,
// its control clients, and the listener services it binds.
//
// The protocol is designed for:
//   - Request/response pattern for commands
//   - Event streaming for mode changes
//   - One-way call frames to bound listeners
//   - Protocol versioning for compatibility
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"vrmoded/internal/grants"
	"vrmoded/internal/store"
	"vrmoded/internal/vrmode"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x56524d44 // "VRMD"
)

// MaxPayloadSize bounds a single frame.
const MaxPayloadSize = 4 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Mode control (0x02xx)
	MsgRequestMode           MessageType = 0x0200
	MsgRequestModeResp       MessageType = 0x0201
	MsgSetSleeping           MessageType = 0x0202
	MsgSetScreenOn           MessageType = 0x0203
	MsgAck                   MessageType = 0x0204
	MsgIsCurrentService      MessageType = 0x0205
	MsgIsCurrentServiceResp  MessageType = 0x0206
	MsgValidateCandidate     MessageType = 0x0207
	MsgValidateCandidateResp MessageType = 0x0208
	MsgSwitchScope           MessageType = 0x0209

	// Diagnostics (0x03xx)
	MsgDump           MessageType = 0x0300
	MsgDumpResp       MessageType = 0x0301
	MsgListGrants     MessageType = 0x0302
	MsgListGrantsResp MessageType = 0x0303

	// Event streaming (0x05xx)
	MsgSubscribe       MessageType = 0x0500
	MsgSubscribeResp   MessageType = 0x0501
	MsgUnsubscribe     MessageType = 0x0502
	MsgUnsubscribeResp MessageType = 0x0503
	MsgEvent           MessageType = 0x0504

	// Listener calls, daemon to bound listener (0x06xx)
	MsgListenerCall MessageType = 0x0600
)

var messageNames = map[MessageType]string{
	MsgPing:                  "ping",
	MsgPong:                  "pong",
	MsgHandshake:             "handshake",
	MsgHandshakeAck:          "handshake_ack",
	MsgError:                 "error",
	MsgAuthenticate:          "authenticate",
	MsgAuthResponse:          "auth_response",
	MsgStatusRequest:         "status",
	MsgStatusResponse:        "status_response",
	MsgRequestMode:           "request_mode",
	MsgRequestModeResp:       "request_mode_response",
	MsgSetSleeping:           "set_sleeping",
	MsgSetScreenOn:           "set_screen_on",
	MsgAck:                   "ack",
	MsgIsCurrentService:      "is_current_service",
	MsgIsCurrentServiceResp:  "is_current_service_response",
	MsgValidateCandidate:     "validate_candidate",
	MsgValidateCandidateResp: "validate_candidate_response",
	MsgSwitchScope:           "switch_scope",
	MsgDump:                  "dump",
	MsgDumpResp:              "dump_response",
	MsgListGrants:            "list_grants",
	MsgListGrantsResp:        "list_grants_response",
	MsgSubscribe:             "subscribe",
	MsgSubscribeResp:         "subscribe_response",
	MsgUnsubscribe:           "unsubscribe",
	MsgUnsubscribeResp:       "unsubscribe_response",
	MsgEvent:                 "event",
	MsgListenerCall:          "listener_call",
}

// String returns the message name used in logs and metrics.
func (t MessageType) String() string {
	if n, ok := messageNames[t]; ok {
		return n
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Mutating reports whether the message changes daemon state and therefore
// needs read-write permission.
func (t MessageType) Mutating() bool {
	switch t {
	case MsgRequestMode, MsgSetSleeping, MsgSetScreenOn, MsgSwitchScope:
		return true
	}
	return false
}

// EventType identifies the type of streamed event
type EventType uint16

const (
	EventModeChanged    EventType = 0x0001
	EventDaemonShutdown EventType = 0x0002
	EventConfigChanged  EventType = 0x0003
)

// AllEvents is what an empty subscription receives.
var AllEvents = []EventType{EventModeChanged, EventDaemonShutdown, EventConfigChanged}

// PermissionLevel defines client access levels
type PermissionLevel uint8

const (
	PermReadOnly  PermissionLevel = 0x01
	PermReadWrite PermissionLevel = 0x02
)

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message to a writer as a single buffer so concurrent
// writers serialized by a mutex never interleave partial frames.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Header.Magic)
	buf[4] = m.Header.Version
	buf[5] = m.Header.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(m.Header.Type))
	binary.BigEndian.PutUint32(buf[8:12], m.Header.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], m.Header.Length)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Request/Response payloads

// HandshakeRequest is sent by the connecting side to initiate a connection.
// The daemon sends one to listeners it binds, naming the listener it
// expects to reach.
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Listener        string `json:"listener,omitempty"`
	Scope           int    `json:"scope,omitempty"`
}

// HandshakeResponse acknowledges a connection.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion uint8           `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest is sent to authenticate a client. The only method is
// "peercred": the server reads the caller's credentials from the socket.
type AuthRequest struct {
	Method string `json:"method"`
}

// AuthResponse acknowledges authentication
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	UID        int             `json:"uid"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements error so clients can return it directly.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrUnavailable      = 6
	ErrRateLimited      = 7
)

// StatusResponse contains daemon status
type StatusResponse struct {
	vrmode.Status
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	Clients   int           `json:"clients"`
}

// RequestModeRequest asks the coordinator to enable or disable VR mode.
// Identities use the "package/class" form.
type RequestModeRequest struct {
	Enabled  bool   `json:"enabled"`
	Listener string `json:"listener,omitempty"`
	Scope    int    `json:"scope"`
	Caller   string `json:"caller,omitempty"`
}

// RequestModeResponse reports whether the listener was valid.
type RequestModeResponse struct {
	Valid bool `json:"valid"`
}

// SetGateRequest carries the new value for SetSleeping or SetScreenOn.
type SetGateRequest struct {
	Value bool `json:"value"`
}

// AckResponse acknowledges a one-way command.
type AckResponse struct {
	Success bool `json:"success"`
}

// ListenerQuery names a listener in a scope.
type ListenerQuery struct {
	Listener string `json:"listener"`
	Scope    int    `json:"scope"`
}

// IsCurrentServiceResponse answers MsgIsCurrentService.
type IsCurrentServiceResponse struct {
	Current bool `json:"current"`
}

// ValidateCandidateResponse answers MsgValidateCandidate.
type ValidateCandidateResponse struct {
	Result string `json:"result"`
	Valid  bool   `json:"valid"`
}

// SwitchScopeRequest changes the active scope.
type SwitchScopeRequest struct {
	Scope int `json:"scope"`
}

// DumpResponse contains the retained transitions, oldest first.
type DumpResponse struct {
	Transitions []vrmode.TransitionRecord `json:"transitions"`
}

// ListGrantsRequest asks for current grants and, optionally, history.
type ListGrantsRequest struct {
	History int `json:"history,omitempty"`
}

// ListGrantsResponse contains grant state.
type ListGrantsResponse struct {
	Grants    []grants.Grant       `json:"grants"`
	AllowList []grants.Grant       `json:"allow_list"`
	History   []store.HistoryEntry `json:"history,omitempty"`
}

// SubscribeRequest requests event subscription
type SubscribeRequest struct {
	Events []EventType `json:"events"` // Empty means all events
}

// SubscribeResponse acknowledges subscription
type SubscribeResponse struct {
	Success        bool   `json:"success"`
	SubscriptionID string `json:"subscription_id"`
}

// Event is a streamed event
type Event struct {
	Type      EventType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ModeChangedEvent is the data of EventModeChanged.
type ModeChangedEvent struct {
	Enabled bool `json:"enabled"`
}

// ListenerCall is the payload of MsgListenerCall.
type ListenerCall struct {
	Kind    string `json:"kind"`
	Caller  string `json:"caller,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}

// NewEvent builds an Event with JSON-encoded data.
func NewEvent(t EventType, id string, at time.Time, data any) (*Event, error) {
	ev := &Event{Type: t, ID: id, Timestamp: at}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		ev.Data = raw
	}
	return ev, nil
}
