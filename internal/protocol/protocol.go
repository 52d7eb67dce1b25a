// ABOUTME: Wire envelope types for the moltis gateway JSON protocol
// ABOUTME: Defines the req/res/event frame kinds and protocol version range

package protocol

import (
	"encoding/json"
	"fmt"
)

// Protocol version range supported by this server. A client advertises its
// own [min, max] range in the connect request and the handshake picks the
// highest version both sides support.
const (
	VersionMin = 1
	VersionMax = 3
)

// Frame kinds.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Event names emitted by the gateway.
const (
	EventChat              = "chat"
	EventSession           = "session"
	EventApprovalRequested = "exec.approval.requested"
	EventCredentialsChange = "auth.credentials_changed"
	EventTick              = "tick"
)

// TickIntervalMs is the period of the liveness tick broadcast.
const TickIntervalMs = 15_000

// Reconnect backoff contract observed by clients. The server only needs to
// tolerate reconnects at this cadence; internal/client implements it.
const (
	ReconnectInitialBackoffMs = 1000
	ReconnectMaxBackoffMs     = 8000
)

// Frame is the single wire envelope. Exactly one of the three kinds is
// populated depending on Type:
//
//	req:   ID, Method, Params
//	res:   ID, OK, Payload or Error
//	event: Event, Payload
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// ErrorDetail is the error body of a failed response.
type ErrorDetail struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Error codes carried in failed responses.
const (
	CodeHandshake            = "handshake_error"
	CodeUnauthenticated      = "unauthenticated"
	CodeUnknownMethod        = "unknown_method"
	CodeInvalidParams        = "invalid_params"
	CodeDuplicateRequestID   = "duplicate_request_id"
	CodeGenerationInProgress = "generation_in_progress"
	CodeSessionBusy          = "session_busy"
	CodeDirtyWorktree        = "dirty_worktree"
	CodeInternal             = "internal_error"
)

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := marshal(params)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a successful response frame for the given request id.
func NewResponse(id string, payload any) (*Frame, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	ok := true
	return &Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewErrorResponse builds a failed response frame. The connection stays open;
// only handshake errors close it.
func NewErrorResponse(id, code, message string) *Frame {
	ok := false
	return &Frame{
		Type:  TypeResponse,
		ID:    id,
		OK:    &ok,
		Error: &ErrorDetail{Code: code, Message: message},
	}
}

// NewEvent builds an unsolicited event frame.
func NewEvent(event string, payload any) (*Frame, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

func marshal(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return raw, nil
}

// Failed reports whether f is a response frame carrying an error.
func (f *Frame) Failed() bool {
	return f.Type == TypeResponse && (f.OK == nil || !*f.OK)
}
