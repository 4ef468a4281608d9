// Package protocol defines the JSON-RPC 2.0 envelope exchanged with agents
// over a session connection.
//
// The session host does not interpret payloads: method, params and result
// are carried opaquely between the agent and whoever consumes the session's
// inbound queue. The envelope exists so the host can classify frames, answer
// undecodable ones with a parse error, and stamp outbound notifications.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version accepted.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies a message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Message is a JSON-RPC 2.0 request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Kind reports what sort of message m is.
func (m *Message) Kind() Kind {
	if m.JSONRPC != Version {
		return KindInvalid
	}
	hasID := len(m.ID) > 0 && !bytes.Equal(m.ID, []byte("null"))
	switch {
	case m.Method != "" && hasID:
		return KindRequest
	case m.Method != "":
		return KindNotification
	case hasID && (m.Result != nil || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

// Decode parses a single frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "parse error: " + err.Error()}
	}
	if m.Kind() == KindInvalid {
		return &m, &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}
	}
	return &m, nil
}

// Encode serializes m, filling in the version.
func Encode(m *Message) ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// NewNotification builds a notification with params marshaled from v.
func NewNotification(method string, v any) (*Message, error) {
	params, err := marshalOptional(v)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: params}, nil
}

// NewRequest builds a request with the given id.
func NewRequest(id any, method string, v any) (*Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	params, err := marshalOptional(v)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: rawID, Method: method, Params: params}, nil
}

// NewErrorResponse builds an error response. A nil id produces "id": null as
// required when the request id could not be determined.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: Version, ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ErrorReply returns the encoded response for a Decode failure, or nil if
// the failure does not warrant one (a malformed notification).
func ErrorReply(m *Message, decodeErr error) []byte {
	rpcErr, ok := decodeErr.(*RPCError)
	if !ok {
		rpcErr = &RPCError{Code: CodeInternalError, Message: decodeErr.Error()}
	}
	var id json.RawMessage
	if m != nil {
		id = m.ID
	}
	if rpcErr.Code != CodeParseError && len(id) == 0 {
		return nil
	}
	data, err := Encode(NewErrorResponse(id, rpcErr.Code, rpcErr.Message))
	if err != nil {
		return nil
	}
	return data
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
