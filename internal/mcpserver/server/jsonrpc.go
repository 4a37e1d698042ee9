package server

import (
	"encoding/json"
	"errors"

	"github.com/sdpbridge/mcp-broker/internal/brokererr"
)

// JSON-RPC 2.0 standard error codes, plus the broker's reserved application
// range (-32000..-32099) that internal/brokererr.Error.JSONRPCCode maps
// into (§6, §7).
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// JSONRPCRequest is one inbound frame on the POST /message endpoint.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id and therefore
// expects no reply (the JSON-RPC 2.0 notification form).
func (r *JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// JSONRPCResponse is one outbound frame, emitted as an SSE `message` event.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func newResult(id json.RawMessage, result interface{}) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: mustMarshal(result)}
}

func newError(id json.RawMessage, code int, message string, data json.RawMessage) JSONRPCResponse {
	return JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message, Data: data}}
}

// errorToResponse translates a handler error into a JSON-RPC error
// response. A *brokererr.Error carries its own §7 kind -> code mapping;
// anything else is an unclassified internal error and must not leak its
// message verbatim (it may contain driver or stdlib error text).
func errorToResponse(id json.RawMessage, err error) JSONRPCResponse {
	var be *brokererr.Error
	if errors.As(err, &be) {
		return newError(id, be.JSONRPCCode(), be.Message, be.JSONRPCData())
	}
	return newError(id, InternalError, "internal error", nil)
}
