package bridge

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC request envelope. ID is a number or a string.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      any    `json:"id"`
}

// Response is a JSON-RPC response envelope. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

// RPCError is the error member of a response. Typed client methods return it
// as a Go error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agent rpc error %d: %s", e.Code, e.Message)
}

func errorResponse(id any, code int, msg string) Response {
	return Response{JSONRPC: Version, Error: &RPCError{Code: code, Message: msg}, ID: id}
}

// ChatParams are the parameters of the chat_sync method.
type ChatParams struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	User      string `json:"user,omitempty"`
}

// ChatResult is the agent's answer to chat_sync. Fields beyond the known ones
// are kept in Extra.
type ChatResult struct {
	Response string         `json:"response"`
	Mood     string         `json:"mood,omitempty"`
	XPGained int            `json:"xp_gained,omitempty"`
	Extra    map[string]any `json:"-"`
}

func (r *ChatResult) UnmarshalJSON(data []byte) error {
	// A bare string result is the response text.
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*r = ChatResult{Response: text}
		return nil
	}

	type plain ChatResult
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "response")
	delete(all, "mood")
	delete(all, "xp_gained")
	if len(all) > 0 {
		p.Extra = all
	}
	*r = ChatResult(p)
	return nil
}
