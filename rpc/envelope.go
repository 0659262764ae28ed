// Package rpc implements the wire transport: a gorilla/websocket
// connection carrying JSON-RPC-shaped frames (request/response/notification)
// between a Client Session and a connected client, matching the original
// daemon's conveyor.jsonrpc framing.
package rpc

import "encoding/json"

// Request is a client-to-server call expecting a Response with the same ID.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Error is non-nil exclusive of Result.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification is a server-to-client push with no reply expected — the
// printeradded/printerchanged/printerremoved/jobadded/jobchanged broadcasts.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Error is the JSON-RPC-style error payload embedded in a failed Response.
type Error struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// envelope is the minimal shape used to distinguish an inbound frame as a
// request (has "method") before unmarshaling it fully.
type envelope struct {
	Method *string `json:"method"`
}
