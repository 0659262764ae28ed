package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrWrite is returned by Send once the connection is closed, including
// after the writer goroutine closed it on a failed write, so callers (a
// Session's broadcast forwarding) can recognize a dead peer without
// depending on gorilla/websocket's concrete error types.
var ErrWrite = errors.New("rpc: write failed")

// Handler processes one inbound Request, returning the result to place in
// the matching Response (or an error, which is rendered as Response.Error).
type Handler func(req Request) (any, error)

// Conn wraps a *websocket.Conn with a single writer goroutine serializing
// outbound frames — gorilla/websocket forbids concurrent writes on one
// connection — so Responses (replies) and Notifications (broadcasts) from
// different goroutines never interleave corrupt a frame.
type Conn struct {
	log  *slog.Logger
	ws   *websocket.Conn
	send chan any

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps ws and starts its writer goroutine. bufferSize bounds how
// many outbound frames (mostly broadcast notifications) may queue before
// Send blocks; a slow client naturally applies backpressure rather than
// growing memory without bound.
func NewConn(logger *slog.Logger, ws *websocket.Conn, bufferSize int) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		log:    logger,
		ws:     ws,
		send:   make(chan any, bufferSize),
		closed: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				c.log.Warn("rpc write failed", slog.String("error", err.Error()))
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// Send enqueues frame for delivery. Returns ErrWrite if the connection has
// already been closed (e.g. by a prior failed write).
func (c *Conn) Send(frame any) error {
	select {
	case <-c.closed:
		return ErrWrite
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrWrite
	}
}

// SendNotification is a typed convenience wrapper over Send.
func (c *Conn) SendNotification(method string, params any) error {
	return c.Send(Notification{Method: method, Params: params})
}

// Serve reads frames until the connection closes or ctx-equivalent
// cancellation happens via Close, dispatching each inbound Request to
// handler and replying with the resulting Response.
func (c *Conn) Serve(handler Handler) error {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				return fmt.Errorf("rpc: unexpected close: %w", err)
			}
			return nil
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.Warn("rpc: malformed frame", slog.String("error", err.Error()))
			continue
		}

		go c.dispatch(handler, req)
	}
}

func (c *Conn) dispatch(handler Handler, req Request) {
	result, err := handler(req)
	resp := Response{ID: req.ID}
	if err != nil {
		resp.Error = &Error{Message: err.Error()}
	} else {
		resp.Result = result
	}
	if sendErr := c.Send(resp); sendErr != nil {
		c.log.Debug("rpc: failed to send response to closed connection", slog.String("method", req.Method))
	}
}

// Close shuts the connection down exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}
