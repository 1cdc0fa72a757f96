package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// readWait must exceed the client's ping interval.
	readWait = 5 * time.Minute
)

// Conn serializes writes on a WebSocket. gorilla/websocket allows one
// concurrent writer; the read loop, the session event pump and the lock
// requester all write.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, errMsg string) error {
	return c.WriteTyped(ErrorResponse{
		Event: EventError,
		Code:  code,
		Error: errMsg,
	})
}

// ReadMessage reads one raw message and the action it carries. It sets a
// read deadline.
func (c *Conn) ReadMessage() (Action, []byte, error) {
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", data, err
	}
	return env.Action, data, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
