package wshub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaywire/relaywire/sessions"
)

const writeTimeout = 10 * time.Second

// conn wraps a websocket connection with the write serialization gorilla
// requires (a websocket.Conn supports at most one concurrent writer).
type conn struct {
	ws   *websocket.Conn
	sess sessions.Session

	writeMu sync.Mutex
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// sink adapts the connection into a delivery target for the session host.
func (c *conn) sink(_ context.Context, data []byte) error {
	return c.write(data)
}
