package connmgr

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/musterhq/muster/pkg/types"
)

// Conn is the raw bidirectional message channel a session owns. The
// websocket implementation is the production one; tests substitute
// in-memory pipes.
type Conn interface {
	// Read blocks for the next message. It returns an error only when
	// the channel is unusable; malformed frames are the session's
	// problem, not the connection's.
	Read() ([]byte, error)
	Write(data []byte) error
	// Close sends a close frame with the given status code, then tears
	// the channel down. Safe to call more than once.
	Close(code int, reason string) error
}

// wsConn adapts a gorilla websocket connection. Gorilla permits one
// concurrent writer, so writes and closes share a mutex.
type wsConn struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebsocketConn wraps an accepted websocket connection with the
// frame size limit applied.
func NewWebsocketConn(conn *websocket.Conn, maxMessageSize int64) Conn {
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}
}

func (c *wsConn) Read() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, types.Errorf(types.CodeConnectionClosed, "read failed: %v", err)
	}
	return data, nil
}

func (c *wsConn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.Errorf(types.CodeConnectionClosed, "write failed: %v", err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
