package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pingInterval must stay comfortably under pongWait so a healthy peer
// always answers a ping before the read deadline lapses.
const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// wsConn wraps a single gorilla/websocket connection with a buffered
// send channel and ping loop, implementing collab.Sender.
type wsConn struct {
	conn     *websocket.Conn
	sendChan chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, sendChan: make(chan []byte, 256)}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return c
}

// Send marshals v to JSON and queues it for the write pump; drops the
// message rather than blocking if the client is too slow to drain
// (mirrors the coordinator's "send channel full, dropping message"
// policy).
func (c *wsConn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.sendChan <- data:
		return nil
	default:
		return nil
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.sendChan)
	return c.conn.Close()
}

// writePump drains sendChan and sends periodic pings until the
// connection closes.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames and dispatches each to handle, returning when
// the connection errors or closes.
func (c *wsConn) readPump(handle func(data []byte)) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		handle(data)
	}
}
