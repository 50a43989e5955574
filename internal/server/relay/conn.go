package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds every frame write so one stuck peer cannot wedge the
// dispatcher.
const writeWait = 10 * time.Second

var errConnClosed = errors.New("connection closed")

// Conn wraps a websocket with a write mutex so the dispatcher, the
// message router and the heartbeat can all send concurrently.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) SendJSON(v any) error {
	if c.closed.Load() {
		return errConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) IsOpen() bool {
	return !c.closed.Load()
}

// Close force-terminates the socket. Safe to call from any goroutine and
// more than once; the blocked read loop unblocks with an error.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.Close()
	})
}

func (c *Conn) ping() error {
	if c.closed.Load() {
		return errConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
