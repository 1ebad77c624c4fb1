// This file adapts a WebSocket connection to net.Conn so the RTMP engine can
// run over it unchanged. Each binary message carries an arbitrary slice of
// the RTMP byte stream; message boundaries mean nothing.

package wsrtmp

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a net.Conn over binary WebSocket messages.
type Conn struct {
	ws     *websocket.Conn
	reader io.Reader // current message, nil between messages

	wmu sync.Mutex
}

// NewConn wraps ws. The caller must not read or write ws directly afterwards.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read reads the byte stream across message boundaries. Text messages are skipped.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, closeErr(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, closeErr(err)
	}
}

// Write sends p as one binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, closeErr(err)
	}
	return len(p), nil
}

// Close sends a close frame when possible and closes the socket.
// WriteControl may run concurrently with Write.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline sets the write deadline only; see SetReadDeadline.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetWriteDeadline(t)
}

// SetReadDeadline is a no-op. A gorilla connection is unusable after a read
// times out, and the RTMP engine treats read timeouts as recoverable.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// closeErr reports a closed WebSocket as io.EOF.
func closeErr(err error) error {
	if err == nil {
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
