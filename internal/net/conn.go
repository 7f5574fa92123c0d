package net

import (
	"bufio"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Transport names accepted by Listen and Dial.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

// WebSocketPath is the HTTP path the ws transport upgrades on.
const WebSocketPath = "/netscene"

// Conn is a message-oriented connection. ReadMessage is called only by the
// peer's reader goroutine and WriteMessage only by its writer goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// tcpConn frames messages on a byte stream.
type tcpConn struct {
	c net.Conn
	r *bufio.Reader
}

func newTCPConn(c net.Conn) *tcpConn {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{c: c, r: bufio.NewReaderSize(c, 16*1024)}
}

func (t *tcpConn) ReadMessage() ([]byte, error)       { return ReadFrame(t.r) }
func (t *tcpConn) WriteMessage(data []byte) error     { return WriteFrame(t.c, data) }
func (t *tcpConn) SetReadDeadline(d time.Time) error  { return t.c.SetReadDeadline(d) }
func (t *tcpConn) SetWriteDeadline(d time.Time) error { return t.c.SetWriteDeadline(d) }
func (t *tcpConn) RemoteAddr() string                 { return t.c.RemoteAddr().String() }
func (t *tcpConn) Close() error                       { return t.c.Close() }

// wsConn carries one message per binary WebSocket frame.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(MaxFrameSize)
	return &wsConn{c: c}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.BinaryMessage && len(data) > 0 {
			return data, nil
		}
	}
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) SetReadDeadline(d time.Time) error  { return w.c.SetReadDeadline(d) }
func (w *wsConn) SetWriteDeadline(d time.Time) error { return w.c.SetWriteDeadline(d) }
func (w *wsConn) RemoteAddr() string                 { return w.c.RemoteAddr().String() }

func (w *wsConn) Close() error {
	_ = w.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.c.Close()
}
