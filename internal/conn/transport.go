package conn

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"github.com/danmuck/sharectl/internal/protocol"
	"github.com/danmuck/sharectl/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// Transport moves whole messages. ReadMessage is called from one goroutine and
// WriteMessage from another.
type Transport interface {
	ReadMessage() (protocol.Message, error)
	WriteMessage(msg protocol.Message) error
	Close() error
	RemoteAddr() string
	Kind() string
}

type streamTransport struct {
	conn         net.Conn
	reader       *bufio.Reader
	limits       frame.Limits
	writeTimeout time.Duration
	kind         string
}

// NewStreamTransport frames messages over a byte stream.
func NewStreamTransport(c net.Conn, limits frame.Limits, writeTimeout time.Duration) Transport {
	kind := "tcp"
	if _, ok := c.(*tls.Conn); ok {
		kind = "tls"
	}
	return &streamTransport{
		conn:         c,
		reader:       bufio.NewReader(c),
		limits:       limits,
		writeTimeout: writeTimeout,
		kind:         kind,
	}
}

func (t *streamTransport) ReadMessage() (protocol.Message, error) {
	return protocol.ReadMessage(t.reader, t.limits)
}

func (t *streamTransport) WriteMessage(msg protocol.Message) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteMessage(t.conn, msg, t.limits)
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

func (t *streamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *streamTransport) Kind() string {
	return t.kind
}

type wsTransport struct {
	conn         *websocket.Conn
	limits       frame.Limits
	writeTimeout time.Duration
}

// NewWebSocketTransport carries one frame per binary WebSocket message.
func NewWebSocketTransport(c *websocket.Conn, limits frame.Limits, writeTimeout time.Duration) Transport {
	c.SetReadLimit(int64(limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	return &wsTransport{conn: c, limits: limits, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() (protocol.Message, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return protocol.Message{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		return protocol.Unmarshal(data, t.limits)
	}
}

func (t *wsTransport) WriteMessage(msg protocol.Message) error {
	data, err := protocol.Marshal(msg, t.limits)
	if err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *wsTransport) Kind() string {
	return "ws"
}
