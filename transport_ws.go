package mqttclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketSubprotocol is the MQTT WebSocket subprotocol.
// MQTT 3.1.1: Section 6
const WebSocketSubprotocol = "mqtt"

// ErrWSTextFrame is returned when the broker sends a text frame; MQTT over
// WebSocket carries control packets in binary frames only.
var ErrWSTextFrame = fmt.Errorf("websocket text frame: %w", ErrProtocolViolation)

// WSConn presents a WebSocket connection as a byte stream. Control packets
// may span frames and a frame may hold several packets.
type WSConn struct {
	ws *websocket.Conn

	readMu sync.Mutex
	frame  io.Reader

	writeMu sync.Mutex
}

func newWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read reads from the current binary frame, advancing to the next frame
// when it is exhausted.
func (c *WSConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.frame == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				return 0, ErrWSTextFrame
			}
			c.frame = r
		}

		n, err := c.frame.Read(b)
		if err == io.EOF {
			c.frame = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

// Write sends b as one binary frame.
func (c *WSConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}

// LocalAddr returns the local network address.
func (c *WSConn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error { return c.ws.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// WSDialer connects to MQTT brokers over WebSocket.
type WSDialer struct {
	// Dialer is the underlying WebSocket dialer.
	Dialer *websocket.Dialer

	// Header is the HTTP header to send with the handshake.
	Header http.Header
}

// NewWSDialer creates a WebSocket dialer negotiating the mqtt subprotocol.
func NewWSDialer() *WSDialer {
	return &WSDialer{
		Dialer: &websocket.Dialer{
			Subprotocols:     []string{WebSocketSubprotocol},
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetProxyFromEnvironment routes the handshake through the proxy named by
// HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
func (d *WSDialer) SetProxyFromEnvironment() {
	if d.Dialer == nil {
		d.Dialer = NewWSDialer().Dialer
	}
	d.Dialer.Proxy = http.ProxyFromEnvironment
}

// Dial connects to a ws:// or wss:// URL.
func (d *WSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, address, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	return newWSConn(ws), nil
}
