package mqttclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWSTestServer starts a WebSocket endpoint that hands each upgraded
// connection to serve.
func newWSTestServer(t *testing.T, serve func(ws *websocket.Conn)) string {
	t.Helper()

	upgrader := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws)
	}))
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSDialer(t *testing.T) {
	t.Run("negotiates mqtt subprotocol", func(t *testing.T) {
		url := newWSTestServer(t, func(ws *websocket.Conn) {
			assert.Equal(t, WebSocketSubprotocol, ws.Subprotocol())
		})

		conn, err := NewWSDialer().Dial(context.Background(), url)
		require.NoError(t, err)
		assert.NotNil(t, conn.LocalAddr())
		assert.NotNil(t, conn.RemoteAddr())
		conn.Close()
	})

	t.Run("dial failure", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := NewWSDialer().Dial(ctx, "ws://127.0.0.1:1/mqtt")
		assert.Error(t, err)
	})
}

func TestWSConnStream(t *testing.T) {
	t.Run("packet split across frames", func(t *testing.T) {
		url := newWSTestServer(t, func(ws *websocket.Conn) {
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x20, 0x02})
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x00})
			_, _, _ = ws.ReadMessage()
		})

		conn, err := NewWSDialer().Dial(context.Background(), url)
		require.NoError(t, err)
		defer conn.Close()

		tr := NewConnTransport(conn)
		codec := NewCodec(64, 64)

		pkt, err := codec.ReadPacket(context.Background(), tr, time.Second)
		require.NoError(t, err)
		connack, ok := pkt.(*ConnackPacket)
		require.True(t, ok)
		assert.Equal(t, ConnectAccepted, connack.ReturnCode)
	})

	t.Run("writes are binary frames", func(t *testing.T) {
		received := make(chan []byte, 1)
		url := newWSTestServer(t, func(ws *websocket.Conn) {
			mt, data, err := ws.ReadMessage()
			if err == nil && mt == websocket.BinaryMessage {
				received <- data
			}
		})

		conn, err := NewWSDialer().Dial(context.Background(), url)
		require.NoError(t, err)
		defer conn.Close()

		n, err := conn.Write([]byte{0xC0, 0x00})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		select {
		case data := <-received:
			assert.Equal(t, []byte{0xC0, 0x00}, data)
		case <-time.After(2 * time.Second):
			t.Fatal("frame not received")
		}
	})

	t.Run("text frame rejected", func(t *testing.T) {
		url := newWSTestServer(t, func(ws *websocket.Conn) {
			_ = ws.WriteMessage(websocket.TextMessage, []byte("hello"))
			_, _, _ = ws.ReadMessage()
		})

		conn, err := NewWSDialer().Dial(context.Background(), url)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Read(make([]byte, 8))
		assert.ErrorIs(t, err, ErrWSTextFrame)
		assert.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("deadlines", func(t *testing.T) {
		url := newWSTestServer(t, func(ws *websocket.Conn) {
			_, _, _ = ws.ReadMessage()
		})

		conn, err := NewWSDialer().Dial(context.Background(), url)
		require.NoError(t, err)
		defer conn.Close()

		assert.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
		assert.NoError(t, conn.SetWriteDeadline(time.Time{}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Millisecond)))

		_, err = conn.Read(make([]byte, 8))
		assert.True(t, isTimeout(err))
	})
}

func TestWSDialerSetProxyFromEnvironment(t *testing.T) {
	d := &WSDialer{}
	d.SetProxyFromEnvironment()

	require.NotNil(t, d.Dialer)
	assert.NotNil(t, d.Dialer.Proxy)
	assert.Equal(t, []string{WebSocketSubprotocol}, d.Dialer.Subprotocols)
}
