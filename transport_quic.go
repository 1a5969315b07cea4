package mqttclient

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN identifier negotiated for MQTT over QUIC.
const QUICProtocol = "mqtt"

// QUICConn carries MQTT over a single bidirectional QUIC stream.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream

	closeOnce sync.Once
	closeErr  error
}

// Read reads data from the stream.
func (c *QUICConn) Read(b []byte) (int, error) { return c.stream.Read(b) }

// Write writes data to the stream.
func (c *QUICConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

// Close closes the stream and the QUIC connection.
func (c *QUICConn) Close() error {
	c.closeOnce.Do(func() {
		streamErr := c.stream.Close()
		connErr := c.conn.CloseWithError(0, "")
		if streamErr != nil {
			c.closeErr = streamErr
		} else {
			c.closeErr = connErr
		}
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *QUICConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// SetDeadline sets the read and write deadlines.
func (c *QUICConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *QUICConn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (c *QUICConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// QUICDialer connects to MQTT brokers over QUIC.
type QUICDialer struct {
	// TLSConfig is the TLS configuration. QUIC requires TLS 1.3.
	TLSConfig *tls.Config

	// QUICConfig is the QUIC configuration.
	QUICConfig *quic.Config
}

// NewQUICDialer creates a QUIC dialer. A nil config uses TLS 1.3 with the
// mqtt ALPN identifier.
func NewQUICDialer(tlsConfig *tls.Config) *QUICDialer {
	return &QUICDialer{TLSConfig: quicTLSConfig(tlsConfig)}
}

func quicTLSConfig(config *tls.Config) *tls.Config {
	if config == nil {
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			NextProtos: []string{QUICProtocol},
		}
	}
	if len(config.NextProtos) == 0 || config.MinVersion < tls.VersionTLS13 {
		config = config.Clone()
		if len(config.NextProtos) == 0 {
			config.NextProtos = []string{QUICProtocol}
		}
		if config.MinVersion < tls.VersionTLS13 {
			config.MinVersion = tls.VersionTLS13
		}
	}
	return config
}

// Dial connects to a "host:port" address and opens the MQTT stream.
func (d *QUICDialer) Dial(ctx context.Context, address string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, address, quicTLSConfig(d.TLSConfig), d.QUICConfig)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	return &QUICConn{conn: conn, stream: stream}, nil
}
