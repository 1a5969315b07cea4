package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Transport moves raw bytes between the client and a broker.
//
// Send writes all of p or fails. Recv reads up to len(p) bytes. Both honor
// the deadline and cancellation of ctx. A Recv that returns n == 0 with an
// error matching ErrTimeout means no data arrived in time and the
// connection is still usable. Any other error is a hard failure and matches
// ErrNetwork.
type Transport interface {
	Send(ctx context.Context, p []byte) (int, error)
	Recv(ctx context.Context, p []byte) (int, error)
	Close() error
}

// DialFunc opens a transport to server. It replaces the built-in
// scheme-based dialing when set with WithDialFunc.
type DialFunc func(ctx context.Context, server string) (Transport, error)

// Conn represents a network connection for MQTT communication.
type Conn interface {
	net.Conn
}

// Dialer establishes MQTT connections.
type Dialer interface {
	// Dial connects to the address with the given context.
	Dial(ctx context.Context, address string) (Conn, error)
}

// TCPDialer connects to MQTT brokers over TCP.
type TCPDialer struct {
	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, "tcp", address)
}

// TLSDialer connects to MQTT brokers over TLS.
type TLSDialer struct {
	// Config is the TLS configuration.
	Config *tls.Config

	// Timeout is the maximum time to wait for a connection.
	// Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to the address.
func (d *TLSDialer) Dial(ctx context.Context, address string) (Conn, error) {
	config := d.Config
	if config == nil {
		config = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.Timeout},
		Config:    config,
	}
	return dialer.DialContext(ctx, "tcp", address)
}

// expired is a deadline in the past, used to interrupt blocked I/O.
var expired = time.Unix(1, 0)

// ConnTransport adapts a net.Conn to Transport.
type ConnTransport struct {
	conn Conn

	closeOnce sync.Once
	closeErr  error
}

// NewConnTransport wraps conn.
func NewConnTransport(conn Conn) *ConnTransport {
	return &ConnTransport{conn: conn}
}

// Conn returns the wrapped connection.
func (t *ConnTransport) Conn() Conn {
	return t.conn
}

// Send writes p to the connection.
func (t *ConnTransport) Send(ctx context.Context, p []byte) (int, error) {
	release := bindDeadline(ctx, t.conn.SetWriteDeadline)
	n, err := t.conn.Write(p)
	release()

	if err == nil {
		return n, nil
	}
	if n == 0 && isTimeout(err) {
		return 0, fmt.Errorf("%w: send: %w", ErrTimeout, err)
	}
	return n, fmt.Errorf("%w: send: %w", ErrNetwork, err)
}

// Recv reads from the connection into p.
func (t *ConnTransport) Recv(ctx context.Context, p []byte) (int, error) {
	release := bindDeadline(ctx, t.conn.SetReadDeadline)
	n, err := t.conn.Read(p)
	release()

	if n > 0 || err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return 0, fmt.Errorf("%w: recv: %w", ErrTimeout, err)
	}
	return 0, fmt.Errorf("%w: recv: %w", ErrNetwork, err)
}

// Close closes the connection. Subsequent calls return the first result.
func (t *ConnTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// bindDeadline applies the deadline of ctx through set and interrupts the
// I/O when ctx is cancelled. The returned function detaches ctx.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)

	if ctx.Done() == nil {
		return func() {}
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = set(expired)
		close(fired)
	})

	return func() {
		if !stop() {
			<-fired
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isClosed reports whether err stems from a connection closed by either side.
func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
