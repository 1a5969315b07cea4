package mqttclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestCertificate(t testing.TB) (tls.Certificate, *x509.CertPool) {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(certPEM)

	return cert, pool
}

func TestConnTransport(t *testing.T) {
	t.Run("send and receive", func(t *testing.T) {
		client, server := net.Pipe()
		tr := NewConnTransport(client)
		defer tr.Close()
		defer server.Close()

		go func() {
			buf := make([]byte, 5)
			n, _ := server.Read(buf)
			_, _ = server.Write(buf[:n])
		}()

		n, err := tr.Send(context.Background(), []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		buf := make([]byte, 16)
		n, err = tr.Recv(context.Background(), buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
	})

	t.Run("recv without data times out", func(t *testing.T) {
		client, server := net.Pipe()
		tr := NewConnTransport(client)
		defer tr.Close()
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		n, err := tr.Recv(ctx, make([]byte, 4))
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrNetwork)
	})

	t.Run("recv interrupted by cancel", func(t *testing.T) {
		client, server := net.Pipe()
		tr := NewConnTransport(client)
		defer tr.Close()
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		_, err := tr.Recv(ctx, make([]byte, 4))
		assert.ErrorIs(t, err, ErrTimeout)

		// the connection remains usable
		go func() { _, _ = server.Write([]byte{1}) }()
		n, err := tr.Recv(context.Background(), make([]byte, 4))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("peer closed", func(t *testing.T) {
		client, server := net.Pipe()
		tr := NewConnTransport(client)
		defer tr.Close()
		server.Close()

		_, err := tr.Recv(context.Background(), make([]byte, 4))
		assert.ErrorIs(t, err, ErrNetwork)

		_, err = tr.Send(context.Background(), []byte{1})
		assert.ErrorIs(t, err, ErrNetwork)
	})

	t.Run("close is idempotent", func(t *testing.T) {
		client, server := net.Pipe()
		defer server.Close()
		tr := NewConnTransport(client)

		assert.NoError(t, tr.Close())
		assert.NoError(t, tr.Close())
		assert.Equal(t, client, tr.Conn())
	})
}

func TestTCPDialer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	dialer := &TCPDialer{Timeout: time.Second}
	conn, err := dialer.Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = dialer.Dial(ctx, listener.Addr().String())
	assert.Error(t, err)
}

func TestTLSDialer(t *testing.T) {
	cert, pool := generateTestCertificate(t)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	dialer := &TLSDialer{Config: &tls.Config{RootCAs: pool, ServerName: "localhost"}, Timeout: time.Second}
	conn, err := dialer.Dial(context.Background(), listener.Addr().String())
	require.NoError(t, err)

	tr := NewConnTransport(conn)
	defer tr.Close()

	_, err = tr.Send(context.Background(), []byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := tr.Recv(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestIsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(-time.Second)))
	_, err := client.Read(make([]byte, 1))
	assert.True(t, isTimeout(err))
	assert.False(t, isTimeout(net.ErrClosed))

	assert.True(t, isClosed(net.ErrClosed))
	assert.False(t, isClosed(err))
}
