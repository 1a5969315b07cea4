package mqttclient

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQUICDialerConfig(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		d := NewQUICDialer(nil)
		assert.Equal(t, uint16(tls.VersionTLS13), d.TLSConfig.MinVersion)
		assert.Equal(t, []string{QUICProtocol}, d.TLSConfig.NextProtos)
	})

	t.Run("caller config is not mutated", func(t *testing.T) {
		config := &tls.Config{ServerName: "broker"}
		d := NewQUICDialer(config)

		assert.Empty(t, config.NextProtos)
		assert.Equal(t, "broker", d.TLSConfig.ServerName)
		assert.Equal(t, []string{QUICProtocol}, d.TLSConfig.NextProtos)
		assert.Equal(t, uint16(tls.VersionTLS13), d.TLSConfig.MinVersion)
	})

	t.Run("dial nonexistent server", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := NewQUICDialer(&tls.Config{InsecureSkipVerify: true}).Dial(ctx, "127.0.0.1:59999")
		assert.Error(t, err)
	})
}

func TestQUICRoundTrip(t *testing.T) {
	cert, pool := generateTestCertificate(t)

	listener, err := quic.ListenAddr("127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QUICProtocol},
	}, nil)
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			serverDone <- err
			return
		}

		tr := NewConnTransport(&QUICConn{conn: conn, stream: stream})
		codec := NewCodec(256, 256)

		pkt, err := codec.ReadPacket(ctx, tr, time.Second)
		if err != nil {
			serverDone <- err
			return
		}
		if _, ok := pkt.(*ConnectPacket); ok {
			_, err = codec.WritePacket(ctx, tr, &ConnackPacket{ReturnCode: ConnectAccepted})
		}
		serverDone <- err
		<-ctx.Done()
	}()

	conn, err := NewQUICDialer(&tls.Config{RootCAs: pool, ServerName: "localhost"}).Dial(ctx, listener.Addr().String())
	require.NoError(t, err)

	tr := NewConnTransport(conn)
	defer tr.Close()

	codec := NewCodec(256, 256)
	_, err = codec.WritePacket(ctx, tr, &ConnectPacket{ClientID: "quic-client", CleanSession: true, KeepAlive: 30})
	require.NoError(t, err)

	pkt, err := codec.ReadPacket(ctx, tr, time.Second)
	require.NoError(t, err)
	connack, ok := pkt.(*ConnackPacket)
	require.True(t, ok)
	assert.Equal(t, ConnectAccepted, connack.ReturnCode)

	assert.NoError(t, <-serverDone)
	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())
	assert.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
}
