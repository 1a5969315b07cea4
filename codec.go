package mqttclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Codec defaults.
const (
	// DefaultBufferSize is the size of each codec buffer.
	DefaultBufferSize = 4096

	// DefaultPacketTimeout bounds the arrival of a packet's remaining bytes
	// once its first byte has been read.
	DefaultPacketTimeout = 5 * time.Second
)

// Codec errors.
var (
	ErrQoS2Unsupported = errors.New("QoS 2 flow packets are not supported")
	ErrMalformedPacket = errors.New("malformed packet")
)

// Codec serializes control packets into a fixed send buffer and parses them
// out of a fixed receive buffer. Each buffer is leased for one complete
// encode-then-send or receive-then-decode cycle; the lease is acquired under
// the caller's context so a blocked writer honors its deadline.
// MQTT 3.1.1: Section 2
type Codec struct {
	sendBuf  []byte
	sendLock *semaphore.Weighted

	recvBuf  []byte
	recvLock *semaphore.Weighted
}

// NewCodec creates a codec with the given buffer sizes. Non-positive sizes
// use DefaultBufferSize.
func NewCodec(sendSize, recvSize int) *Codec {
	if sendSize <= 0 {
		sendSize = DefaultBufferSize
	}
	if recvSize <= 0 {
		recvSize = DefaultBufferSize
	}

	return &Codec{
		sendBuf:  make([]byte, sendSize),
		sendLock: semaphore.NewWeighted(1),
		recvBuf:  make([]byte, recvSize),
		recvLock: semaphore.NewWeighted(1),
	}
}

// SendBufferSize returns the capacity of the send buffer.
func (c *Codec) SendBufferSize() int { return len(c.sendBuf) }

// RecvBufferSize returns the capacity of the receive buffer.
func (c *Codec) RecvBufferSize() int { return len(c.recvBuf) }

func lease(ctx context.Context, sem *semaphore.Weighted) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for buffer", ErrTimeout)
		}
		return err
	}
	return nil
}

// WritePacket validates pkt, encodes it into the send buffer and hands it to
// t. A packet larger than the send buffer fails with ErrBufferTooSmall
// before any I/O. Returns the number of bytes sent.
func (c *Codec) WritePacket(ctx context.Context, t Transport, pkt Packet) (int, error) {
	if err := pkt.Validate(); err != nil {
		return 0, badParameter(err)
	}

	if sized, ok := pkt.(sizedPacket); ok {
		remaining := sized.remainingLength()
		if remaining > maxVarint {
			return 0, fmt.Errorf("%w: %s remaining length %d exceeds protocol limit", ErrBufferTooSmall, pkt.Type(), remaining)
		}
		if size := encodedSize(remaining); size > len(c.sendBuf) {
			return 0, fmt.Errorf("%w: %s needs %d bytes, send buffer holds %d", ErrBufferTooSmall, pkt.Type(), size, len(c.sendBuf))
		}
	}

	if err := lease(ctx, c.sendLock); err != nil {
		return 0, err
	}
	defer c.sendLock.Release(1)

	w := fixedWriter{buf: c.sendBuf}
	if _, err := pkt.Encode(&w); err != nil {
		return 0, err
	}

	return t.Send(ctx, c.sendBuf[:w.n])
}

// ReadPacket receives one control packet from t.
//
// The wait for the first byte is bounded by ctx; a Recv timeout there is
// returned as ErrTimeout and means no packet arrived. Once a packet has
// started, the rest of it must arrive within packetTimeout regardless of
// ctx, and a stall is reported as ErrNetwork because the stream can no
// longer be framed. A packet whose remaining length exceeds the receive
// buffer is read and discarded, and ErrBufferTooSmall is returned with the
// connection still usable.
func (c *Codec) ReadPacket(ctx context.Context, t Transport, packetTimeout time.Duration) (Packet, error) {
	if err := lease(ctx, c.recvLock); err != nil {
		return nil, err
	}
	defer c.recvLock.Release(1)

	var first [1]byte
	n, err := t.Recv(ctx, first[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: no data", ErrTimeout)
	}

	var header FixedHeader
	if err := header.setFirstByte(first[0]); err != nil {
		return nil, protocolViolation(err)
	}

	if packetTimeout <= 0 {
		packetTimeout = DefaultPacketTimeout
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), packetTimeout)
	defer cancel()

	length, err := c.readRemainingLength(pctx, t)
	if err != nil {
		return nil, err
	}
	header.RemainingLength = length

	if int(length) > len(c.recvBuf) {
		if err := c.drain(pctx, t, int(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s of %d bytes, receive buffer holds %d", ErrBufferTooSmall, header.PacketType, length, len(c.recvBuf))
	}

	body := c.recvBuf[:length]
	if err := recvFull(pctx, t, body); err != nil {
		return nil, err
	}

	pkt, err := newPacket(header.PacketType)
	if err != nil {
		return nil, err
	}

	n, err = pkt.Decode(bytes.NewReader(body), header)
	if err != nil {
		return nil, protocolViolation(fmt.Errorf("%w: %s: %w", ErrMalformedPacket, header.PacketType, err))
	}
	if n != int(length) {
		return nil, protocolViolation(fmt.Errorf("%w: %s decoded %d of %d bytes", ErrMalformedPacket, header.PacketType, n, length))
	}

	return pkt, nil
}

func (c *Codec) readRemainingLength(ctx context.Context, t Transport) (uint32, error) {
	var value uint32
	var b [1]byte

	for i := range 4 {
		if err := recvFull(ctx, t, b[:]); err != nil {
			return 0, err
		}
		value |= uint32(b[0]&0x7F) << (7 * i)
		if b[0]&0x80 == 0 {
			return value, nil
		}
	}

	return 0, protocolViolation(ErrVarintMalformed)
}

func (c *Codec) drain(ctx context.Context, t Transport, n int) error {
	for n > 0 {
		chunk := min(n, len(c.recvBuf))
		if err := recvFull(ctx, t, c.recvBuf[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// recvFull reads exactly len(p) bytes of a packet already in progress.
func recvFull(ctx context.Context, t Transport, p []byte) error {
	for read := 0; read < len(p); {
		n, err := t.Recv(ctx, p[read:])
		read += n
		if err == nil {
			if n > 0 || ctx.Err() == nil {
				continue
			}
			err = fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		if errors.Is(err, ErrTimeout) && !errors.Is(err, ErrNetwork) {
			return fmt.Errorf("%w: packet incomplete after %d of %d bytes: %w", ErrNetwork, read, len(p), err)
		}
		return err
	}
	return nil
}

func newPacket(t PacketType) (Packet, error) {
	switch t {
	case PacketCONNECT:
		return &ConnectPacket{}, nil
	case PacketCONNACK:
		return &ConnackPacket{}, nil
	case PacketPUBLISH:
		return &PublishPacket{}, nil
	case PacketPUBACK:
		return &PubackPacket{}, nil
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, nil
	case PacketSUBACK:
		return &SubackPacket{}, nil
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, nil
	case PacketUNSUBACK:
		return &UnsubackPacket{}, nil
	case PacketPINGREQ:
		return &PingreqPacket{}, nil
	case PacketPINGRESP:
		return &PingrespPacket{}, nil
	case PacketDISCONNECT:
		return &DisconnectPacket{}, nil
	case PacketPUBREC, PacketPUBREL, PacketPUBCOMP:
		return nil, protocolViolation(fmt.Errorf("%w: %s", ErrQoS2Unsupported, t))
	default:
		return nil, protocolViolation(fmt.Errorf("%w: %d", ErrInvalidPacketType, t))
	}
}

// fixedWriter writes into a preallocated buffer and never grows it.
type fixedWriter struct {
	buf []byte
	n   int
}

func (w *fixedWriter) Write(p []byte) (int, error) {
	if len(p) > len(w.buf)-w.n {
		return 0, ErrBufferTooSmall
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}
