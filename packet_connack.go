package mqttclient

import (
	"errors"
	"io"
)

// CONNACK packet errors.
var (
	ErrInvalidConnackFlags = errors.New("invalid CONNACK flags")
	ErrInvalidReturnCode   = errors.New("invalid return code for packet type")
)

// ConnackPacket represents an MQTT CONNACK packet.
// MQTT 3.1.1: Section 3.2
type ConnackPacket struct {
	// SessionPresent indicates if a session exists from a previous connection.
	SessionPresent bool

	// ReturnCode is the connection result.
	ReturnCode ConnectReturnCode
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

func (p *ConnackPacket) remainingLength() int { return 2 }

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketCONNACK,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}

	n, err := w.Write([]byte{flags, byte(p.ReturnCode)})
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	if header.RemainingLength != 2 {
		return 0, ErrProtocolViolation
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return n, err
	}

	// Reserved bits must be 0
	if buf[0]&0xFE != 0 {
		return n, ErrInvalidConnackFlags
	}

	p.SessionPresent = buf[0]&0x01 != 0
	p.ReturnCode = ConnectReturnCode(buf[1])

	return n, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnackPacket) Validate() error {
	if !p.ReturnCode.Valid() {
		return ErrInvalidReturnCode
	}

	// A refused connection never carries a session.
	if p.ReturnCode != ConnectAccepted && p.SessionPresent {
		return ErrInvalidConnackFlags
	}

	return nil
}
