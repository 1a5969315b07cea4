package mqttclient

import "io"

// encodeAck encodes an acknowledgment packet that carries only a packet
// identifier (PUBACK, UNSUBACK).
func encodeAck(w io.Writer, packetType PacketType, packetID uint16) (int, error) {
	if packetID == 0 {
		return 0, ErrInvalidPacketID
	}

	header := FixedHeader{
		PacketType:      packetType,
		RemainingLength: 2,
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, packetID)
	return total + n, err
}

// decodeAck decodes an acknowledgment packet that carries only a packet
// identifier.
func decodeAck(r io.Reader, header FixedHeader, packetType PacketType) (uint16, int, error) {
	if header.PacketType != packetType {
		return 0, 0, ErrInvalidPacketType
	}

	if header.RemainingLength != 2 {
		return 0, 0, ErrProtocolViolation
	}

	id, n, err := decodeUint16(r)
	if err != nil {
		return 0, n, err
	}

	if id == 0 {
		return 0, n, ErrInvalidPacketID
	}

	return id, n, nil
}

// PubackPacket represents an MQTT PUBACK packet.
// MQTT 3.1.1: Section 3.4
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// GetPacketID returns the packet identifier.
func (p *PubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *PubackPacket) SetPacketID(id uint16) { p.PacketID = id }

func (p *PubackPacket) remainingLength() int { return 2 }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketPUBACK, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	id, n, err := decodeAck(r, header, PacketPUBACK)
	p.PacketID = id
	return n, err
}

// Validate validates the packet contents.
func (p *PubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}

// UnsubackPacket represents an MQTT UNSUBACK packet.
// MQTT 3.1.1: Section 3.11
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// GetPacketID returns the packet identifier.
func (p *UnsubackPacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *UnsubackPacket) SetPacketID(id uint16) { p.PacketID = id }

func (p *UnsubackPacket) remainingLength() int { return 2 }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer) (int, error) {
	return encodeAck(w, PacketUNSUBACK, p.PacketID)
}

// Decode reads the packet from the reader.
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	id, n, err := decodeAck(r, header, PacketUNSUBACK)
	p.PacketID = id
	return n, err
}

// Validate validates the packet contents.
func (p *UnsubackPacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	return nil
}
