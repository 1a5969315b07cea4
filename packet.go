package mqttclient

import "io"

// QoS levels supported by the client.
const (
	QoS0 byte = 0
	QoS1 byte = 1
)

// Packet is the interface that all MQTT control packets implement.
// MQTT 3.1.1: Section 2
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the packet to the writer.
	// Returns the number of bytes written.
	Encode(w io.Writer) (int, error)

	// Decode reads the packet from the reader.
	// The fixed header should already be decoded.
	// Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader) (int, error)

	// Validate validates the packet contents.
	Validate() error
}

// PacketWithID is implemented by packets that carry a packet identifier.
// MQTT 3.1.1: Section 2.3.1
type PacketWithID interface {
	Packet

	// GetPacketID returns the packet identifier.
	GetPacketID() uint16

	// SetPacketID sets the packet identifier.
	SetPacketID(id uint16)
}

// sizedPacket reports the remaining length a packet will encode to, so the
// codec can reject it before touching the send buffer.
type sizedPacket interface {
	remainingLength() int
}

// encodedSize returns the full encoded size of a packet with the given
// remaining length.
func encodedSize(remaining int) int {
	return 1 + varintSize(uint32(remaining)) + remaining
}

// Message represents an MQTT application message.
type Message struct {
	// Topic is the topic name to publish to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0 or 1).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Duplicate is set on received messages that the server flagged as
	// redelivered.
	Duplicate bool

	// PacketID is the identifier of a received QoS 1 message.
	PacketID uint16
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Topic:     m.Topic,
		QoS:       m.QoS,
		Retain:    m.Retain,
		Duplicate: m.Duplicate,
		PacketID:  m.PacketID,
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return clone
}
