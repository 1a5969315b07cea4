package mqttclient

import (
	"errors"
	"io"
)

var (
	ErrInvalidPacketID     = errors.New("invalid packet identifier")
	ErrEmptySubscribeList  = errors.New("at least one topic filter required")
	ErrReservedOptionsBits = errors.New("reserved requested QoS bits set")
)

// Subscription represents a topic filter with its requested QoS.
// MQTT 3.1.1: Section 3.8.3
type Subscription struct {
	TopicFilter string
	QoS         byte

	// Handler receives messages matching TopicFilter. It is never sent on
	// the wire; a nil handler routes matches to the client's OnMessage
	// handler.
	Handler MessageHandler
}

// SubscribePacket represents an MQTT SUBSCRIBE packet.
// MQTT 3.1.1: Section 3.8
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// GetPacketID returns the packet identifier.
func (p *SubscribePacket) GetPacketID() uint16 { return p.PacketID }

// SetPacketID sets the packet identifier.
func (p *SubscribePacket) SetPacketID(id uint16) { p.PacketID = id }

func (p *SubscribePacket) remainingLength() int {
	n := 2
	for _, sub := range p.Subscriptions {
		n += stringSize(sub.TopicFilter) + 1
	}
	return n
}

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketSUBSCRIBE,
		Flags:           0x02, // SUBSCRIBE must have flags 0x02
		RemainingLength: uint32(p.remainingLength()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := encodeUint16(w, p.PacketID)
	total += n
	if err != nil {
		return total, err
	}

	for _, sub := range p.Subscriptions {
		n, err = encodeString(w, sub.TopicFilter)
		total += n
		if err != nil {
			return total, err
		}

		n, err = w.Write([]byte{sub.QoS & 0x03})
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Decode reads the packet from the reader.
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var totalRead int

	var n int
	var err error
	p.PacketID, n, err = decodeUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.Subscriptions = nil
	for totalRead < int(header.RemainingLength) {
		var sub Subscription

		sub.TopicFilter, n, err = decodeString(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		var optBuf [1]byte
		n, err = io.ReadFull(r, optBuf[:])
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		if optBuf[0]&0xFC != 0 {
			return totalRead, ErrReservedOptionsBits
		}
		sub.QoS = optBuf[0]

		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return totalRead, p.Validate()
}

// Validate validates the packet contents.
func (p *SubscribePacket) Validate() error {
	if p.PacketID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscribeList
	}
	for _, sub := range p.Subscriptions {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return err
		}
		if sub.QoS > 2 {
			return ErrInvalidQoS
		}
	}
	return nil
}
