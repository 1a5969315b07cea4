package mqttclient

import (
	"errors"
	"io"
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("invalid protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrClientIDRequired       = errors.New("client identifier required when clean session is false")
	ErrPasswordWithoutUser    = errors.New("password set without user name")
)

const (
	protocolName    = "MQTT"
	protocolVersion = 4
)

// Connect flag bits.
// MQTT 3.1.1: Section 3.1.2.3
const (
	connectFlagCleanSession = 0x02
	connectFlagWill         = 0x04
	connectFlagWillQoSShift = 3
	connectFlagWillRetain   = 0x20
	connectFlagPassword     = 0x40
	connectFlagUsername     = 0x80
)

// ConnectPacket represents an MQTT CONNECT packet.
// MQTT 3.1.1: Section 3.1
type ConnectPacket struct {
	ClientID     string
	CleanSession bool
	KeepAlive    uint16

	Username string
	Password []byte

	WillFlag    bool
	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

func (p *ConnectPacket) flags() byte {
	var flags byte
	if p.CleanSession {
		flags |= connectFlagCleanSession
	}
	if p.WillFlag {
		flags |= connectFlagWill
		flags |= (p.WillQoS & 0x03) << connectFlagWillQoSShift
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if p.Username != "" {
		flags |= connectFlagUsername
	}
	if len(p.Password) > 0 {
		flags |= connectFlagPassword
	}
	return flags
}

func (p *ConnectPacket) remainingLength() int {
	// protocol name + level + flags + keep alive
	n := stringSize(protocolName) + 1 + 1 + 2
	n += stringSize(p.ClientID)
	if p.WillFlag {
		n += stringSize(p.WillTopic) + 2 + len(p.WillPayload)
	}
	if p.Username != "" {
		n += stringSize(p.Username)
	}
	if len(p.Password) > 0 {
		n += 2 + len(p.Password)
	}
	return n
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	header := FixedHeader{
		PacketType:      PacketCONNECT,
		RemainingLength: uint32(p.remainingLength()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := encodeString(w, protocolName)
	total += n
	if err != nil {
		return total, err
	}

	n, err = w.Write([]byte{protocolVersion, p.flags()})
	total += n
	if err != nil {
		return total, err
	}

	n, err = encodeUint16(w, p.KeepAlive)
	total += n
	if err != nil {
		return total, err
	}

	n, err = encodeString(w, p.ClientID)
	total += n
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		n, err = encodeString(w, p.WillTopic)
		total += n
		if err != nil {
			return total, err
		}

		n, err = encodeBinary(w, p.WillPayload)
		total += n
		if err != nil {
			return total, err
		}
	}

	if p.Username != "" {
		n, err = encodeString(w, p.Username)
		total += n
		if err != nil {
			return total, err
		}
	}

	if len(p.Password) > 0 {
		n, err = encodeBinary(w, p.Password)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// Decode reads the packet from the reader.
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	name, total, err := decodeString(r)
	if err != nil {
		return total, err
	}
	if name != protocolName {
		return total, ErrInvalidProtocolName
	}

	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	total += n
	if err != nil {
		return total, err
	}

	if buf[0] != protocolVersion {
		return total, ErrInvalidProtocolVersion
	}

	flags := buf[1]
	if flags&0x01 != 0 {
		return total, ErrInvalidConnectFlags
	}

	p.CleanSession = flags&connectFlagCleanSession != 0
	p.WillFlag = flags&connectFlagWill != 0
	p.WillQoS = (flags >> connectFlagWillQoSShift) & 0x03
	p.WillRetain = flags&connectFlagWillRetain != 0

	p.KeepAlive, n, err = decodeUint16(r)
	total += n
	if err != nil {
		return total, err
	}

	p.ClientID, n, err = decodeString(r)
	total += n
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		p.WillTopic, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}

		p.WillPayload, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagUsername != 0 {
		p.Username, n, err = decodeString(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	if flags&connectFlagPassword != 0 {
		p.Password, n, err = decodeBinary(r)
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, p.Validate()
}

// Validate validates the packet contents.
func (p *ConnectPacket) Validate() error {
	if p.ClientID == "" && !p.CleanSession {
		return ErrClientIDRequired
	}

	if len(p.Password) > 0 && p.Username == "" {
		return ErrPasswordWithoutUser
	}

	if p.WillFlag {
		if p.WillQoS > QoS1 {
			return ErrInvalidQoS
		}
		if err := ValidateTopicName(p.WillTopic); err != nil {
			return err
		}
	} else if p.WillQoS != 0 || p.WillRetain {
		return ErrInvalidConnectFlags
	}

	return nil
}
