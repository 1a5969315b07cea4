package mqttclient

// WillMessage represents an MQTT Last Will and Testament message. The server
// publishes it when the connection closes without a DISCONNECT.
// MQTT 3.1.1: Section 3.1.2.5
type WillMessage struct {
	// Topic is the will topic.
	Topic string

	// Payload is the will payload.
	Payload []byte

	// QoS is the quality of service level (0 or 1).
	QoS byte

	// Retain indicates if the will message should be retained.
	Retain bool
}

// WillMessageFromConnect extracts the will message from a CONNECT packet.
func WillMessageFromConnect(pkt *ConnectPacket) *WillMessage {
	if !pkt.WillFlag {
		return nil
	}

	return &WillMessage{
		Topic:   pkt.WillTopic,
		Payload: pkt.WillPayload,
		QoS:     pkt.WillQoS,
		Retain:  pkt.WillRetain,
	}
}

// ToMessage converts a WillMessage to a Message.
func (w *WillMessage) ToMessage() *Message {
	return &Message{
		Topic:   w.Topic,
		Payload: w.Payload,
		QoS:     w.QoS,
		Retain:  w.Retain,
	}
}

// Validate validates the will message.
func (w *WillMessage) Validate() error {
	if err := ValidateTopicName(w.Topic); err != nil {
		return err
	}
	if w.QoS > QoS1 {
		return ErrInvalidQoS
	}
	return nil
}

// apply sets the will fields of a CONNECT packet.
func (w *WillMessage) apply(pkt *ConnectPacket) {
	if w == nil {
		return
	}
	pkt.WillFlag = true
	pkt.WillTopic = w.Topic
	pkt.WillPayload = w.Payload
	pkt.WillQoS = w.QoS
	pkt.WillRetain = w.Retain
}
