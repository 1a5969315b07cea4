package mqttclient

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribePacketEncode(t *testing.T) {
	pkt := &SubscribePacket{
		PacketID:      10,
		Subscriptions: []Subscription{{TopicFilter: "a/#", QoS: QoS1}},
	}

	var buf bytes.Buffer
	_, err := pkt.Encode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x82, 0x08, 0x00, 0x0A, 0x00, 0x03, 'a', '/', '#', 0x01}, buf.Bytes())
}

func TestSubscribePacketRoundTrip(t *testing.T) {
	pkt := &SubscribePacket{
		PacketID: 1,
		Subscriptions: []Subscription{
			{TopicFilter: "X/topic", QoS: QoS0},
			{TopicFilter: "+/status", QoS: QoS1},
		},
	}

	var buf bytes.Buffer
	_, err := pkt.Encode(&buf)
	require.NoError(t, err)

	var decoded SubscribePacket
	require.NoError(t, decodeBytes(t, buf.Bytes(), &decoded))
	assert.Equal(t, pkt, &decoded)
}

func TestSubscribePacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		pkt     SubscribePacket
		wantErr error
	}{
		{"no packet ID", SubscribePacket{Subscriptions: []Subscription{{TopicFilter: "a"}}}, ErrInvalidPacketID},
		{"no filters", SubscribePacket{PacketID: 1}, ErrEmptySubscribeList},
		{"bad filter", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a/#/b"}}}, ErrInvalidTopicFilter},
		{"bad QoS", SubscribePacket{PacketID: 1, Subscriptions: []Subscription{{TopicFilter: "a", QoS: 3}}}, ErrInvalidQoS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.pkt.Validate(), tt.wantErr)
		})
	}
}

func TestSubscribePacketDecodeReservedBits(t *testing.T) {
	data := []byte{0x82, 0x06, 0x00, 0x01, 0x00, 0x01, 'a', 0x04}

	var pkt SubscribePacket
	assert.ErrorIs(t, decodeBytes(t, data, &pkt), ErrReservedOptionsBits)
}

func TestSubackPacketRoundTrip(t *testing.T) {
	pkt := &SubackPacket{PacketID: 4, ReturnCodes: []byte{0x00, 0x01, SubackFailure}}

	var buf bytes.Buffer
	_, err := pkt.Encode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x05, 0x00, 0x04, 0x00, 0x01, 0x80}, buf.Bytes())

	var decoded SubackPacket
	require.NoError(t, decodeBytes(t, buf.Bytes(), &decoded))
	assert.Equal(t, pkt, &decoded)
}

func TestSubackPacketValidate(t *testing.T) {
	tests := []struct {
		name    string
		pkt     SubackPacket
		wantErr error
	}{
		{"no packet ID", SubackPacket{ReturnCodes: []byte{0}}, ErrInvalidPacketID},
		{"no codes", SubackPacket{PacketID: 1}, ErrProtocolViolation},
		{"undefined code", SubackPacket{PacketID: 1, ReturnCodes: []byte{0x03}}, ErrProtocolViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.pkt.Validate(), tt.wantErr)
		})
	}

	assert.True(t, validSubackCode(0x02))
	assert.True(t, validSubackCode(SubackFailure))
	assert.False(t, validSubackCode(0x81))
}

func TestSubackPacketDecodeTooShort(t *testing.T) {
	var pkt SubackPacket
	assert.ErrorIs(t, decodeBytes(t, []byte{0x90, 0x02, 0x00, 0x01}, &pkt), ErrProtocolViolation)
}
