package mqttclient

import "strconv"

// ConnectReturnCode is the CONNACK return code.
// MQTT 3.1.1: Section 3.2.2.3
type ConnectReturnCode byte

// CONNACK return codes.
const (
	ConnectAccepted                   ConnectReturnCode = 0x00
	ConnectRefusedProtocolVersion     ConnectReturnCode = 0x01
	ConnectRefusedIdentifierRejected  ConnectReturnCode = 0x02
	ConnectRefusedServerUnavailable   ConnectReturnCode = 0x03
	ConnectRefusedBadUsernamePassword ConnectReturnCode = 0x04
	ConnectRefusedNotAuthorized       ConnectReturnCode = 0x05
)

var connectReturnCodeNames = map[ConnectReturnCode]string{
	ConnectAccepted:                   "connection accepted",
	ConnectRefusedProtocolVersion:     "unacceptable protocol version",
	ConnectRefusedIdentifierRejected:  "identifier rejected",
	ConnectRefusedServerUnavailable:   "server unavailable",
	ConnectRefusedBadUsernamePassword: "bad user name or password",
	ConnectRefusedNotAuthorized:       "not authorized",
}

// String returns a human-readable description of the return code.
func (c ConnectReturnCode) String() string {
	if name, ok := connectReturnCodeNames[c]; ok {
		return name
	}
	return "unknown return code 0x" + strconv.FormatUint(uint64(c), 16)
}

// Valid reports whether the code is defined by MQTT 3.1.1.
func (c ConnectReturnCode) Valid() bool {
	return c <= ConnectRefusedNotAuthorized
}

// SubackFailure is the SUBACK return code marking a rejected topic filter.
// MQTT 3.1.1: Section 3.9.3
const SubackFailure byte = 0x80

// validSubackCode reports whether b is a legal SUBACK return code for a
// client that never requests QoS 2.
func validSubackCode(b byte) bool {
	return b <= 0x02 || b == SubackFailure
}
