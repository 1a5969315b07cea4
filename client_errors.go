package mqttclient

import (
	"errors"
	"fmt"
	"time"
)

// EventHandler receives client lifecycle events.
type EventHandler func(client *Client, event error)

// Sentinel events for client lifecycle - check with errors.Is().
var (
	// ErrConnected is emitted when the client successfully connects.
	ErrConnected = errors.New("connected")

	// ErrDisconnected is emitted when the client disconnects and is the
	// failure cause of operations still outstanding at that moment.
	ErrDisconnected = errors.New("disconnected")

	// ErrConnectionLost is emitted when the connection is torn down by a
	// fatal error.
	ErrConnectionLost = errors.New("connection lost")

	// ErrReconnecting is emitted before each automatic reconnection attempt.
	ErrReconnecting = errors.New("reconnecting")

	// ErrReconnectFailed is emitted when automatic reconnection gives up.
	ErrReconnectFailed = errors.New("reconnect failed")
)

// Error taxonomy - check with errors.Is().
var (
	// ErrBadParameter is returned for caller misuse, before any I/O.
	ErrBadParameter = errors.New("bad parameter")

	// ErrNoMemory is returned when a bounded table (packet identifiers,
	// in-flight window) has no free slot.
	ErrNoMemory = errors.New("no memory")

	// ErrBufferTooSmall is returned when a packet does not fit a fixed
	// send or receive buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNetwork is returned for transport failures. Fatal to the connection.
	ErrNetwork = errors.New("network error")

	// ErrTimeout is returned when a deadline is missed. Fatal when waiting
	// for CONNACK or PINGRESP, local to the operation otherwise.
	ErrTimeout = errors.New("timeout")

	// ErrServerRefused is returned when the server rejects a request, such
	// as a CONNACK refusal or a SUBACK failure code.
	ErrServerRefused = errors.New("server refused")

	// ErrRetriesExhausted is returned when a backoff policy or retry limit
	// runs out of attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrProtocolViolation is returned for malformed or unexpected packets.
	// Fatal to the connection.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotConnected is returned when an operation requires an active connection.
	ErrNotConnected = errors.New("not connected")

	// ErrTransitionInProgress is returned when an operation starts while a
	// CONNECT or DISCONNECT transition is running.
	ErrTransitionInProgress = errors.New("connection transition in progress")

	// ErrRandFailure is returned when the random source of a backoff policy fails.
	ErrRandFailure = errors.New("random source failure")
)

// Derived errors.
var (
	// ErrKeepAliveTimeout is the fatal error raised when PINGRESP does not
	// arrive within the response timeout.
	ErrKeepAliveTimeout = fmt.Errorf("keep-alive: %w", ErrTimeout)

	// ErrNoResponse is the terminal error of a QoS 1 publish whose retry
	// limit ran out without a PUBACK.
	ErrNoResponse = fmt.Errorf("no response: %w", ErrRetriesExhausted)
)

// ConnectedEvent contains details about a successful connection.
// Extract with errors.As().
type ConnectedEvent struct {
	err            error
	Server         string
	SessionPresent bool
}

func (e *ConnectedEvent) Error() string { return e.err.Error() }
func (e *ConnectedEvent) Unwrap() error { return e.err }

// NewConnectedEvent creates a new ConnectedEvent.
func NewConnectedEvent(server string, sessionPresent bool) *ConnectedEvent {
	return &ConnectedEvent{
		err:            ErrConnected,
		Server:         server,
		SessionPresent: sessionPresent,
	}
}

// DisconnectEvent is emitted after a requested disconnect completed.
// Extract with errors.As().
type DisconnectEvent struct {
	err error

	// SendErr is the error from sending DISCONNECT, if any. The client is
	// disconnected regardless.
	SendErr error
}

func (e *DisconnectEvent) Error() string {
	if e.SendErr != nil {
		return "disconnected: " + e.SendErr.Error()
	}
	return "disconnected"
}

func (e *DisconnectEvent) Unwrap() error { return e.err }

// NewDisconnectEvent creates a new DisconnectEvent.
func NewDisconnectEvent(sendErr error) *DisconnectEvent {
	return &DisconnectEvent{
		err:     ErrDisconnected,
		SendErr: sendErr,
	}
}

// ReconnectEvent contains details about a reconnection attempt.
// Extract with errors.As().
type ReconnectEvent struct {
	err         error
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	cancelFn    func()
}

func (e *ReconnectEvent) Error() string { return e.err.Error() }
func (e *ReconnectEvent) Unwrap() error { return e.err }

// Cancel stops further reconnection attempts.
func (e *ReconnectEvent) Cancel() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt, maxAttempts int, delay time.Duration, cancelFn func()) *ReconnectEvent {
	return &ReconnectEvent{
		err:         ErrReconnecting,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		cancelFn:    cancelFn,
	}
}

// PublishError contains details about a failed QoS 1 publish.
// Extract with errors.As().
type PublishError struct {
	err      error
	Topic    string
	PacketID uint16
	Retries  int
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %q (packet %d, %d retries): %v", e.Topic, e.PacketID, e.Retries, e.err)
}

func (e *PublishError) Unwrap() error { return e.err }

// NewPublishError creates a new PublishError.
func NewPublishError(cause error, topic string, packetID uint16, retries int) *PublishError {
	return &PublishError{
		err:      cause,
		Topic:    topic,
		PacketID: packetID,
		Retries:  retries,
	}
}

// SubscribeError reports a topic filter the server refused in SUBACK.
// Extract with errors.As().
type SubscribeError struct {
	err         error
	TopicFilter string
	ReturnCode  byte
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe %q refused: return code 0x%02x", e.TopicFilter, e.ReturnCode)
}

func (e *SubscribeError) Unwrap() error { return e.err }

// NewSubscribeError creates a new SubscribeError.
func NewSubscribeError(filter string, code byte) *SubscribeError {
	return &SubscribeError{
		err:         ErrServerRefused,
		TopicFilter: filter,
		ReturnCode:  code,
	}
}

// ConnectionLostError contains details about an unexpected disconnection.
// Extract with errors.As(). Both ErrConnectionLost and the cause match
// errors.Is().
type ConnectionLostError struct {
	err   error
	Cause error
}

func (e *ConnectionLostError) Error() string {
	if e.Cause != nil {
		return "connection lost: " + e.Cause.Error()
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.err}
	}
	return []error{e.err, e.Cause}
}

// NewConnectionLostError creates a new ConnectionLostError.
func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{
		err:   ErrConnectionLost,
		Cause: cause,
	}
}

// ConnectError reports a CONNACK refusal.
// Extract with errors.As().
type ConnectError struct {
	err        error
	ReturnCode ConnectReturnCode
}

func (e *ConnectError) Error() string {
	return "connect refused: " + e.ReturnCode.String()
}

func (e *ConnectError) Unwrap() error { return e.err }

// NewConnectError creates a new ConnectError from a CONNACK return code.
func NewConnectError(code ConnectReturnCode) *ConnectError {
	return &ConnectError{
		err:        ErrServerRefused,
		ReturnCode: code,
	}
}

// isFatal reports whether err forces connection teardown.
func isFatal(err error) bool {
	return errors.Is(err, ErrNetwork) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrKeepAliveTimeout)
}

// badParameter wraps err so it matches ErrBadParameter.
func badParameter(err error) error {
	return fmt.Errorf("%w: %w", ErrBadParameter, err)
}

// protocolViolation wraps err so it matches ErrProtocolViolation.
func protocolViolation(err error) error {
	if errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
}
