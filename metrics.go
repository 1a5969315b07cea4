package mqttclient

import (
	"strconv"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	MetricTypeCounter MetricType = iota
	MetricTypeGauge
	MetricTypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeGauge:
		return "gauge"
	case MetricTypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics is the sink the client reports to. Implementations return the
// same instrument for the same name and label set.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)

	// ObserveDuration records a duration in seconds.
	ObserveDuration(d time.Duration)

	Count() uint64
	Sum() float64
}

// NoOpMetrics discards everything. It is the client default.
type NoOpMetrics struct{}

func (NoOpMetrics) Counter(string, MetricLabels) Counter     { return noOpCounter{} }
func (NoOpMetrics) Gauge(string, MetricLabels) Gauge         { return noOpGauge{} }
func (NoOpMetrics) Histogram(string, MetricLabels) Histogram { return noOpHistogram{} }

type noOpCounter struct{}

func (noOpCounter) Inc()           {}
func (noOpCounter) Add(float64)    {}
func (noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (noOpGauge) Set(float64)    {}
func (noOpGauge) Inc()           {}
func (noOpGauge) Dec()           {}
func (noOpGauge) Add(float64)    {}
func (noOpGauge) Sub(float64)    {}
func (noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (noOpHistogram) Observe(float64)               {}
func (noOpHistogram) ObserveDuration(time.Duration) {}
func (noOpHistogram) Count() uint64                 { return 0 }
func (noOpHistogram) Sum() float64                  { return 0 }

// Client metric names.
const (
	MetricConnectionState    = "mqtt_client_connection_state"
	MetricConnectsTotal      = "mqtt_client_connects_total"
	MetricConnectionLost     = "mqtt_client_connection_lost_total"
	MetricReconnectsTotal    = "mqtt_client_reconnect_attempts_total"
	MetricPacketsSent        = "mqtt_client_packets_sent_total"
	MetricPacketsReceived    = "mqtt_client_packets_received_total"
	MetricBytesSent          = "mqtt_client_bytes_sent_total"
	MetricBytesReceived      = "mqtt_client_bytes_received_total"
	MetricMessagesPublished  = "mqtt_client_messages_published_total"
	MetricMessagesReceived   = "mqtt_client_messages_received_total"
	MetricMessagesUnrouted   = "mqtt_client_messages_unrouted_total"
	MetricRetransmissions    = "mqtt_client_retransmissions_total"
	MetricPublishFailures    = "mqtt_client_publish_failures_total"
	MetricInflight           = "mqtt_client_inflight_messages"
	MetricSubscriptions      = "mqtt_client_subscriptions"
	MetricPingsSent          = "mqtt_client_pings_sent_total"
	MetricPingRoundTrip      = "mqtt_client_ping_round_trip_seconds"
	MetricPublishAckDuration = "mqtt_client_publish_ack_seconds"
	MetricOversizedPackets   = "mqtt_client_oversized_packets_total"
)

// Metric label names.
const (
	LabelPacketType = "packet_type"
	LabelQoS        = "qos"
	LabelReturnCode = "return_code"
)

// ClientMetrics records the client's standard instruments on a Metrics sink.
type ClientMetrics struct {
	metrics Metrics
}

// NewClientMetrics creates a ClientMetrics. A nil sink discards everything.
func NewClientMetrics(m Metrics) *ClientMetrics {
	if m == nil {
		m = NoOpMetrics{}
	}
	return &ClientMetrics{metrics: m}
}

func qosLabel(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}

// StateChanged records the current ConnectionState as a gauge value.
func (c *ClientMetrics) StateChanged(state ConnectionState) {
	c.metrics.Gauge(MetricConnectionState, nil).Set(float64(state))
}

// Connected records a completed CONNECT handshake.
func (c *ClientMetrics) Connected(code ConnectReturnCode) {
	labels := MetricLabels{LabelReturnCode: strconv.Itoa(int(code))}
	c.metrics.Counter(MetricConnectsTotal, labels).Inc()
}

// ConnectionLost records an unsolicited teardown.
func (c *ClientMetrics) ConnectionLost() {
	c.metrics.Counter(MetricConnectionLost, nil).Inc()
}

// ReconnectAttempt records one automatic reconnection attempt.
func (c *ClientMetrics) ReconnectAttempt() {
	c.metrics.Counter(MetricReconnectsTotal, nil).Inc()
}

// PacketSent records an outbound control packet of n bytes.
func (c *ClientMetrics) PacketSent(t PacketType, n int) {
	c.metrics.Counter(MetricPacketsSent, MetricLabels{LabelPacketType: t.String()}).Inc()
	c.metrics.Counter(MetricBytesSent, nil).Add(float64(n))
}

// PacketReceived records an inbound control packet.
func (c *ClientMetrics) PacketReceived(t PacketType) {
	c.metrics.Counter(MetricPacketsReceived, MetricLabels{LabelPacketType: t.String()}).Inc()
}

// BytesReceived records inbound bytes.
func (c *ClientMetrics) BytesReceived(n int) {
	c.metrics.Counter(MetricBytesReceived, nil).Add(float64(n))
}

// OversizedPacket records an inbound packet dropped for exceeding the
// receive buffer.
func (c *ClientMetrics) OversizedPacket() {
	c.metrics.Counter(MetricOversizedPackets, nil).Inc()
}

// MessagePublished records an accepted publish request.
func (c *ClientMetrics) MessagePublished(qos byte) {
	c.metrics.Counter(MetricMessagesPublished, qosLabel(qos)).Inc()
}

// MessageReceived records an inbound application message and whether any
// subscription handler took it.
func (c *ClientMetrics) MessageReceived(qos byte, routed bool) {
	c.metrics.Counter(MetricMessagesReceived, qosLabel(qos)).Inc()
	if !routed {
		c.metrics.Counter(MetricMessagesUnrouted, nil).Inc()
	}
}

// Retransmitted records one QoS 1 retransmission.
func (c *ClientMetrics) Retransmitted() {
	c.metrics.Counter(MetricRetransmissions, nil).Inc()
}

// PublishFailed records a QoS 1 publish that ended without PUBACK.
func (c *ClientMetrics) PublishFailed() {
	c.metrics.Counter(MetricPublishFailures, nil).Inc()
}

// PublishAcked records the time from first transmission to PUBACK.
func (c *ClientMetrics) PublishAcked(d time.Duration) {
	c.metrics.Histogram(MetricPublishAckDuration, nil).ObserveDuration(d)
}

// Inflight records the number of unacknowledged QoS 1 publishes.
func (c *ClientMetrics) Inflight(n int) {
	c.metrics.Gauge(MetricInflight, nil).Set(float64(n))
}

// Subscriptions records the number of registered topic filters.
func (c *ClientMetrics) Subscriptions(n int) {
	c.metrics.Gauge(MetricSubscriptions, nil).Set(float64(n))
}

// PingSent records a PINGREQ.
func (c *ClientMetrics) PingSent() {
	c.metrics.Counter(MetricPingsSent, nil).Inc()
}

// PingRoundTrip records the time between PINGREQ and PINGRESP.
func (c *ClientMetrics) PingRoundTrip(d time.Duration) {
	c.metrics.Histogram(MetricPingRoundTrip, nil).ObserveDuration(d)
}
