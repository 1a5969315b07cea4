package mqttclient

import (
	"context"
	"crypto/tls"
	"time"

	"golang.org/x/time/rate"
)

// ServerResolver is a function that returns a list of server addresses.
// It is called before each connection attempt to enable dynamic service discovery.
// The addresses should be in URI format: scheme://host:port (e.g., "tcp://broker:1883").
type ServerResolver func(ctx context.Context) ([]string, error)

// Default connection settings.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second

	DefaultConnectRetryBase     = 500 * time.Millisecond
	DefaultConnectRetryMax      = 10 * time.Second
	DefaultConnectRetryAttempts = 3

	DefaultReconnectBase     = 1 * time.Second
	DefaultReconnectMax      = 60 * time.Second
	DefaultReconnectAttempts = 10
)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	clientID     string
	username     string
	password     []byte
	keepAlive    uint16
	cleanSession bool
	will         *WillMessage

	// Transport
	tlsConfig    *tls.Config
	dialFunc     DialFunc
	proxyConfig  *ProxyConfig
	proxyFromEnv bool

	// Timeouts
	connectTimeout      time.Duration
	writeTimeout        time.Duration
	packetTimeout       time.Duration
	pingResponseTimeout time.Duration
	pingSendTimeout     time.Duration

	// Codec buffers
	sendBufferSize int
	recvBufferSize int

	// QoS 1 delivery
	maxInflight      uint16
	retryInterval    time.Duration
	retryLimit       int
	retransmitPolicy RetransmitPolicy
	publishRate      rate.Limit
	publishBurst     int

	// Connect retry and auto reconnect, both full-jitter
	connectRetryBase     time.Duration
	connectRetryMax      time.Duration
	connectRetryAttempts int
	autoReconnect        bool
	reconnectBase        time.Duration
	reconnectMax         time.Duration
	maxReconnects        int
	rand                 RandFunc

	// Receive path
	manualProcessing bool

	// Handlers
	onEvent   EventHandler
	onMessage MessageHandler

	// Observability
	logger  Logger
	metrics Metrics

	// Interceptors
	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	// Multi-server support
	servers        []string       // Static server list
	serverResolver ServerResolver // Dynamic server discovery
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *clientOptions {
	return &clientOptions{
		keepAlive:            60,
		cleanSession:         true,
		connectTimeout:       DefaultConnectTimeout,
		writeTimeout:         DefaultWriteTimeout,
		packetTimeout:        DefaultPacketTimeout,
		pingResponseTimeout:  DefaultPingResponseTimeout,
		pingSendTimeout:      DefaultPingSendTimeout,
		sendBufferSize:       DefaultBufferSize,
		recvBufferSize:       DefaultBufferSize,
		maxInflight:          DefaultMaxInflight,
		retryInterval:        DefaultRetryInterval,
		retryLimit:           DefaultRetryLimit,
		retransmitPolicy:     RetransmitReuseID,
		connectRetryBase:     DefaultConnectRetryBase,
		connectRetryMax:      DefaultConnectRetryMax,
		connectRetryAttempts: DefaultConnectRetryAttempts,
		reconnectBase:        DefaultReconnectBase,
		reconnectMax:         DefaultReconnectMax,
		maxReconnects:        DefaultReconnectAttempts,
		logger:               NewNoOpLogger(),
		metrics:              NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithClientID sets the client identifier. An empty identifier is replaced
// by a generated one.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables
// keep-alive.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanSession sets whether the server discards session state on
// connect. A persistent session keeps subscriptions across reconnects.
func WithCleanSession(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanSession = clean
	}
}

// WithWill sets the Will message that will be published if the client disconnects unexpectedly.
func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(o *clientOptions) {
		o.will = &WillMessage{
			Topic:   topic,
			Payload: payload,
			QoS:     qos,
			Retain:  retain,
		}
	}
}

// WithTLS sets the TLS configuration for secure connections.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithDialFunc replaces scheme-based dialing. The function receives each
// server address as configured.
func WithDialFunc(dial DialFunc) Option {
	return func(o *clientOptions) {
		o.dialFunc = dial
	}
}

// WithProxy routes TCP, TLS and WebSocket connections through an HTTP
// CONNECT or SOCKS5 proxy.
func WithProxy(config ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxyConfig = &config
	}
}

// WithProxyFromEnvironment uses HTTP_PROXY, HTTPS_PROXY and NO_PROXY to
// pick a proxy per server. An explicit WithProxy takes precedence.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithConnectTimeout bounds the wait for CONNACK. A missing CONNACK is fatal.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds sends issued without a context deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithPacketTimeout bounds the arrival of the rest of a packet once its
// first byte has been received.
func WithPacketTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.packetTimeout = d
	}
}

// WithPingResponseTimeout sets how long a PINGREQ may stay unanswered
// before the connection is considered dead.
func WithPingResponseTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.pingResponseTimeout = d
	}
}

// WithPingSendTimeout bounds the transport send of a PINGREQ.
func WithPingSendTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.pingSendTimeout = d
	}
}

// WithBufferSize sets the capacity of the codec's fixed send and receive
// buffers. Packets that do not fit fail with ErrBufferTooSmall.
func WithBufferSize(send, recv int) Option {
	return func(o *clientOptions) {
		o.sendBufferSize = send
		o.recvBufferSize = recv
	}
}

// WithMaxInflight bounds the number of unacknowledged QoS 1 publishes.
func WithMaxInflight(n uint16) Option {
	return func(o *clientOptions) {
		o.maxInflight = n
	}
}

// WithRetryInterval sets how long a QoS 1 publish waits for PUBACK before
// it is resent.
func WithRetryInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.retryInterval = d
	}
}

// WithRetryLimit sets the number of DUP retransmissions of a QoS 1 publish
// before it fails with ErrNoResponse.
func WithRetryLimit(n int) Option {
	return func(o *clientOptions) {
		o.retryLimit = n
	}
}

// WithRetransmitPolicy selects the packet identifier QoS 1 retransmissions use.
func WithRetransmitPolicy(policy RetransmitPolicy) Option {
	return func(o *clientOptions) {
		o.retransmitPolicy = policy
	}
}

// WithPublishRateLimit throttles Publish to limit messages per second with
// the given burst. Publish blocks on the limiter under its context.
func WithPublishRateLimit(limit rate.Limit, burst int) Option {
	return func(o *clientOptions) {
		o.publishRate = limit
		o.publishBurst = burst
	}
}

// WithConnectRetry sets the full-jitter backoff Connect uses while the
// transport cannot be established. Use RetryForever for unlimited attempts.
func WithConnectRetry(base, maxDelay time.Duration, attempts int) Option {
	return func(o *clientOptions) {
		o.connectRetryBase = base
		o.connectRetryMax = maxDelay
		o.connectRetryAttempts = attempts
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithReconnectBackoff sets the full-jitter delay bounds between
// reconnection attempts.
func WithReconnectBackoff(base, maxDelay time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBase = base
		o.reconnectMax = maxDelay
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts.
// Use RetryForever for unlimited attempts.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = n
	}
}

// WithRand sets the random source of every backoff the client creates.
// A seeded source makes retry delays reproducible.
func WithRand(rnd RandFunc) Option {
	return func(o *clientOptions) {
		o.rand = rnd
	}
}

// WithManualProcessing disables the background receive loop. The
// application drives the receive path with ProcessIncoming or Wait.
func WithManualProcessing(enabled bool) Option {
	return func(o *clientOptions) {
		o.manualProcessing = enabled
	}
}

// OnEvent sets the event handler for client lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// OnMessage sets the handler for messages no subscription handler takes,
// and for subscriptions registered without a handler.
func OnMessage(handler MessageHandler) Option {
	return func(o *clientOptions) {
		o.onMessage = handler
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink. The default discards everything.
func WithMetrics(metrics Metrics) Option {
	return func(o *clientOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithProducerInterceptors sets the producer interceptors for outgoing messages.
// Interceptors are called in order before a message is published.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors sets the consumer interceptors for incoming messages.
// Interceptors are called in order before a message is delivered to handlers.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithServers sets a static list of server addresses for connection attempts.
// Servers are tried in round-robin order on each connection/reconnection.
// Addresses should be in URI format: scheme://host:port (e.g., "tcp://broker:1883").
// Multiple calls append to the existing list.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithServerResolver sets a dynamic server resolver for service discovery.
// The resolver is called before each connection/reconnection attempt.
// If the resolver returns an error or empty list, static servers are used as fallback.
func WithServerResolver(resolver ServerResolver) Option {
	return func(o *clientOptions) {
		o.serverResolver = resolver
	}
}

// applyOptions applies all options to the default options.
func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.rand == nil {
		options.rand = DefaultRand()
	}
	return options
}

// CallOption configures a single Subscribe, Unsubscribe or Publish call.
type CallOption func(*callOptions)

type callOptions struct {
	callback func(*Token)
}

// WithCallback completes the call through fn instead of a blocking wait.
// fn runs on the receive path and must not block.
func WithCallback(fn func(*Token)) CallOption {
	return func(o *callOptions) {
		o.callback = fn
	}
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
