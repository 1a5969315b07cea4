package mqttclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MessageHandler handles incoming MQTT messages. Handlers run on the receive
// path and must not wait on tokens of the same client.
type MessageHandler func(msg *Message)

var (
	// ErrNoServers is returned by New when no server source is configured.
	ErrNoServers = errors.New("no servers configured: use WithServers() or WithServerResolver()")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrManualProcessing is returned by ProcessIncoming when the background
	// receive loop owns the receive path.
	ErrManualProcessing = errors.New("ProcessIncoming requires WithManualProcessing")

	// ErrDuplicateFilter is returned when one SUBSCRIBE lists a topic filter
	// more than once.
	ErrDuplicateFilter = errors.New("duplicate topic filter in request")
)

// Client is an MQTT 3.1.1 client. It owns one connection at a time and all
// of its protocol state; independent clients share nothing.
type Client struct {
	options *clientOptions
	logger  Logger
	metrics *ClientMetrics
	limiter *rate.Limiter

	codec     *Codec
	tracker   *OperationTracker
	subs      *SubscriptionManager
	retry     *RetryEngine
	keepAlive *KeepAliveMonitor
	state     stateMachine

	connectBackoff   *Backoff
	reconnectBackoff *Backoff

	// Multi-server support
	serverIndex atomic.Uint32

	// Current connection
	connMu     sync.Mutex
	transport  Transport
	server     string
	cancel     context.CancelFunc
	readDone   chan struct{}
	pingSentAt atomic.Int64

	// Lifecycle control
	closed        atomic.Bool
	reconnecting  atomic.Bool
	reconnectStop chan struct{} // Used to cancel reconnection attempts
	reconnectMu   sync.Mutex    // Protects reconnectStop
}

// New creates a disconnected client. Use WithServers() or
// WithServerResolver() to configure server addresses.
func New(opts ...Option) (*Client, error) {
	options := applyOptions(opts...)

	if len(options.servers) == 0 && options.serverResolver == nil {
		return nil, badParameter(ErrNoServers)
	}
	if options.will != nil {
		if err := options.will.Validate(); err != nil {
			return nil, badParameter(fmt.Errorf("will: %w", err))
		}
	}
	if len(options.password) > 0 && options.username == "" {
		return nil, badParameter(ErrPasswordWithoutUser)
	}

	connectBackoff, err := NewBackoff(options.connectRetryBase, options.connectRetryMax, options.connectRetryAttempts, options.rand)
	if err != nil {
		return nil, fmt.Errorf("connect retry: %w", err)
	}

	maxReconnects := options.maxReconnects
	if maxReconnects < 0 {
		maxReconnects = RetryForever
	}
	reconnectBackoff, err := NewBackoff(options.reconnectBase, options.reconnectMax, maxReconnects, options.rand)
	if err != nil {
		return nil, fmt.Errorf("reconnect backoff: %w", err)
	}

	// Generate client ID if not provided
	if options.clientID == "" {
		options.clientID = generateClientID()
	}

	c := &Client{
		options:          options,
		logger:           options.logger.WithFields(LogFields{LogFieldClientID: options.clientID}),
		metrics:          NewClientMetrics(options.metrics),
		codec:            NewCodec(options.sendBufferSize, options.recvBufferSize),
		tracker:          NewOperationTracker(),
		subs:             NewSubscriptionManager(),
		keepAlive:        NewKeepAliveMonitor(time.Duration(options.keepAlive)*time.Second, options.pingResponseTimeout),
		connectBackoff:   connectBackoff,
		reconnectBackoff: reconnectBackoff,
	}

	if options.publishRate > 0 {
		c.limiter = rate.NewLimiter(options.publishRate, max(options.publishBurst, 1))
	}

	c.state.onChange = func(from, to ConnectionState) {
		c.metrics.StateChanged(to)
		c.logger.Debug("state changed", LogFields{"from": from.String(), LogFieldState: to.String()})
	}

	c.retry = NewRetryEngine(c.tracker, c.sendPublish, RetryConfig{
		Interval:    options.retryInterval,
		Limit:       options.retryLimit,
		Policy:      options.retransmitPolicy,
		MaxInflight: options.maxInflight,
	})
	c.retry.onRetransmit = func(rec *PublishRecord, err error) {
		c.metrics.Retransmitted()
		c.logger.Debug("publish retransmitted", LogFields{
			LogFieldTopic:    rec.Message.Topic,
			LogFieldPacketID: rec.PacketID,
			LogFieldRetries:  rec.Retries,
		})
		if err != nil && isFatal(err) {
			c.fail(nil, err)
		}
	}
	c.retry.onGiveUp = func(rec *PublishRecord) {
		c.metrics.PublishFailed()
		c.metrics.Inflight(c.retry.InFlight())
		c.logger.Warn("publish unacknowledged", LogFields{
			LogFieldTopic:    rec.Message.Topic,
			LogFieldPacketID: rec.PacketID,
			LogFieldRetries:  rec.Retries - 1,
		})
	}

	return c, nil
}

// ClientID returns the client identifier.
func (c *Client) ClientID() string {
	return c.options.clientID
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.state.load()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.load() == StateConnected
}

// Server returns the address of the current connection, empty when
// disconnected.
func (c *Client) Server() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.server
}

// Subscriptions returns the registered topic filters and their SUBACK state.
func (c *Client) Subscriptions() []SubscriptionInfo {
	return c.subs.Info()
}

// InFlight returns the number of unacknowledged QoS 1 publishes.
func (c *Client) InFlight() int {
	return c.retry.InFlight()
}

// Connect opens a connection and performs the CONNECT handshake. While the
// transport cannot be established Connect retries with full-jitter backoff
// (see WithConnectRetry) and returns an error matching ErrRetriesExhausted
// once the attempts are used up. A refused CONNACK returns a *ConnectError.
// When the server holds no session for the client, every registered topic
// filter is subscribed again before Connect returns.
func (c *Client) Connect(ctx context.Context) (bool, error) {
	c.closed.Store(false)

	sessionPresent, err := c.connect(ctx, c.options.cleanSession, c.connectBackoff.Clone())
	if err != nil {
		return false, err
	}

	if !sessionPresent {
		c.restoreSubscriptions(ctx)
	}

	return sessionPresent, nil
}

// ConnectRestoreSession connects with a persistent session and routes
// messages for subs to their handlers from the first packet on. If the
// server reports no session present, subs are subscribed again and the
// call waits for the SUBACK.
func (c *Client) ConnectRestoreSession(ctx context.Context, subs []Subscription) error {
	if len(subs) > 0 {
		if err := validateSubscriptions(subs); err != nil {
			return err
		}
	}

	c.closed.Store(false)

	if err := c.subs.Restore(subs); err != nil {
		return err
	}

	sessionPresent, err := c.connect(ctx, false, c.connectBackoff.Clone())
	if err != nil {
		return err
	}
	if sessionPresent {
		return nil
	}

	snapshot := c.subs.Snapshot()
	if len(snapshot) == 0 {
		return nil
	}

	c.logger.Info("session not present, subscribing again", LogFields{"filters": len(snapshot)})

	tok, err := c.subscribe(ctx, snapshot, nil)
	if err != nil {
		return err
	}
	return c.await(ctx, tok)
}

// connect runs one Disconnected to Connected transition. dialRetry bounds
// transport acquisition; nil means a single attempt.
func (c *Client) connect(ctx context.Context, cleanSession bool, dialRetry *Backoff) (bool, error) {
	if !c.state.transition(StateDisconnected, StateConnecting) {
		if c.state.load() == StateConnected {
			return false, badParameter(ErrAlreadyConnected)
		}
		return false, ErrTransitionInProgress
	}

	t, server, err := c.acquireTransport(ctx, dialRetry)
	if err != nil {
		c.state.set(StateDisconnected)
		c.logger.Warn("connect failed", LogFields{LogFieldServer: server, LogFieldError: err.Error()})
		return false, err
	}

	connack, err := c.handshake(ctx, t, cleanSession)
	if err != nil {
		_ = t.Close()
		c.state.set(StateDisconnected)
		c.logger.Warn("connect failed", LogFields{LogFieldServer: server, LogFieldError: err.Error()})
		return false, err
	}

	runCtx, readDone := c.attach(t, server)
	c.keepAlive.Reset(time.Now())
	c.state.set(StateConnected)

	if c.keepAlive.Enabled() {
		go c.keepAliveLoop(runCtx, t)
	}
	if readDone != nil {
		go c.readLoop(runCtx, t, readDone)
	}

	c.logger.Info("connected", LogFields{
		LogFieldServer:    server,
		"session_present": connack.SessionPresent,
	})
	c.emit(NewConnectedEvent(server, connack.SessionPresent))

	return connack.SessionPresent, nil
}

// acquireTransport dials servers in round-robin order until one accepts.
func (c *Client) acquireTransport(ctx context.Context, retry *Backoff) (Transport, string, error) {
	for {
		server, err := c.nextServer(ctx)
		if err != nil {
			return nil, "", err
		}

		t, err := c.dial(ctx, server)
		if err == nil {
			return t, server, nil
		}
		if errors.Is(err, ErrBadParameter) || ctx.Err() != nil || retry == nil {
			return nil, server, err
		}

		delay, berr := retry.Next()
		if berr != nil {
			return nil, server, fmt.Errorf("%w: %w", berr, err)
		}

		c.logger.Warn("dial failed, retrying", LogFields{
			LogFieldServer:  server,
			LogFieldAttempt: retry.Attempts(),
			LogFieldDelay:   delay.String(),
			LogFieldError:   err.Error(),
		})

		if err := sleepContext(ctx, delay); err != nil {
			return nil, server, err
		}
	}
}

// handshake sends CONNECT on t and waits for an accepting CONNACK within the
// connect timeout.
func (c *Client) handshake(ctx context.Context, t Transport, cleanSession bool) (*ConnackPacket, error) {
	pkt := &ConnectPacket{
		ClientID:     c.options.clientID,
		CleanSession: cleanSession,
		KeepAlive:    c.options.keepAlive,
		Username:     c.options.username,
		Password:     c.options.password,
	}
	c.options.will.apply(pkt)

	hctx, cancel := context.WithTimeout(ctx, c.options.connectTimeout)
	defer cancel()

	if err := c.send(hctx, t, pkt); err != nil {
		return nil, err
	}

	resp, err := c.codec.ReadPacket(hctx, t, c.options.packetTimeout)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrTimeout) && !errors.Is(err, ErrNetwork) {
			return nil, fmt.Errorf("%w: no CONNACK within %s", ErrTimeout, c.options.connectTimeout)
		}
		return nil, err
	}
	c.metrics.PacketReceived(resp.Type())

	connack, ok := resp.(*ConnackPacket)
	if !ok {
		return nil, protocolViolation(fmt.Errorf("expected CONNACK, got %s", resp.Type()))
	}

	c.metrics.Connected(connack.ReturnCode)
	if connack.ReturnCode != ConnectAccepted {
		return nil, NewConnectError(connack.ReturnCode)
	}

	return connack, nil
}

// nextServer returns the next server address to try using round-robin selection.
// It calls the resolver if configured, then falls back to static servers.
func (c *Client) nextServer(ctx context.Context) (string, error) {
	var servers []string

	// Try resolver first if configured
	if c.options.serverResolver != nil {
		resolved, err := c.options.serverResolver(ctx)
		if err == nil && len(resolved) > 0 {
			servers = resolved
		} else if err != nil {
			c.logger.Debug("server resolver failed", LogFields{LogFieldError: err.Error()})
		}
	}

	// Use static servers if no resolved servers
	if len(servers) == 0 {
		servers = c.options.servers
	}

	if len(servers) == 0 {
		return "", fmt.Errorf("%w: no servers available", ErrNetwork)
	}

	index := c.serverIndex.Add(1) - 1
	return servers[index%uint32(len(servers))], nil
}

// dial opens a transport to addr.
func (c *Client) dial(ctx context.Context, addr string) (Transport, error) {
	if c.options.dialFunc != nil {
		t, err := c.options.dialFunc(ctx, addr)
		if err != nil {
			return nil, asNetworkError(addr, err)
		}
		return t, nil
	}

	conn, err := c.dialConn(ctx, addr)
	if err != nil {
		return nil, asNetworkError(addr, err)
	}
	return NewConnTransport(conn), nil
}

func asNetworkError(addr string, err error) error {
	if errors.Is(err, ErrBadParameter) || errors.Is(err, ErrNetwork) {
		return err
	}
	return fmt.Errorf("%w: dial %s: %w", ErrNetwork, addr, err)
}

// dialConn creates the network connection for a scheme://host:port address.
func (c *Client) dialConn(ctx context.Context, addr string) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, badParameter(fmt.Errorf("invalid address: %w", err))
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "tcp", "mqtt":
			host = net.JoinHostPort(u.Hostname(), "1883")
		case "ssl", "tls", "mqtts", "quic":
			host = net.JoinHostPort(u.Hostname(), "8883")
		case "ws":
			host = net.JoinHostPort(u.Hostname(), "80")
		case "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	proxyDialer, err := c.resolveProxy(addr)
	if err != nil {
		return nil, badParameter(fmt.Errorf("proxy configuration: %w", err))
	}

	switch u.Scheme {
	case "tcp", "mqtt":
		if proxyDialer != nil {
			return proxyDialer.DialContext(ctx, "tcp", host)
		}
		return (&TCPDialer{}).Dial(ctx, host)

	case "ssl", "tls", "mqtts":
		if proxyDialer == nil {
			return (&TLSDialer{Config: c.options.tlsConfig}).Dial(ctx, host)
		}

		// Dial through proxy, then wrap with TLS
		conn, err := proxyDialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return nil, err
		}
		tlsConfig := c.options.tlsConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: u.Hostname()}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		return tlsConn, nil

	case "ws", "wss":
		wsDialer := NewWSDialer()
		if c.options.tlsConfig != nil {
			wsDialer.Dialer.TLSClientConfig = c.options.tlsConfig
		}
		switch {
		case c.options.proxyConfig != nil:
			wsDialer.Dialer.NetDialContext = proxyDialer.DialContext
		case c.options.proxyFromEnv:
			wsDialer.SetProxyFromEnvironment()
		}
		return wsDialer.Dial(ctx, addr)

	case "unix":
		// unix:///path/to/socket or unix://localhost/path/to/socket
		socketPath := u.Path
		if socketPath == "" {
			socketPath = u.Host + u.Path
		}
		return NewUnixDialer().Dial(ctx, socketPath)

	case "quic":
		// QUIC runs over UDP and cannot use a TCP proxy.
		return NewQUICDialer(c.options.tlsConfig).Dial(ctx, host)

	default:
		return nil, badParameter(fmt.Errorf("unsupported scheme: %q", u.Scheme))
	}
}

// resolveProxy returns a ProxyDialer based on client configuration.
// Returns nil if no proxy should be used.
func (c *Client) resolveProxy(targetAddr string) (*ProxyDialer, error) {
	if c.options.proxyConfig != nil {
		return NewProxyDialer(
			c.options.proxyConfig.URL,
			c.options.proxyConfig.Username,
			c.options.proxyConfig.Password,
		)
	}

	if c.options.proxyFromEnv {
		proxyURL, err := ProxyFromEnvironment(targetAddr)
		if err != nil {
			return nil, err
		}
		if proxyURL != nil {
			return NewProxyDialer(proxyURL.String(), "", "")
		}
	}

	return nil, nil
}

// attach installs t as the current connection.
func (c *Client) attach(t Transport, server string) (context.Context, chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())

	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.transport = t
	c.server = server
	c.cancel = cancel
	c.readDone = nil
	if !c.options.manualProcessing {
		c.readDone = make(chan struct{})
	}
	return ctx, c.readDone
}

// detach removes the current connection if it is t, or whichever is
// current when t is nil, and stops its loops.
func (c *Client) detach(t Transport) (Transport, chan struct{}) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.transport == nil || (t != nil && c.transport != t) {
		return nil, nil
	}

	cur, done := c.transport, c.readDone
	c.cancel()
	c.transport = nil
	c.server = ""
	c.cancel = nil
	c.readDone = nil
	return cur, done
}

func (c *Client) currentTransport() Transport {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.transport
}

// send encodes pkt onto t. Sends without a deadline are bounded by the
// write timeout. A successful send counts as keep-alive activity.
func (c *Client) send(ctx context.Context, t Transport, pkt Packet) error {
	if _, ok := ctx.Deadline(); !ok && c.options.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.writeTimeout)
		defer cancel()
	}

	n, err := c.codec.WritePacket(ctx, t, pkt)
	if err != nil {
		return err
	}

	c.keepAlive.Touch(time.Now())
	c.metrics.PacketSent(pkt.Type(), n)
	return nil
}

// writePacket sends pkt on t and tears the connection down on a fatal error.
func (c *Client) writePacket(ctx context.Context, t Transport, pkt Packet) error {
	err := c.send(ctx, t, pkt)
	if err != nil && isFatal(err) {
		c.fail(t, err)
	}
	return err
}

func (c *Client) sendPublish(ctx context.Context, pkt *PublishPacket) error {
	t := c.currentTransport()
	if t == nil {
		return ErrNotConnected
	}
	return c.send(ctx, t, pkt)
}

// emit sends an event to the event handler.
func (c *Client) emit(event error) {
	if c.options.onEvent != nil {
		c.options.onEvent(c, event)
	}
}

// fail tears down connection t after a fatal error: the transport is
// closed, every outstanding operation fails with a *ConnectionLostError and
// auto reconnect starts if enabled.
func (c *Client) fail(t Transport, cause error) {
	cur, _ := c.detach(t)
	if cur == nil {
		return
	}
	_ = cur.Close()
	prev := c.state.set(StateDisconnected)

	lost := NewConnectionLostError(cause)
	published := c.retry.Reset(lost)
	other := c.tracker.FailAll(lost)

	c.metrics.ConnectionLost()
	c.metrics.Inflight(0)
	c.logger.Error("connection lost", LogFields{
		LogFieldError: cause.Error(),
		"failed_ops":  published + other,
	})
	c.emit(lost)

	if c.options.autoReconnect && !c.closed.Load() && prev == StateConnected {
		go c.reconnectLoop()
	}
}

// Disconnect sends DISCONNECT, closes the transport and fails every
// outstanding operation with ErrDisconnected. The client ends Disconnected
// even when the DISCONNECT send fails; that error is returned.
//
// A reconnect attempt in progress is aborted. A Connect running on another
// goroutine is waited for up to the connect and write timeouts; if it is
// still running after that, Disconnect returns ErrTransitionInProgress and
// the client is torn down once Connect finishes.
func (c *Client) Disconnect() error {
	c.closed.Store(true)
	c.stopReconnect()
	c.awaitSettled(c.options.connectTimeout + c.options.writeTimeout)

	switch {
	case c.state.transition(StateConnected, StateDisconnecting):
	case c.state.load() == StateDisconnected:
		c.retry.Reset(ErrDisconnected)
		c.tracker.FailAll(ErrDisconnected)
		return nil
	default:
		return ErrTransitionInProgress
	}

	var sendErr error
	if t, readDone := c.detach(nil); t != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.options.writeTimeout)
		sendErr = c.send(ctx, t, &DisconnectPacket{})
		cancel()
		_ = t.Close()

		// Wait for readLoop to finish
		if readDone != nil {
			select {
			case <-readDone:
			case <-time.After(time.Second):
			}
		}
	}

	c.retry.Reset(ErrDisconnected)
	c.tracker.FailAll(ErrDisconnected)
	c.metrics.Inflight(0)
	if c.options.cleanSession {
		c.subs.Clear()
		c.metrics.Subscriptions(0)
	}

	c.state.set(StateDisconnected)

	if sendErr != nil {
		c.logger.Warn("DISCONNECT not sent", LogFields{LogFieldError: sendErr.Error()})
	}
	c.logger.Info("disconnected", nil)
	c.emit(NewDisconnectEvent(sendErr))

	return sendErr
}

// awaitSettled waits until no CONNECT or DISCONNECT transition runs, at
// most timeout.
func (c *Client) awaitSettled(timeout time.Duration) {
	if !c.state.load().transitional() {
		return
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for c.state.load().transitional() {
		select {
		case <-ticker.C:
		case <-deadline:
			return
		}
	}
}

func validateSubscriptions(subs []Subscription) error {
	if len(subs) == 0 {
		return badParameter(ErrEmptySubscribeList)
	}
	seen := make(map[string]struct{}, len(subs))
	for _, sub := range subs {
		if _, dup := seen[sub.TopicFilter]; dup {
			return badParameter(fmt.Errorf("%q: %w", sub.TopicFilter, ErrDuplicateFilter))
		}
		seen[sub.TopicFilter] = struct{}{}

		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return badParameter(fmt.Errorf("%q: %w", sub.TopicFilter, err))
		}
		if sub.QoS > QoS1 {
			return badParameter(fmt.Errorf("%q: %w: %d", sub.TopicFilter, ErrInvalidQoS, sub.QoS))
		}
	}
	return nil
}

// Subscribe sends SUBSCRIBE for subs. The token completes on SUBACK; its
// Results report the granted QoS or refusal of each filter, and Err matches
// ErrServerRefused if any filter was refused. Each filter's Handler receives
// matching messages from the moment Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, subs []Subscription, opts ...CallOption) (*Token, error) {
	if err := validateSubscriptions(subs); err != nil {
		return nil, err
	}
	if err := c.state.checkOperational(); err != nil {
		return nil, err
	}
	return c.subscribe(ctx, subs, applyCallOptions(opts).callback)
}

func (c *Client) subscribe(ctx context.Context, subs []Subscription, callback func(*Token)) (*Token, error) {
	t := c.currentTransport()
	if t == nil {
		return nil, ErrNotConnected
	}

	requested := slices.Clone(subs)
	tok := newToken(KindSubscribe, callback)
	tok.subscriptions = requested

	id, err := c.tracker.NextID()
	if err != nil {
		return nil, err
	}
	if _, err := c.tracker.Register(id, KindSubscribe, tok); err != nil {
		return nil, err
	}
	for _, sub := range requested {
		if err := c.subs.Add(sub.TopicFilter, sub.QoS, sub.Handler); err != nil {
			c.tracker.Take(id)
			c.subs.discard(requested)
			return nil, err
		}
	}

	if err := c.send(ctx, t, &SubscribePacket{PacketID: id, Subscriptions: requested}); err != nil {
		c.tracker.Take(id)
		c.subs.discard(requested)
		if isFatal(err) {
			c.fail(t, err)
		}
		return nil, err
	}

	c.logger.Debug("subscribe sent", LogFields{LogFieldPacketID: id, "filters": len(requested)})
	return tok, nil
}

// SubscribeWithRetry subscribes subs and waits for the SUBACK. Filters the
// server refuses are requested again after a delay drawn from b until b is
// exhausted, which returns an error matching both ErrRetriesExhausted and
// ErrServerRefused. Other failures return immediately.
func (c *Client) SubscribeWithRetry(ctx context.Context, subs []Subscription, b *Backoff) error {
	if b == nil {
		return badParameter(errors.New("nil backoff"))
	}

	pending := subs
	for {
		tok, err := c.Subscribe(ctx, pending)
		if err == nil {
			err = c.await(ctx, tok)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrServerRefused) {
			return err
		}

		pending = refusedSubscriptions(pending, tok.Results())

		delay, berr := b.Next()
		if berr != nil {
			return fmt.Errorf("%w: %w", berr, err)
		}

		c.logger.Warn("subscription refused, retrying", LogFields{
			LogFieldAttempt: b.Attempts(),
			LogFieldDelay:   delay.String(),
			LogFieldError:   err.Error(),
		})

		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

// refusedSubscriptions returns the entries of requested whose result is a
// refusal.
func refusedSubscriptions(requested []Subscription, results []SubscribeResult) []Subscription {
	var out []Subscription
	for i, r := range results {
		if r.Err != nil && i < len(requested) {
			out = append(out, requested[i])
		}
	}
	return out
}

// Unsubscribe sends UNSUBSCRIBE for filters. The filters are unregistered
// when the UNSUBACK arrives.
func (c *Client) Unsubscribe(ctx context.Context, filters []string, opts ...CallOption) (*Token, error) {
	if len(filters) == 0 {
		return nil, badParameter(ErrEmptySubscribeList)
	}
	for _, f := range filters {
		if err := ValidateTopicFilter(f); err != nil {
			return nil, badParameter(fmt.Errorf("%q: %w", f, err))
		}
	}
	if err := c.state.checkOperational(); err != nil {
		return nil, err
	}

	t := c.currentTransport()
	if t == nil {
		return nil, ErrNotConnected
	}

	tok := newToken(KindUnsubscribe, applyCallOptions(opts).callback)
	tok.topicFilters = slices.Clone(filters)

	id, err := c.tracker.NextID()
	if err != nil {
		return nil, err
	}
	if _, err := c.tracker.Register(id, KindUnsubscribe, tok); err != nil {
		return nil, err
	}

	if err := c.send(ctx, t, &UnsubscribePacket{PacketID: id, TopicFilters: tok.topicFilters}); err != nil {
		c.tracker.Take(id)
		if isFatal(err) {
			c.fail(t, err)
		}
		return nil, err
	}

	return tok, nil
}

func validatePublish(msg *Message) error {
	if msg.QoS > QoS1 {
		return badParameter(fmt.Errorf("%w: %d", ErrInvalidQoS, msg.QoS))
	}
	if err := ValidateTopicName(msg.Topic); err != nil {
		return badParameter(err)
	}
	return nil
}

// Publish sends msg. A QoS 0 token completes once the packet is handed to
// the transport. A QoS 1 token completes on PUBACK, or with a *PublishError
// matching ErrNoResponse after the retry limit. Cancelling ctx or a wait on
// the token never stops the retransmissions.
func (c *Client) Publish(ctx context.Context, msg *Message, opts ...CallOption) (*Token, error) {
	if msg == nil {
		return nil, badParameter(errors.New("nil message"))
	}
	if err := validatePublish(msg); err != nil {
		return nil, err
	}
	if err := c.state.checkOperational(); err != nil {
		return nil, err
	}

	tok := newToken(KindPublish, applyCallOptions(opts).callback)
	tok.topic = msg.Topic

	out := applyProducerInterceptors(c.logger, c.options.producerInterceptors, msg.Clone())
	if out == nil {
		// Message was filtered out by interceptor
		tok.complete(nil, nil)
		return tok, nil
	}
	if err := validatePublish(out); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: publish rate limit: %w", ErrTimeout, err)
		}
	}

	t := c.currentTransport()
	if err := c.retry.Publish(ctx, out, tok); err != nil {
		if isFatal(err) {
			c.fail(t, err)
		}
		return nil, err
	}

	c.metrics.MessagePublished(out.QoS)
	if out.QoS == QoS1 {
		c.metrics.Inflight(c.retry.InFlight())
	}

	return tok, nil
}

// Wait blocks until tok completes or timeout passes. With manual processing
// Wait drives the receive path itself. A timeout returns ErrTimeout and
// leaves the operation running.
func (c *Client) Wait(tok *Token, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.await(ctx, tok)
}

func (c *Client) await(ctx context.Context, tok *Token) error {
	if tok == nil {
		return badParameter(errors.New("nil token"))
	}
	if !c.options.manualProcessing {
		return tok.Wait(ctx)
	}
	if tok.callback != nil {
		return badParameter(ErrCallbackToken)
	}

	for {
		select {
		case <-tok.Done():
			return tok.Err()
		default:
		}

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for %s", ErrTimeout, tok.kind)
			}
			return err
		}

		t := c.currentTransport()
		if t == nil {
			<-tok.Done()
			return tok.Err()
		}

		if err := c.receive(ctx, t); err != nil && !errors.Is(err, ErrBufferTooSmall) {
			select {
			case <-tok.Done():
				return tok.Err()
			default:
				return err
			}
		}
	}
}

// ProcessIncoming receives and handles at most one packet, waiting up to
// timeout for it to start. It returns nil when no packet arrived. Only
// available with WithManualProcessing.
func (c *Client) ProcessIncoming(timeout time.Duration) error {
	if !c.options.manualProcessing {
		return badParameter(ErrManualProcessing)
	}
	if err := c.state.checkOperational(); err != nil {
		return err
	}

	t := c.currentTransport()
	if t == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.receive(ctx, t)
}

// readLoop reads packets from the connection.
func (c *Client) readLoop(ctx context.Context, t Transport, done chan struct{}) {
	defer close(done)

	for ctx.Err() == nil {
		err := c.receive(ctx, t)
		if err == nil || ctx.Err() != nil {
			continue
		}
		if isFatal(err) {
			return
		}
		c.logger.Warn("receive failed", LogFields{LogFieldError: err.Error()})
	}
}

// receive reads one packet from t and handles it. No data before ctx ends
// is not an error.
func (c *Client) receive(ctx context.Context, t Transport) error {
	pkt, err := c.codec.ReadPacket(ctx, t, c.options.packetTimeout)
	if err != nil {
		switch {
		case isFatal(err):
			c.fail(t, err)
		case errors.Is(err, ErrBufferTooSmall):
			c.metrics.OversizedPacket()
		case errors.Is(err, ErrTimeout):
			return nil
		}
		return err
	}

	if sized, ok := pkt.(sizedPacket); ok {
		c.metrics.BytesReceived(encodedSize(sized.remainingLength()))
	}
	c.metrics.PacketReceived(pkt.Type())

	return c.handlePacket(t, pkt)
}

// handlePacket processes an incoming packet.
func (c *Client) handlePacket(t Transport, pkt Packet) error {
	switch p := pkt.(type) {
	case *PublishPacket:
		return c.handlePublish(t, p)
	case *PubackPacket:
		return c.handlePuback(t, p)
	case *SubackPacket:
		return c.handleSuback(t, p)
	case *UnsubackPacket:
		return c.handleUnsuback(t, p)
	case *PingrespPacket:
		c.handlePingresp()
		return nil
	default:
		err := protocolViolation(fmt.Errorf("unexpected %s from server", pkt.Type()))
		c.fail(t, err)
		return err
	}
}

// handlePublish acknowledges a QoS 1 PUBLISH and then delivers it to every
// matching subscription, or to the OnMessage handler if none matches.
func (c *Client) handlePublish(t Transport, pkt *PublishPacket) error {
	if pkt.QoS > QoS1 {
		err := protocolViolation(fmt.Errorf("%w: QoS %d PUBLISH on %q", ErrQoS2Unsupported, pkt.QoS, pkt.Topic))
		c.fail(t, err)
		return err
	}

	if pkt.QoS == QoS1 {
		if err := c.writePacket(context.Background(), t, &PubackPacket{PacketID: pkt.PacketID}); err != nil {
			return err
		}
	}

	msg := applyConsumerInterceptors(c.logger, c.options.consumerInterceptors, pkt.ToMessage())
	if msg == nil {
		return nil
	}

	routed := c.subs.Dispatch(msg, c.options.onMessage) > 0
	if !routed && c.options.onMessage != nil {
		c.options.onMessage(msg)
	}
	c.metrics.MessageReceived(msg.QoS, routed)

	return nil
}

func (c *Client) handlePuback(t Transport, pkt *PubackPacket) error {
	var sentAt time.Time
	if op, ok := c.tracker.Lookup(pkt.PacketID); ok {
		sentAt = op.CreatedAt
	}

	acked, err := c.retry.Ack(pkt.PacketID)
	if err != nil {
		c.fail(t, err)
		return err
	}
	if !acked {
		c.logger.Debug("PUBACK for unknown packet", LogFields{LogFieldPacketID: pkt.PacketID})
		return nil
	}

	c.metrics.PublishAcked(time.Since(sentAt))
	c.metrics.Inflight(c.retry.InFlight())
	return nil
}

func (c *Client) handleSuback(t Transport, pkt *SubackPacket) error {
	op, ok := c.tracker.Lookup(pkt.PacketID)
	if !ok {
		c.logger.Debug("SUBACK for unknown packet", LogFields{LogFieldPacketID: pkt.PacketID})
		return nil
	}
	if op.Kind != KindSubscribe {
		err := protocolViolation(fmt.Errorf("SUBACK for %s packet %d", op.Kind, pkt.PacketID))
		c.fail(t, err)
		return err
	}
	if _, ok := c.tracker.Take(pkt.PacketID); !ok {
		return nil
	}

	results, err := c.subs.ApplySuback(op.Token.subscriptions, pkt.ReturnCodes)
	if err != nil {
		op.Token.complete(err, nil)
		c.fail(t, err)
		return err
	}

	c.metrics.Subscriptions(c.subs.Len())

	refused := refusedErr(results)
	if refused != nil {
		c.logger.Warn("subscription refused", LogFields{
			LogFieldPacketID: pkt.PacketID,
			LogFieldError:    refused.Error(),
		})
	}
	op.Token.complete(refused, results)

	return nil
}

func (c *Client) handleUnsuback(t Transport, pkt *UnsubackPacket) error {
	op, ok := c.tracker.Lookup(pkt.PacketID)
	if !ok {
		c.logger.Debug("UNSUBACK for unknown packet", LogFields{LogFieldPacketID: pkt.PacketID})
		return nil
	}
	if op.Kind != KindUnsubscribe {
		err := protocolViolation(fmt.Errorf("UNSUBACK for %s packet %d", op.Kind, pkt.PacketID))
		c.fail(t, err)
		return err
	}
	if _, ok := c.tracker.Take(pkt.PacketID); !ok {
		return nil
	}

	for _, filter := range op.Token.topicFilters {
		c.subs.Remove(filter)
	}
	c.metrics.Subscriptions(c.subs.Len())
	op.Token.complete(nil, nil)

	return nil
}

func (c *Client) handlePingresp() {
	c.keepAlive.PingResponse()
	if sentAt := c.pingSentAt.Swap(0); sentAt != 0 {
		c.metrics.PingRoundTrip(time.Since(time.Unix(0, sentAt)))
	}
}

// keepAliveLoop ticks the keep-alive monitor every quarter of the
// keep-alive interval.
func (c *Client) keepAliveLoop(ctx context.Context, t Transport) {
	ticker := time.NewTicker(c.keepAlive.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			switch c.keepAlive.check(now) {
			case keepAliveExpired:
				c.fail(t, fmt.Errorf("%w: no PINGRESP within %s", ErrKeepAliveTimeout, c.options.pingResponseTimeout))
				return
			case keepAliveSendPing:
				c.ping(ctx, t)
			}
		}
	}
}

func (c *Client) ping(ctx context.Context, t Transport) {
	now := time.Now()
	c.keepAlive.PingSent(now)
	c.pingSentAt.Store(now.UnixNano())

	pctx, cancel := context.WithTimeout(ctx, c.options.pingSendTimeout)
	defer cancel()

	if err := c.writePacket(pctx, t, &PingreqPacket{}); err != nil {
		if !isFatal(err) {
			// Not sent, so no PINGRESP is owed.
			c.keepAlive.PingResponse()
			c.pingSentAt.Store(0)
		}
		c.logger.Warn("PINGREQ not sent", LogFields{LogFieldError: err.Error()})
		return
	}

	c.metrics.PingSent()
}

// restoreSubscriptions subscribes every registered filter again after the
// server reported no session. Completion is only logged.
func (c *Client) restoreSubscriptions(ctx context.Context) {
	subs := c.subs.Snapshot()
	if len(subs) == 0 {
		return
	}

	_, err := c.subscribe(ctx, subs, func(tok *Token) {
		if err := tok.Err(); err != nil {
			c.logger.Warn("subscription restore failed", LogFields{LogFieldError: err.Error()})
		}
	})
	if err != nil {
		c.logger.Warn("subscription restore not sent", LogFields{LogFieldError: err.Error()})
	}
}

// stopReconnect cancels a running reconnect loop.
func (c *Client) stopReconnect() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	if c.reconnectStop != nil {
		select {
		case <-c.reconnectStop:
			// Already closed
		default:
			close(c.reconnectStop)
		}
	}
}

// reconnectLoop reconnects after a connection loss, waiting a full-jitter
// delay before every attempt.
func (c *Client) reconnectLoop() {
	if !c.options.autoReconnect || c.closed.Load() {
		return
	}

	if !c.reconnecting.CompareAndSwap(false, true) {
		return // Already reconnecting
	}
	defer c.reconnecting.Store(false)

	c.reconnectMu.Lock()
	c.reconnectStop = make(chan struct{})
	stopCh := c.reconnectStop
	c.reconnectMu.Unlock()

	backoff := c.reconnectBackoff.Clone()

	for {
		if c.closed.Load() {
			return
		}

		delay, err := backoff.Next()
		if err != nil {
			c.logger.Error("reconnect failed", LogFields{LogFieldAttempt: backoff.Attempts(), LogFieldError: err.Error()})
			c.emit(fmt.Errorf("%w: %w", ErrReconnectFailed, err))
			return
		}

		c.metrics.ReconnectAttempt()
		c.emit(NewReconnectEvent(backoff.Attempts(), backoff.MaxAttempts(), delay, c.stopReconnect))

		// Wait for backoff duration, checking for cancel
		timer := time.NewTimer(delay)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.options.connectTimeout)
		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		sessionPresent, err := c.connect(ctx, c.options.cleanSession, nil)
		if err == nil {
			if c.closed.Load() {
				cancel()
				_ = c.Disconnect()
				return
			}
			if !sessionPresent {
				c.restoreSubscriptions(ctx)
			}
			cancel()
			return
		}
		cancel()

		if c.state.load() == StateConnected {
			return
		}
		c.logger.Warn("reconnect attempt failed", LogFields{LogFieldAttempt: backoff.Attempts(), LogFieldError: err.Error()})
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// generateClientID generates a random 23 character client ID, the longest
// every 3.1.1 server must accept.
func generateClientID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "mqtt" + id[:19]
}
