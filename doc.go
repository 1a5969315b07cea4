// Package mqttclient provides an MQTT 3.1.1 client with QoS 0 and QoS 1
// delivery.
//
// This package implements the client side of the MQTT Version 3.1.1 OASIS
// Standard: https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Features
//
//   - CONNECT, PUBLISH, SUBSCRIBE, UNSUBSCRIBE, PINGREQ and DISCONNECT flows
//   - QoS 1 retransmission with DUP, bounded in-flight window and retry limit
//   - Per-subscription handlers with wildcard routing (+, #)
//   - Persistent sessions restored across reconnects
//   - Full-jitter backoff for connect retry, reconnect and subscribe retry
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC and Unix sockets
//   - HTTP CONNECT and SOCKS5 proxies, mDNS broker discovery
//
// # Client
//
// Create a client with options, then connect:
//
//	client, err := mqttclient.New(
//	    mqttclient.WithServers("tcp://localhost:1883"),
//	    mqttclient.WithClientID("my-client"),
//	    mqttclient.WithKeepAlive(60),
//	)
//	if err != nil {
//	    return err
//	}
//	sessionPresent, err := client.Connect(ctx)
//	defer client.Disconnect()
//
// Servers are tried in round-robin order. Supported schemes are tcp, mqtt,
// ssl, tls, mqtts, ws, wss, quic and unix. WithServerResolver supplies
// servers at connect time, for example from an MDNSResolver.
//
// # Operations and Tokens
//
// Subscribe, Unsubscribe and Publish return a Token that completes when the
// server acknowledges the operation. QoS 0 publishes complete once written:
//
//	tok, err := client.Subscribe(ctx, []mqttclient.Subscription{
//	    {TopicFilter: "sensors/+/temp", QoS: 1, Handler: onTemp},
//	})
//	if err == nil {
//	    err = client.Wait(tok, 5*time.Second)
//	}
//
//	tok, err = client.Publish(ctx, &mqttclient.Message{
//	    Topic:   "sensors/room1/temp",
//	    Payload: []byte("21.5"),
//	    QoS:     1,
//	})
//
// WithCallback completes a call through a function instead. Callbacks and
// message handlers run on the receive path and must not wait on tokens.
//
// # Persistent Sessions
//
// With WithCleanSession(false) the server keeps subscriptions between
// connections. ConnectRestoreSession re-registers handlers for a known
// subscription set and subscribes again only if the server lost the session:
//
//	err := client.ConnectRestoreSession(ctx, subs)
//
// # Manual Processing
//
// WithManualProcessing disables the background reader. The caller drives
// the receive path with ProcessIncoming, and Client.Wait reads packets until
// the token completes.
//
// # Events
//
// OnEvent receives connection events as errors. Use errors.As to
// tell them apart:
//
//	var lost *mqttclient.ConnectionLostError
//	var reconnect *mqttclient.ReconnectEvent
//
// ReconnectEvent.Cancel stops automatic reconnection.
//
// # Configuration
//
// LoadConfig reads client options from a YAML file:
//
//	cfg, err := mqttclient.LoadConfig("client.yaml")
//	opts, err := cfg.Options()
//	client, err := mqttclient.New(opts...)
//
// # Topic Matching
//
// Topic validation and matching support MQTT wildcards:
//
//	err := mqttclient.ValidateTopicName("sensors/temperature")
//	err = mqttclient.ValidateTopicFilter("sensors/+/status")
//	matched := mqttclient.TopicMatch("sensors/#", "sensors/room1/temp")
//
// # Metrics
//
//	metrics := mqttclient.NewPrometheusMetrics(prometheus.DefaultRegisterer)
//	client, err := mqttclient.New(mqttclient.WithMetrics(metrics))
//
// NewMemoryMetrics keeps values in memory for tests.
//
// # Logging
//
// Implement the Logger interface or use one of the provided loggers:
//
//	logger := mqttclient.NewSlogLogger(slog.Default(), mqttclient.LogLevelInfo)
//	client, err := mqttclient.New(mqttclient.WithLogger(logger))
package mqttclient
