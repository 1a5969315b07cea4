package mqttclient

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for configuration files that cannot be
// turned into client options.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the YAML representation of client options. Zero values keep the
// option defaults. Durations are Go duration strings such as "30s".
type Config struct {
	Servers              []string         `yaml:"servers"`
	Discovery            *DiscoveryConfig `yaml:"discovery"`
	ClientID             string           `yaml:"client_id"`
	Username             string           `yaml:"username"`
	Password             string           `yaml:"password"`
	KeepAlive            *uint16          `yaml:"keep_alive"`
	CleanSession         *bool            `yaml:"clean_session"`
	Will                 *WillConfig      `yaml:"will"`
	TLS                  *TLSConfig       `yaml:"tls"`
	Proxy                *ProxyConfig     `yaml:"proxy"`
	ProxyFromEnvironment bool             `yaml:"proxy_from_environment"`
	Timeouts             TimeoutConfig    `yaml:"timeouts"`
	Buffers              BufferConfig     `yaml:"buffers"`
	Publish              PublishConfig    `yaml:"publish"`
	ConnectRetry         BackoffConfig    `yaml:"connect_retry"`
	Reconnect            ReconnectConfig  `yaml:"reconnect"`
	ManualProcessing     bool             `yaml:"manual_processing"`
	Logging              LoggingConfig    `yaml:"logging"`
}

// DiscoveryConfig enables mDNS broker discovery.
type DiscoveryConfig struct {
	Service string        `yaml:"service"`
	Domain  string        `yaml:"domain"`
	Timeout time.Duration `yaml:"timeout"`
}

// WillConfig is the Will message sent with CONNECT.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// TLSConfig configures TLS for ssl://, wss:// and quic:// servers.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// TimeoutConfig holds the client timeouts.
type TimeoutConfig struct {
	Connect      time.Duration `yaml:"connect"`
	Write        time.Duration `yaml:"write"`
	Packet       time.Duration `yaml:"packet"`
	PingResponse time.Duration `yaml:"ping_response"`
	PingSend     time.Duration `yaml:"ping_send"`
}

// BufferConfig sizes the codec buffers.
type BufferConfig struct {
	Send int `yaml:"send"`
	Recv int `yaml:"recv"`
}

// PublishConfig configures QoS 1 delivery and throttling.
type PublishConfig struct {
	MaxInflight      uint16        `yaml:"max_inflight"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryLimit       *int          `yaml:"retry_limit"`
	RetransmitPolicy string        `yaml:"retransmit_policy"`
	RateLimit        float64       `yaml:"rate_limit"`
	Burst            int           `yaml:"burst"`
}

// BackoffConfig holds full-jitter backoff bounds.
type BackoffConfig struct {
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
	Attempts *int          `yaml:"attempts"`
}

// ReconnectConfig configures automatic reconnection.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts *int          `yaml:"max_attempts"`
}

// LoggingConfig selects a slog-backed logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// ParseConfig parses YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing YAML: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration for values the options would reject.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 && c.Discovery == nil {
		return fmt.Errorf("%w: servers or discovery required", ErrInvalidConfig)
	}
	if c.Will != nil {
		will := WillMessage{Topic: c.Will.Topic, QoS: c.Will.QoS}
		if err := will.Validate(); err != nil {
			return fmt.Errorf("%w: will: %w", ErrInvalidConfig, err)
		}
	}
	if _, err := parseRetransmitPolicy(c.Publish.RetransmitPolicy); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging: %w", ErrInvalidConfig, err)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging: unknown format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

func parseRetransmitPolicy(s string) (RetransmitPolicy, error) {
	switch s {
	case "", RetransmitReuseID.String():
		return RetransmitReuseID, nil
	case RetransmitNewID.String():
		return RetransmitNewID, nil
	default:
		return 0, fmt.Errorf("%w: unknown retransmit policy %q", ErrInvalidConfig, s)
	}
}

// Options converts the configuration into client options. Logging goes to
// stderr.
func (c *Config) Options() ([]Option, error) {
	return c.options(os.Stderr)
}

func (c *Config) options(logOutput io.Writer) ([]Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	var opts []Option
	add := func(o ...Option) { opts = append(opts, o...) }

	if len(c.Servers) > 0 {
		add(WithServers(c.Servers...))
	}
	if d := c.Discovery; d != nil {
		add(WithServerResolver(NewMDNSResolver(d.Service, d.Domain, d.Timeout).Resolve))
	}
	if c.ClientID != "" {
		add(WithClientID(c.ClientID))
	}
	if c.Username != "" || c.Password != "" {
		add(WithCredentials(c.Username, c.Password))
	}
	if c.KeepAlive != nil {
		add(WithKeepAlive(*c.KeepAlive))
	}
	if c.CleanSession != nil {
		add(WithCleanSession(*c.CleanSession))
	}
	if w := c.Will; w != nil {
		add(WithWill(w.Topic, []byte(w.Payload), w.Retain, w.QoS))
	}

	if c.TLS != nil {
		tlsConfig, err := c.TLS.build()
		if err != nil {
			return nil, err
		}
		add(WithTLS(tlsConfig))
	}
	if c.Proxy != nil {
		add(WithProxy(*c.Proxy))
	}
	if c.ProxyFromEnvironment {
		add(WithProxyFromEnvironment(true))
	}

	t := c.Timeouts
	if t.Connect > 0 {
		add(WithConnectTimeout(t.Connect))
	}
	if t.Write > 0 {
		add(WithWriteTimeout(t.Write))
	}
	if t.Packet > 0 {
		add(WithPacketTimeout(t.Packet))
	}
	if t.PingResponse > 0 {
		add(WithPingResponseTimeout(t.PingResponse))
	}
	if t.PingSend > 0 {
		add(WithPingSendTimeout(t.PingSend))
	}

	if c.Buffers.Send > 0 || c.Buffers.Recv > 0 {
		add(WithBufferSize(c.Buffers.Send, c.Buffers.Recv))
	}

	p := c.Publish
	if p.MaxInflight > 0 {
		add(WithMaxInflight(p.MaxInflight))
	}
	if p.RetryInterval > 0 {
		add(WithRetryInterval(p.RetryInterval))
	}
	if p.RetryLimit != nil {
		add(WithRetryLimit(*p.RetryLimit))
	}
	policy, _ := parseRetransmitPolicy(p.RetransmitPolicy)
	add(WithRetransmitPolicy(policy))
	if p.RateLimit > 0 {
		add(WithPublishRateLimit(rate.Limit(p.RateLimit), p.Burst))
	}

	if r := c.ConnectRetry; r.Base > 0 || r.Max > 0 || r.Attempts != nil {
		attempts := DefaultConnectRetryAttempts
		if r.Attempts != nil {
			attempts = *r.Attempts
		}
		add(WithConnectRetry(orDefault(r.Base, DefaultConnectRetryBase), orDefault(r.Max, DefaultConnectRetryMax), attempts))
	}

	if r := c.Reconnect; r.Enabled {
		add(WithAutoReconnect(true))
		if r.Base > 0 || r.Max > 0 {
			add(WithReconnectBackoff(orDefault(r.Base, DefaultReconnectBase), orDefault(r.Max, DefaultReconnectMax)))
		}
		if r.MaxAttempts != nil {
			add(WithMaxReconnects(*r.MaxAttempts))
		}
	}

	if c.ManualProcessing {
		add(WithManualProcessing(true))
	}

	if c.Logging.Level != "" || c.Logging.Format != "" {
		level, _ := ParseLogLevel(c.Logging.Level)
		handlerOpts := &slog.HandlerOptions{Level: slogLevel(level)}

		var handler slog.Handler = slog.NewTextHandler(logOutput, handlerOpts)
		if c.Logging.Format == "json" {
			handler = slog.NewJSONHandler(logOutput, handlerOpts)
		}
		add(WithLogger(NewSlogLogger(slog.New(handler), level)))
	}

	return opts, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// build loads the certificate files into a tls.Config.
func (t *TLSConfig) build() (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, t.CAFile)
		}
		config.RootCAs = pool
	}

	if t.CertFile != "" || t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
