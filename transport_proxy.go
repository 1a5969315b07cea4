package mqttclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"
)

// ProxyConfig holds proxy configuration for client connections.
type ProxyConfig struct {
	// URL is the proxy URL: http://host:port, https://host:port or
	// socks5://host:port.
	URL string `yaml:"url"`

	// Username for proxy authentication (optional).
	Username string `yaml:"username"`

	// Password for proxy authentication (optional).
	Password string `yaml:"password"`
}

// ProxyDialer dials through an HTTP CONNECT or SOCKS5 proxy.
type ProxyDialer struct {
	proxyURL *url.URL
	username string
	password string
	forward  net.Dialer
}

// NewProxyDialer creates a proxy dialer. Credentials embedded in proxyURL
// are used when username is empty.
func NewProxyDialer(proxyURL, username, password string) (*ProxyDialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", u.Scheme)
	}

	if username == "" && u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	return &ProxyDialer{
		proxyURL: u,
		username: username,
		password: password,
	}, nil
}

// DialContext connects to addr through the proxy.
func (d *ProxyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxyURL.Scheme == "socks5" || d.proxyURL.Scheme == "socks5h" {
		return d.dialSOCKS5(ctx, network, addr)
	}
	return d.dialHTTPConnect(ctx, addr)
}

func (d *ProxyDialer) proxyAddr(defaultPort string) string {
	if d.proxyURL.Port() != "" {
		return d.proxyURL.Host
	}
	return net.JoinHostPort(d.proxyURL.Hostname(), defaultPort)
}

// dialHTTPConnect opens a tunnel with an HTTP CONNECT request.
func (d *ProxyDialer) dialHTTPConnect(ctx context.Context, targetAddr string) (net.Conn, error) {
	defaultPort := "8080"
	if d.proxyURL.Scheme == "https" {
		defaultPort = "443"
	}

	conn, err := d.forward.DialContext(ctx, "tcp", d.proxyAddr(defaultPort))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	release := bindDeadline(ctx, conn.SetDeadline)
	defer func() {
		release()
		_ = conn.SetDeadline(time.Time{})
	}()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddr},
		Host:   targetAddr,
		Header: make(http.Header),
	}

	if d.username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(d.username + ":" + d.password))
		req.Header.Set("Proxy-Authorization", "Basic "+credentials)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	return conn, nil
}

// dialSOCKS5 opens a connection through a SOCKS5 proxy.
func (d *ProxyDialer) dialSOCKS5(ctx context.Context, network, targetAddr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.username != "" {
		auth = &proxy.Auth{User: d.username, Password: d.password}
	}

	dialer, err := proxy.SOCKS5("tcp", d.proxyAddr("1080"), auth, &d.forward)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	conn, err := dialer.(proxy.ContextDialer).DialContext(ctx, network, targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 dial failed: %w", err)
	}
	return conn, nil
}

// ProxyFromEnvironment returns the proxy for a broker address such as
// "mqtts://broker:8883", using HTTP_PROXY, HTTPS_PROXY and NO_PROXY. TLS
// schemes consult HTTPS_PROXY. Returns nil when no proxy applies.
func ProxyFromEnvironment(brokerAddr string) (*url.URL, error) {
	u, err := url.Parse(brokerAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid broker address: %w", err)
	}

	scheme := "http"
	switch u.Scheme {
	case "ssl", "tls", "mqtts", "wss", "https":
		scheme = "https"
	}

	return httpproxy.FromEnvironment().ProxyFunc()(&url.URL{Scheme: scheme, Host: u.Host})
}
