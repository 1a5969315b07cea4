package mqttclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeBrowse(found ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, _, _ string, entries, _ chan<- *zeroconf.ServiceEntry) error {
		for _, e := range found {
			select {
			case entries <- e:
			case <-ctx.Done():
				return nil
			}
		}
		<-ctx.Done()
		return nil
	}
}

func TestNewMDNSResolverDefaults(t *testing.T) {
	r := NewMDNSResolver("", "", 0)
	assert.Equal(t, MDNSServiceMQTT, r.service)
	assert.Equal(t, MDNSDomain, r.domain)
	assert.Equal(t, DefaultMDNSTimeout, r.timeout)
	assert.Equal(t, "tcp", r.scheme)

	secure := NewMDNSResolver(MDNSServiceSecureMQTT, "example.", time.Second)
	assert.Equal(t, "ssl", secure.scheme)
	assert.Equal(t, "example.", secure.domain)
}

func TestMDNSResolverResolve(t *testing.T) {
	r := NewMDNSResolver("", "", 50*time.Millisecond)
	r.browse = fakeBrowse(
		&zeroconf.ServiceEntry{
			HostName: "broker-b.local.",
			Port:     1883,
			AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
			AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
		},
		&zeroconf.ServiceEntry{
			HostName: "broker-a.local.",
			Port:     1884,
			AddrIPv4: []net.IP{net.ParseIP("192.168.1.10"), net.ParseIP("192.168.1.20")},
		},
		&zeroconf.ServiceEntry{
			HostName: "duplicate.local.",
			Port:     1883,
			AddrIPv4: []net.IP{net.ParseIP("192.168.1.20")},
		},
		&zeroconf.ServiceEntry{HostName: "no-port.local.", AddrIPv4: []net.IP{net.ParseIP("10.0.0.1")}},
	)

	servers, err := r.Resolve(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tcp://192.168.1.10:1884",
		"tcp://192.168.1.20:1883",
		"tcp://192.168.1.20:1884",
		"tcp://[fe80::1]:1883",
	}, servers)
}

func TestMDNSResolverNothingFound(t *testing.T) {
	r := NewMDNSResolver("", "", 20*time.Millisecond)
	r.browse = fakeBrowse()

	_, err := r.Resolve(t.Context())
	assert.ErrorIs(t, err, ErrNoBrokersFound)
}

func TestMDNSResolverBrowseError(t *testing.T) {
	browseErr := errors.New("no multicast interface")

	r := NewMDNSResolver("", "", time.Second)
	r.browse = func(context.Context, string, string, chan<- *zeroconf.ServiceEntry, chan<- *zeroconf.ServiceEntry) error {
		return browseErr
	}

	_, err := r.Resolve(t.Context())
	assert.ErrorIs(t, err, browseErr)
}

func TestMDNSResolverAsServerResolver(t *testing.T) {
	r := NewMDNSResolver("", "", 20*time.Millisecond)
	r.browse = fakeBrowse(&zeroconf.ServiceEntry{
		Port:     1883,
		AddrIPv4: []net.IP{net.ParseIP("10.1.1.1")},
	})

	c, err := New(WithServerResolver(r.Resolve))
	require.NoError(t, err)

	server, err := c.nextServer(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "tcp://10.1.1.1:1883", server)
}
