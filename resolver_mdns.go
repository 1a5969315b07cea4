package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// DNS-SD service types brokers advertise.
const (
	MDNSServiceMQTT       = "_mqtt._tcp"
	MDNSServiceSecureMQTT = "_secure-mqtt._tcp"
	MDNSDomain            = "local."

	DefaultMDNSTimeout = 2 * time.Second
)

// ErrNoBrokersFound is returned when an mDNS browse finds no broker.
var ErrNoBrokersFound = errors.New("no brokers found via mDNS")

type browseFunc func(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error

func zeroconfBrowse(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry) error {
	return zeroconf.Browse(ctx, service, domain, entries, removed)
}

// MDNSResolver discovers brokers advertised over multicast DNS. Use its
// Resolve method with WithServerResolver.
type MDNSResolver struct {
	service string
	domain  string
	timeout time.Duration
	scheme  string
	browse  browseFunc
}

// NewMDNSResolver creates a resolver browsing service in domain for up to
// timeout per resolution. Empty values select MDNSServiceMQTT, MDNSDomain
// and DefaultMDNSTimeout. Brokers found under MDNSServiceSecureMQTT are
// addressed with the ssl scheme.
func NewMDNSResolver(service, domain string, timeout time.Duration) *MDNSResolver {
	if service == "" {
		service = MDNSServiceMQTT
	}
	if domain == "" {
		domain = MDNSDomain
	}
	if timeout <= 0 {
		timeout = DefaultMDNSTimeout
	}

	scheme := "tcp"
	if service == MDNSServiceSecureMQTT {
		scheme = "ssl"
	}

	return &MDNSResolver{
		service: service,
		domain:  domain,
		timeout: timeout,
		scheme:  scheme,
		browse:  zeroconfBrowse,
	}
}

// Resolve browses for brokers until the timeout passes and returns their
// addresses sorted, IPv4 first.
func (r *MDNSResolver) Resolve(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	removed := make(chan *zeroconf.ServiceEntry, 16)
	browseErr := make(chan error, 1)

	go func() {
		browseErr <- r.browse(ctx, r.service, r.domain, entries, removed)
	}()

	var v4, v6 []string
	seen := make(map[string]struct{})

	add := func(list *[]string, ip net.IP, port int) {
		addr := r.scheme + "://" + net.JoinHostPort(ip.String(), strconv.Itoa(port))
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		*list = append(*list, addr)
	}

collect:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break collect
			}
			if entry == nil || entry.Port <= 0 {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				add(&v4, ip, entry.Port)
			}
			for _, ip := range entry.AddrIPv6 {
				add(&v6, ip, entry.Port)
			}
		case err := <-browseErr:
			if err != nil && ctx.Err() == nil {
				return nil, fmt.Errorf("mdns browse %s: %w", r.service, err)
			}
			browseErr = nil
		case <-ctx.Done():
			break collect
		}
	}

	slices.Sort(v4)
	slices.Sort(v6)
	servers := append(v4, v6...)

	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoBrokersFound, r.service, r.domain)
	}
	return servers, nil
}
