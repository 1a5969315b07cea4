package mqttclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testBroker is a minimal in-process MQTT 3.1.1 server for client tests.
// It keeps subscriptions per client ID across connections when the client
// asks for a persistent session and fans every PUBLISH out to the matching
// connections.
type testBroker struct {
	t        testing.TB
	listener net.Listener
	wg       sync.WaitGroup

	mu           sync.Mutex
	sessions     map[string]map[string]byte
	conns        map[*brokerConn]struct{}
	counts       map[PacketType]int
	published    []*PublishPacket
	subackCode   func(filter string, requested byte) byte
	connackCode  ConnectReturnCode
	dropPuback   bool
	dropPingresp bool
	silent       bool
}

type brokerConn struct {
	transport *ConnTransport
	codec     *Codec
	clientID  string
	clean     bool
	nextID    uint16
}

func newTestBroker(t testing.TB) *testBroker {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &testBroker{
		t:        t,
		listener: listener,
		sessions: make(map[string]map[string]byte),
		conns:    make(map[*brokerConn]struct{}),
		counts:   make(map[PacketType]int),
	}

	b.wg.Add(1)
	go b.accept()

	t.Cleanup(b.Close)
	return b
}

// URL returns the tcp:// address clients connect to.
func (b *testBroker) URL() string {
	return "tcp://" + b.listener.Addr().String()
}

func (b *testBroker) Close() {
	b.listener.Close()

	b.mu.Lock()
	for c := range b.conns {
		c.transport.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *testBroker) configure(fn func(b *testBroker)) {
	b.mu.Lock()
	fn(b)
	b.mu.Unlock()
}

// Count returns how many packets of type pt the broker received.
func (b *testBroker) Count(pt PacketType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[pt]
}

// Published returns every PUBLISH the broker received from clients.
func (b *testBroker) Published() []*PublishPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PublishPacket, len(b.published))
	copy(out, b.published)
	return out
}

// Kick drops the connection of clientID without a DISCONNECT.
func (b *testBroker) Kick(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		if c.clientID == clientID {
			c.transport.Close()
		}
	}
}

// Send writes pkt to every connection of clientID.
func (b *testBroker) Send(clientID string, pkt Packet) {
	for _, c := range b.connsOf(clientID) {
		_, _ = c.codec.WritePacket(context.Background(), c.transport, pkt)
	}
}

func (b *testBroker) connsOf(clientID string) []*brokerConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*brokerConn
	for c := range b.conns {
		if c.clientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

func (b *testBroker) accept() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}

		c := &brokerConn{
			transport: NewConnTransport(conn),
			codec:     NewCodec(64*1024, 64*1024),
		}

		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go b.serve(c)
	}
}

func (b *testBroker) serve(c *brokerConn) {
	defer b.wg.Done()
	defer func() {
		c.transport.Close()

		b.mu.Lock()
		delete(b.conns, c)
		if c.clean {
			delete(b.sessions, c.clientID)
		}
		b.mu.Unlock()
	}()

	for {
		pkt, err := c.codec.ReadPacket(context.Background(), c.transport, time.Second)
		if err != nil {
			return
		}

		b.mu.Lock()
		b.counts[pkt.Type()]++
		b.mu.Unlock()

		if !b.handle(c, pkt) {
			return
		}
	}
}

func (b *testBroker) write(c *brokerConn, pkt Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _ = c.codec.WritePacket(ctx, c.transport, pkt)
}

func (b *testBroker) handle(c *brokerConn, pkt Packet) bool {
	switch p := pkt.(type) {
	case *ConnectPacket:
		b.mu.Lock()
		silent, code := b.silent, b.connackCode
		b.mu.Unlock()

		if silent {
			return true
		}
		if code != ConnectAccepted {
			b.write(c, &ConnackPacket{ReturnCode: code})
			return false
		}

		b.mu.Lock()
		c.clientID = p.ClientID
		c.clean = p.CleanSession
		_, present := b.sessions[p.ClientID]
		if p.CleanSession || !present {
			b.sessions[p.ClientID] = make(map[string]byte)
			present = false
		}
		b.mu.Unlock()

		b.write(c, &ConnackPacket{SessionPresent: present})

	case *SubscribePacket:
		codes := make([]byte, len(p.Subscriptions))

		b.mu.Lock()
		for i, sub := range p.Subscriptions {
			codes[i] = sub.QoS
			if b.subackCode != nil {
				codes[i] = b.subackCode(sub.TopicFilter, sub.QoS)
			}
			if codes[i] != SubackFailure {
				b.sessions[c.clientID][sub.TopicFilter] = codes[i]
			}
		}
		b.mu.Unlock()

		b.write(c, &SubackPacket{PacketID: p.PacketID, ReturnCodes: codes})

	case *UnsubscribePacket:
		b.mu.Lock()
		for _, f := range p.TopicFilters {
			delete(b.sessions[c.clientID], f)
		}
		b.mu.Unlock()

		b.write(c, &UnsubackPacket{PacketID: p.PacketID})

	case *PublishPacket:
		b.mu.Lock()
		b.published = append(b.published, p)
		drop := b.dropPuback
		b.mu.Unlock()

		if p.QoS == QoS1 && !drop {
			b.write(c, &PubackPacket{PacketID: p.PacketID})
		}
		if !p.DUP {
			b.fanOut(p)
		}

	case *PingreqPacket:
		b.mu.Lock()
		drop := b.dropPingresp
		b.mu.Unlock()

		if !drop {
			b.write(c, &PingrespPacket{})
		}

	case *DisconnectPacket:
		return false
	}

	return true
}

// fanOut delivers p to every connection with a matching subscription at
// the lower of the publish and granted QoS.
func (b *testBroker) fanOut(p *PublishPacket) {
	type delivery struct {
		conn *brokerConn
		pkt  *PublishPacket
	}

	var out []delivery

	b.mu.Lock()
	for c := range b.conns {
		for filter, granted := range b.sessions[c.clientID] {
			if !TopicMatch(filter, p.Topic) {
				continue
			}
			pkt := &PublishPacket{
				Topic:   p.Topic,
				Payload: p.Payload,
				QoS:     min(p.QoS, granted),
			}
			if pkt.QoS > QoS0 {
				c.nextID++
				if c.nextID == 0 {
					c.nextID = 1
				}
				pkt.PacketID = c.nextID
			}
			out = append(out, delivery{conn: c, pkt: pkt})
		}
	}
	b.mu.Unlock()

	for _, d := range out {
		b.write(d.conn, d.pkt)
	}
}
