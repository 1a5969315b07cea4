package mqttclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualScheduler records scheduled callbacks so tests fire them explicitly.
type manualScheduler struct {
	mu    sync.Mutex
	timer []*manualTimer
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (s *manualScheduler) schedule(_ time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{f: f}
	s.timer = append(s.timer, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

// fire runs the most recently armed timer if it is still active.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	if len(s.timer) == 0 {
		s.mu.Unlock()
		return false
	}
	t := s.timer[len(s.timer)-1]
	s.timer = s.timer[:len(s.timer)-1]
	active := !t.stopped
	t.stopped = true
	s.mu.Unlock()

	if active {
		t.f()
	}
	return active
}

type sentLog struct {
	mu      sync.Mutex
	packets []*PublishPacket
	err     error
}

func (l *sentLog) send(_ context.Context, pkt *PublishPacket) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.packets = append(l.packets, pkt)
	return nil
}

func (l *sentLog) all() []*PublishPacket {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*PublishPacket, len(l.packets))
	copy(out, l.packets)
	return out
}

func newTestRetryEngine(cfg RetryConfig) (*RetryEngine, *sentLog, *manualScheduler) {
	log := &sentLog{}
	sched := &manualScheduler{}
	e := NewRetryEngine(NewOperationTracker(), log.send, cfg)
	e.schedule = sched.schedule
	return e, log, sched
}

func TestRetryEngineQoS0(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{})
	tok := newToken(KindPublish, nil)

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "a", Payload: []byte("x")}, tok))

	assert.Equal(t, StatusSuccess, tok.Status())
	assert.Zero(t, tok.PacketID())
	assert.Equal(t, 0, e.tracker.Len())
	assert.Empty(t, sched.timer)

	sent := log.all()
	require.Len(t, sent, 1)
	assert.Zero(t, sent[0].PacketID)
	assert.False(t, sent[0].DUP)
}

func TestRetryEngineQoS1Ack(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{Limit: 3})
	tok := newToken(KindPublish, nil)

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "a", QoS: QoS1}, tok))
	assert.Equal(t, StatusPending, tok.Status())
	assert.Equal(t, 1, e.InFlight())

	id := tok.PacketID()
	require.NotZero(t, id)
	assert.Equal(t, id, log.all()[0].PacketID)

	ok, err := e.Ack(id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusSuccess, tok.Status())
	assert.Equal(t, 0, e.InFlight())

	assert.False(t, sched.fire())
	assert.Len(t, log.all(), 1)

	ok, err = e.Ack(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryEngineExactlyLimitRetransmissions(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{Limit: 3})
	tok := newToken(KindPublish, nil)

	var retransmits int
	e.onRetransmit = func(*PublishRecord, error) { retransmits++ }

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1, Payload: []byte("p")}, tok))

	for sched.fire() {
	}

	sent := log.all()
	require.Len(t, sent, 4)
	assert.False(t, sent[0].DUP)
	for _, pkt := range sent[1:] {
		assert.True(t, pkt.DUP)
		assert.Equal(t, sent[0].PacketID, pkt.PacketID)
		assert.Equal(t, []byte("p"), pkt.Payload)
	}
	assert.Equal(t, 3, retransmits)

	err := tok.Err()
	assert.ErrorIs(t, err, ErrNoResponse)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.False(t, errors.Is(err, ErrNetwork))

	var pubErr *PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, "t", pubErr.Topic)
	assert.Equal(t, 3, pubErr.Retries)

	assert.Equal(t, 0, e.tracker.Len())
	assert.Equal(t, 0, e.InFlight())
}

func TestRetryEngineAckAfterRetransmission(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{Limit: 3})
	tok := newToken(KindPublish, nil)

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, tok))
	require.True(t, sched.fire())
	assert.Len(t, log.all(), 2)

	ok, err := e.Ack(tok.PacketID())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, tok.Err())

	assert.False(t, sched.fire())
	assert.Len(t, log.all(), 2)
}

func TestRetryEngineNewIDPolicy(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{Limit: 2, Policy: RetransmitNewID})
	tok := newToken(KindPublish, nil)

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, tok))
	first := tok.PacketID()

	require.True(t, sched.fire())
	second := tok.PacketID()
	assert.NotEqual(t, first, second)

	sent := log.all()
	require.Len(t, sent, 2)
	assert.Equal(t, second, sent[1].PacketID)
	assert.True(t, sent[1].DUP)

	ok, err := e.Ack(first)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Ack(second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, tok.Err())
}

func TestRetryEngineAckWrongKind(t *testing.T) {
	e, _, _ := newTestRetryEngine(RetryConfig{})
	_, err := e.tracker.Register(9, KindSubscribe, newToken(KindSubscribe, nil))
	require.NoError(t, err)

	_, err = e.Ack(9)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestRetryEngineSendFailure(t *testing.T) {
	e, log, sched := newTestRetryEngine(RetryConfig{})
	log.err = ErrNetwork
	tok := newToken(KindPublish, nil)

	err := e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, tok)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, StatusPending, tok.Status())
	assert.Equal(t, 0, e.tracker.Len())
	assert.Equal(t, 0, e.InFlight())
	assert.Empty(t, sched.timer)
}

func TestRetryEngineInflightLimit(t *testing.T) {
	e, _, _ := newTestRetryEngine(RetryConfig{MaxInflight: 1})

	require.NoError(t, e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, newToken(KindPublish, nil)))

	err := e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, newToken(KindPublish, nil))
	assert.ErrorIs(t, err, ErrInflightLimit)
	assert.ErrorIs(t, err, ErrNoMemory)
}

func TestRetryEngineReset(t *testing.T) {
	e, _, sched := newTestRetryEngine(RetryConfig{})

	toks := []*Token{newToken(KindPublish, nil), newToken(KindPublish, nil)}
	for _, tok := range toks {
		require.NoError(t, e.Publish(context.Background(), &Message{Topic: "t", QoS: QoS1}, tok))
	}
	require.Len(t, e.Pending(), 2)

	assert.Equal(t, 2, e.Reset(ErrDisconnected))

	for _, tok := range toks {
		assert.ErrorIs(t, tok.Err(), ErrDisconnected)
	}
	assert.Empty(t, e.Pending())
	assert.Equal(t, 0, e.tracker.Len())
	assert.Equal(t, 0, e.InFlight())
	assert.False(t, sched.fire())
}

func TestRetransmitPolicyString(t *testing.T) {
	assert.Equal(t, "reuse-id", RetransmitReuseID.String())
	assert.Equal(t, "new-id", RetransmitNewID.String())
	assert.Equal(t, "unknown", RetransmitPolicy(5).String())
}
