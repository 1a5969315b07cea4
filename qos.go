package mqttclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RetransmitPolicy selects the packet identifier a QoS 1 retransmission uses.
type RetransmitPolicy int

const (
	// RetransmitReuseID resends with the original packet identifier.
	RetransmitReuseID RetransmitPolicy = iota

	// RetransmitNewID allocates a fresh packet identifier for every resend.
	RetransmitNewID
)

// String returns the string representation of the policy.
func (p RetransmitPolicy) String() string {
	switch p {
	case RetransmitReuseID:
		return "reuse-id"
	case RetransmitNewID:
		return "new-id"
	default:
		return "unknown"
	}
}

// Default QoS 1 retry settings.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultRetryLimit    = 3
)

// PublishRecord is a QoS 1 message awaiting PUBACK.
type PublishRecord struct {
	Message   *Message
	PacketID  uint16
	Retries   int
	NextRetry time.Time
	DUP       bool

	token *Token
	stop  func() bool
}

func (r *PublishRecord) packet() *PublishPacket {
	pkt := &PublishPacket{
		PacketID: r.PacketID,
		DUP:      r.DUP,
	}
	pkt.FromMessage(r.Message)
	return pkt
}

// publishSender transmits a PUBLISH packet.
type publishSender func(ctx context.Context, pkt *PublishPacket) error

// scheduleFunc runs f after d. The returned function cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// RetryConfig configures a RetryEngine.
type RetryConfig struct {
	// Interval is the time to wait for PUBACK before resending.
	Interval time.Duration

	// Limit is the number of DUP retransmissions before the publish fails
	// with ErrNoResponse.
	Limit int

	// Policy selects the identifier of retransmissions.
	Policy RetransmitPolicy

	// MaxInflight bounds unacknowledged publishes. Zero means
	// DefaultMaxInflight.
	MaxInflight uint16
}

// RetryEngine sends QoS 0 and QoS 1 publishes and resends unacknowledged
// QoS 1 publishes with DUP set until PUBACK arrives or the retry limit is
// reached.
type RetryEngine struct {
	tracker  *OperationTracker
	send     publishSender
	schedule scheduleFunc
	flow     *FlowController
	interval time.Duration
	limit    int
	policy   RetransmitPolicy

	// onRetransmit is called after every DUP resend with the send result.
	onRetransmit func(rec *PublishRecord, err error)

	// onGiveUp is called when a publish exhausts its retry limit.
	onGiveUp func(rec *PublishRecord)

	mu      sync.Mutex
	records map[uint16]*PublishRecord
}

// NewRetryEngine creates a retry engine registering its operations in
// tracker and transmitting through send.
func NewRetryEngine(tracker *OperationTracker, send publishSender, cfg RetryConfig) *RetryEngine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.Limit < 0 {
		cfg.Limit = 0
	}

	return &RetryEngine{
		tracker:  tracker,
		send:     send,
		schedule: afterFunc,
		flow:     NewFlowController(cfg.MaxInflight),
		interval: cfg.Interval,
		limit:    cfg.Limit,
		policy:   cfg.Policy,
		records:  make(map[uint16]*PublishRecord),
	}
}

// Publish transmits msg. A QoS 0 token completes as soon as the packet is
// handed to the transport. A QoS 1 token completes on PUBACK or when the
// retry limit is exhausted. The returned error reports a failure before the
// publish became outstanding; tok is not completed in that case.
func (e *RetryEngine) Publish(ctx context.Context, msg *Message, tok *Token) error {
	if msg.QoS == QoS0 {
		pkt := &PublishPacket{}
		pkt.FromMessage(msg)
		if err := e.send(ctx, pkt); err != nil {
			return err
		}
		tok.complete(nil, nil)
		return nil
	}

	if !e.flow.TryAcquire() {
		return ErrInflightLimit
	}

	id, err := e.tracker.NextID()
	if err != nil {
		e.flow.Release()
		return err
	}
	if _, err := e.tracker.Register(id, KindPublish, tok); err != nil {
		e.flow.Release()
		return err
	}

	rec := &PublishRecord{
		Message:   msg.Clone(),
		PacketID:  id,
		NextRetry: time.Now().Add(e.interval),
		token:     tok,
	}

	e.mu.Lock()
	e.records[id] = rec
	e.mu.Unlock()

	if err := e.send(ctx, rec.packet()); err != nil {
		e.drop(rec)
		return err
	}

	e.arm(rec)
	return nil
}

// drop forgets rec without completing its token.
func (e *RetryEngine) drop(rec *PublishRecord) {
	e.mu.Lock()
	if e.records[rec.PacketID] != rec {
		e.mu.Unlock()
		return
	}
	delete(e.records, rec.PacketID)
	e.mu.Unlock()

	e.tracker.Take(rec.PacketID)
	e.flow.Release()
}

func (e *RetryEngine) arm(rec *PublishRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.records[rec.PacketID] != rec {
		return
	}
	rec.NextRetry = time.Now().Add(e.interval)
	rec.stop = e.schedule(e.interval, func() { e.onTimeout(rec) })
}

func (e *RetryEngine) onTimeout(rec *PublishRecord) {
	e.mu.Lock()
	if e.records[rec.PacketID] != rec {
		e.mu.Unlock()
		return
	}

	rec.Retries++
	if rec.Retries > e.limit {
		delete(e.records, rec.PacketID)
		e.mu.Unlock()

		e.tracker.Take(rec.PacketID)
		e.flow.Release()
		if e.onGiveUp != nil {
			e.onGiveUp(rec)
		}
		rec.token.complete(NewPublishError(ErrNoResponse, rec.Message.Topic, rec.PacketID, rec.Retries-1), nil)
		return
	}

	if e.policy == RetransmitNewID {
		if id, err := e.tracker.NextID(); err == nil {
			if err := e.tracker.Rekey(rec.PacketID, id); err == nil {
				delete(e.records, rec.PacketID)
				rec.PacketID = id
				e.records[id] = rec
			}
		}
	}

	rec.DUP = true
	pkt := rec.packet()
	e.mu.Unlock()

	// A failed resend is retried on the next interval. Fatal transport
	// errors tear the engine down through Reset.
	err := e.send(context.Background(), pkt)

	if e.onRetransmit != nil {
		e.onRetransmit(rec, err)
	}

	e.arm(rec)
}

// Ack handles a PUBACK. Unknown identifiers are ignored. A PUBACK for an
// identifier belonging to a SUBSCRIBE or UNSUBSCRIBE is a protocol violation.
func (e *RetryEngine) Ack(id uint16) (bool, error) {
	op, ok := e.tracker.Lookup(id)
	if !ok {
		return false, nil
	}
	if op.Kind != KindPublish {
		return false, protocolViolation(fmt.Errorf("PUBACK for %s packet %d", op.Kind, id))
	}

	e.mu.Lock()
	rec, ok := e.records[id]
	if ok {
		delete(e.records, id)
		if rec.stop != nil {
			rec.stop()
		}
	}
	e.mu.Unlock()

	if !ok {
		return false, nil
	}

	e.flow.Release()
	return e.tracker.Complete(id, nil, nil), nil
}

// Reset stops every retry timer and fails the outstanding publishes with
// cause. Returns the number of publishes failed.
func (e *RetryEngine) Reset(cause error) int {
	e.mu.Lock()
	records := make([]*PublishRecord, 0, len(e.records))
	for _, rec := range e.records {
		if rec.stop != nil {
			rec.stop()
		}
		records = append(records, rec)
	}
	e.records = make(map[uint16]*PublishRecord)
	e.mu.Unlock()

	e.flow.Reset()

	failed := 0
	for _, rec := range records {
		if _, ok := e.tracker.Take(rec.PacketID); !ok {
			continue
		}
		if rec.token.complete(NewPublishError(cause, rec.Message.Topic, rec.PacketID, rec.Retries), nil) {
			failed++
		}
	}

	return failed
}

// Pending returns the outstanding QoS 1 publishes.
func (e *RetryEngine) Pending() []PublishRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PublishRecord, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, PublishRecord{
			Message:   rec.Message,
			PacketID:  rec.PacketID,
			Retries:   rec.Retries,
			NextRetry: rec.NextRetry,
			DUP:       rec.DUP,
		})
	}
	return out
}

// InFlight returns the number of unacknowledged QoS 1 publishes.
func (e *RetryEngine) InFlight() int {
	return int(e.flow.InFlight())
}
