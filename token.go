package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCallbackToken is returned when Wait is called on a token that
// completes through a callback.
var ErrCallbackToken = errors.New("token completes through its callback and cannot be waited on")

// OperationKind identifies the request a Token tracks.
type OperationKind int

// Operation kinds.
const (
	KindSubscribe OperationKind = iota
	KindUnsubscribe
	KindPublish
)

// String returns the control packet name of the operation.
func (k OperationKind) String() string {
	switch k {
	case KindSubscribe:
		return "SUBSCRIBE"
	case KindUnsubscribe:
		return "UNSUBSCRIBE"
	case KindPublish:
		return "PUBLISH"
	default:
		return "UNKNOWN"
	}
}

// OperationStatus is the lifecycle state of a Token.
type OperationStatus int

// Operation statuses.
const (
	StatusPending OperationStatus = iota
	StatusSuccess
	StatusFailed
)

// String returns the string representation of the status.
func (s OperationStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SubscribeResult is the SUBACK outcome for one requested topic filter.
type SubscribeResult struct {
	TopicFilter string

	// QoS is the granted QoS. Zero when Err is set.
	QoS byte

	// Err is a *SubscribeError when the server refused the filter.
	Err error
}

// Token is the completion handle of an asynchronous operation. It completes
// exactly once. A token created with a callback delivers its completion to
// that callback; any other token is waited on.
type Token struct {
	kind     OperationKind
	callback func(*Token)
	done     chan struct{}
	once     sync.Once

	// request context, immutable after creation
	subscriptions []Subscription
	topicFilters  []string
	topic         string

	mu       sync.Mutex
	packetID uint16
	status   OperationStatus
	err      error
	results  []SubscribeResult
}

func newToken(kind OperationKind, callback func(*Token)) *Token {
	return &Token{
		kind:     kind,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// complete resolves the token. Returns false if it was already resolved.
func (t *Token) complete(err error, results []SubscribeResult) bool {
	completed := false

	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.results = results
		if err != nil {
			t.status = StatusFailed
		} else {
			t.status = StatusSuccess
		}
		t.mu.Unlock()

		close(t.done)
		completed = true
	})

	if completed && t.callback != nil {
		t.callback(t)
	}

	return completed
}

func (t *Token) setPacketID(id uint16) {
	t.mu.Lock()
	t.packetID = id
	t.mu.Unlock()
}

// Kind returns the operation the token tracks.
func (t *Token) Kind() OperationKind { return t.kind }

// Done returns a channel closed once the token completes.
func (t *Token) Done() <-chan struct{} { return t.done }

// Wait blocks until the token completes or ctx ends. An expired wait returns
// ErrTimeout and leaves the operation itself running.
func (t *Token) Wait(ctx context.Context) error {
	if t.callback != nil {
		return badParameter(ErrCallbackToken)
	}

	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: waiting for %s", ErrTimeout, t.kind)
		}
		return ctx.Err()
	}
}

// WaitTimeout is Wait bounded by a duration.
func (t *Token) WaitTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return t.Wait(ctx)
}

// Status returns the current status.
func (t *Token) Status() OperationStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns the completion error, nil while pending or on success. For
// SUBSCRIBE it joins the *SubscribeError of every refused filter.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// PacketID returns the packet identifier the operation currently uses.
// Zero for QoS 0 publishes.
func (t *Token) PacketID() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.packetID
}

// Results returns the per-filter SUBACK outcome of a SUBSCRIBE.
func (t *Token) Results() []SubscribeResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.results == nil {
		return nil
	}

	out := make([]SubscribeResult, len(t.results))
	copy(out, t.results)
	return out
}
