package mqttclient

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrPacketIDExhausted = fmt.Errorf("no available packet IDs: %w", ErrNoMemory)
	ErrPacketIDInUse     = errors.New("packet ID already has an outstanding operation")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

const maxPacketIDs = 65535

// PendingOperation is an outstanding SUBSCRIBE, UNSUBSCRIBE or QoS 1 PUBLISH
// awaiting its acknowledgment.
type PendingOperation struct {
	ID        uint16
	Kind      OperationKind
	Token     *Token
	CreatedAt time.Time
}

// OperationTracker correlates packet identifiers with pending operations.
// Identifiers come from a 16-bit counter that skips zero and any identifier
// still outstanding.
type OperationTracker struct {
	mu      sync.Mutex
	lastID  uint16
	pending map[uint16]*PendingOperation
}

// NewOperationTracker creates an empty tracker.
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{
		pending: make(map[uint16]*PendingOperation),
	}
}

// NextID returns the next free packet identifier.
func (t *OperationTracker) NextID() (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) >= maxPacketIDs {
		return 0, ErrPacketIDExhausted
	}

	id := t.lastID
	for {
		id++
		if id == 0 {
			id = 1
		}
		if _, ok := t.pending[id]; !ok {
			t.lastID = id
			return id, nil
		}
	}
}

// Register records an outstanding operation under id.
func (t *OperationTracker) Register(id uint16, kind OperationKind, token *Token) (*PendingOperation, error) {
	if id == 0 {
		return nil, badParameter(ErrInvalidPacketID)
	}
	if token == nil {
		return nil, badParameter(errors.New("nil token"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pending[id]; ok {
		return nil, ErrPacketIDInUse
	}

	op := &PendingOperation{
		ID:        id,
		Kind:      kind,
		Token:     token,
		CreatedAt: time.Now(),
	}
	t.pending[id] = op
	token.setPacketID(id)

	return op, nil
}

// Take removes and returns the operation registered under id.
func (t *OperationTracker) Take(id uint16) (*PendingOperation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return op, ok
}

// Lookup returns the operation registered under id without removing it.
func (t *OperationTracker) Lookup(id uint16) (*PendingOperation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.pending[id]
	return op, ok
}

// Complete removes the operation registered under id and resolves its token.
// Returns false if no such operation exists.
func (t *OperationTracker) Complete(id uint16, err error, results []SubscribeResult) bool {
	op, ok := t.Take(id)
	if !ok {
		return false
	}
	op.Token.complete(err, results)
	return true
}

// Rekey moves the operation registered under oldID to newID.
func (t *OperationTracker) Rekey(oldID, newID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.pending[oldID]
	if !ok {
		return ErrPacketIDNotFound
	}
	if _, taken := t.pending[newID]; taken || newID == 0 {
		return ErrPacketIDInUse
	}

	delete(t.pending, oldID)
	op.ID = newID
	t.pending[newID] = op
	op.Token.setPacketID(newID)

	return nil
}

// FailAll resolves every outstanding operation with err and empties the
// tracker. Returns the number of operations failed.
func (t *OperationTracker) FailAll(err error) int {
	t.mu.Lock()
	ops := make([]*PendingOperation, 0, len(t.pending))
	for _, op := range t.pending {
		ops = append(ops, op)
	}
	t.pending = make(map[uint16]*PendingOperation)
	t.mu.Unlock()

	for _, op := range ops {
		op.Token.complete(err, nil)
	}

	return len(ops)
}

// Len returns the number of outstanding operations.
func (t *OperationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
