package mqttclient

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSubackCountMismatch is returned when a SUBACK carries a different number
// of return codes than the SUBSCRIBE it acknowledges.
var ErrSubackCountMismatch = fmt.Errorf("SUBACK return code count mismatch: %w", ErrProtocolViolation)

// SubscriptionStatus is the SUBACK state of a registered topic filter.
type SubscriptionStatus int

// Subscription statuses.
const (
	SubscriptionPending SubscriptionStatus = iota
	SubscriptionGranted
)

// String returns the string representation of the status.
func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// SubscriptionInfo describes a registered topic filter.
type SubscriptionInfo struct {
	TopicFilter  string
	RequestedQoS byte
	GrantedQoS   byte
	Status       SubscriptionStatus
}

type subscriptionEntry struct {
	filter    string
	requested byte
	granted   byte
	status    SubscriptionStatus
	handler   MessageHandler
}

// SubscriptionManager tracks the client's topic filter registrations and
// their SUBACK outcome. Every registered filter matching an incoming topic
// receives the message; overlapping filters are not deduplicated.
type SubscriptionManager struct {
	mu      sync.RWMutex
	entries []*subscriptionEntry
}

// NewSubscriptionManager creates an empty subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{}
}

// Add registers filter as pending. Registering a filter again replaces the
// previous registration, matching the server's replacement semantics.
func (m *SubscriptionManager) Add(filter string, qos byte, handler MessageHandler) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return badParameter(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(&subscriptionEntry{
		filter:    filter,
		requested: qos,
		status:    SubscriptionPending,
		handler:   handler,
	})

	return nil
}

func (m *SubscriptionManager) putLocked(entry *subscriptionEntry) {
	for i, e := range m.entries {
		if e.filter == entry.filter {
			m.entries[i] = entry
			return
		}
	}
	m.entries = append(m.entries, entry)
}

// ApplySuback records the SUBACK outcome of requested. The k-th return code
// belongs to the k-th requested filter: SubackFailure refuses that filter,
// any other value is its granted QoS. A refused filter is unregistered.
func (m *SubscriptionManager) ApplySuback(requested []Subscription, codes []byte) ([]SubscribeResult, error) {
	if len(requested) != len(codes) {
		return nil, fmt.Errorf("%w: requested %d, got %d", ErrSubackCountMismatch, len(requested), len(codes))
	}

	results := make([]SubscribeResult, len(requested))

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, sub := range requested {
		code := codes[k]
		results[k].TopicFilter = sub.TopicFilter

		if code == SubackFailure {
			results[k].Err = NewSubscribeError(sub.TopicFilter, code)
			m.removeLocked(sub.TopicFilter, true)
			continue
		}

		results[k].QoS = code
		if e := m.findLocked(sub.TopicFilter); e != nil {
			e.granted = code
			e.status = SubscriptionGranted
		}
	}

	return results, nil
}

// Remove unregisters filter. Returns false if it was not registered.
func (m *SubscriptionManager) Remove(filter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(filter, false)
}

func (m *SubscriptionManager) removeLocked(filter string, pendingOnly bool) bool {
	for i, e := range m.entries {
		if e.filter != filter {
			continue
		}
		if pendingOnly && e.status != SubscriptionPending {
			return false
		}
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		return true
	}
	return false
}

func (m *SubscriptionManager) findLocked(filter string) *subscriptionEntry {
	for _, e := range m.entries {
		if e.filter == filter {
			return e
		}
	}
	return nil
}

// Dispatch invokes the handler of every registered filter matching
// msg.Topic, in registration order. Registrations without a handler count
// as matched and fall back to fallback. Returns the number of matching
// registrations.
func (m *SubscriptionManager) Dispatch(msg *Message, fallback MessageHandler) int {
	m.mu.RLock()
	var handlers []MessageHandler
	for _, e := range m.entries {
		if !TopicMatch(e.filter, msg.Topic) {
			continue
		}
		h := e.handler
		if h == nil {
			h = fallback
		}
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(msg)
		}
	}

	return len(handlers)
}

// Restore pre-registers subs as granted so messages from a resumed session
// reach their handlers before any SUBACK.
func (m *SubscriptionManager) Restore(subs []Subscription) error {
	for _, sub := range subs {
		if err := ValidateTopicFilter(sub.TopicFilter); err != nil {
			return badParameter(err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range subs {
		m.putLocked(&subscriptionEntry{
			filter:    sub.TopicFilter,
			requested: sub.QoS,
			granted:   sub.QoS,
			status:    SubscriptionGranted,
			handler:   sub.Handler,
		})
	}

	return nil
}

// Snapshot returns every registered filter with its handler, for re-issuing
// SUBSCRIBE after a session was lost.
func (m *SubscriptionManager) Snapshot() []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Subscription, 0, len(m.entries))
	for _, e := range m.entries {
		subs = append(subs, Subscription{
			TopicFilter: e.filter,
			QoS:         e.requested,
			Handler:     e.handler,
		})
	}
	return subs
}

// Info returns the state of every registered filter.
func (m *SubscriptionManager) Info() []SubscriptionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SubscriptionInfo, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, SubscriptionInfo{
			TopicFilter:  e.filter,
			RequestedQoS: e.requested,
			GrantedQoS:   e.granted,
			Status:       e.status,
		})
	}
	return out
}

// Len returns the number of registered filters.
func (m *SubscriptionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Clear removes every registration.
func (m *SubscriptionManager) Clear() {
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
}

// refusedErr joins the refusals in results, nil if every filter was granted.
func refusedErr(results []SubscribeResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}

// discard unregisters the still-pending filters of a SUBSCRIBE that never
// reached the server.
func (m *SubscriptionManager) discard(requested []Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range requested {
		m.removeLocked(sub.TopicFilter, true)
	}
}
