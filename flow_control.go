package mqttclient

import (
	"fmt"
	"sync"
)

// ErrInflightLimit is returned when a QoS 1 publish would exceed the
// configured number of unacknowledged publishes.
var ErrInflightLimit = fmt.Errorf("inflight publish limit reached: %w", ErrNoMemory)

// DefaultMaxInflight is the inflight limit when none is configured.
const DefaultMaxInflight = 65535

// FlowController bounds the number of QoS 1 PUBLISH packets sent but not
// yet acknowledged.
type FlowController struct {
	mu       sync.Mutex
	max      uint16
	inFlight uint16
}

// NewFlowController creates a flow controller allowing max unacknowledged
// publishes. Zero means DefaultMaxInflight.
func NewFlowController(maxInflight uint16) *FlowController {
	if maxInflight == 0 {
		maxInflight = DefaultMaxInflight
	}
	return &FlowController{max: maxInflight}
}

// Max returns the configured limit.
func (f *FlowController) Max() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.max
}

// Available returns the number of free slots.
func (f *FlowController) Available() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight >= f.max {
		return 0
	}
	return f.max - f.inFlight
}

// InFlight returns the number of occupied slots.
func (f *FlowController) InFlight() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// TryAcquire takes a slot without blocking. Returns false when none is free.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight >= f.max {
		return false
	}
	f.inFlight++
	return true
}

// Release frees a slot.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight > 0 {
		f.inFlight--
	}
}

// Reset frees every slot.
func (f *FlowController) Reset() {
	f.mu.Lock()
	f.inFlight = 0
	f.mu.Unlock()
}
