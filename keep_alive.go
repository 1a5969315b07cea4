package mqttclient

import (
	"sync"
	"time"
)

// Default keep-alive settings.
const (
	DefaultKeepAlive           = 60 * time.Second
	DefaultPingResponseTimeout = 10 * time.Second
	DefaultPingSendTimeout     = 5 * time.Second
)

// keepAliveAction is what a keep-alive tick requires.
type keepAliveAction int

const (
	keepAliveNone keepAliveAction = iota
	keepAliveSendPing
	keepAliveExpired
)

// KeepAliveMonitor tracks connection liveness. The owner ticks it every
// keepAlive/4; a tick requests a PINGREQ once the connection has been idle
// for the keep-alive interval and reports expiry when PINGRESP does not
// arrive within the response timeout.
// MQTT 3.1.1: Section 3.1.2.10
type KeepAliveMonitor struct {
	keepAlive       time.Duration
	responseTimeout time.Duration

	mu              sync.Mutex
	lastActivity    time.Time
	pingOutstanding bool
	pingSentAt      time.Time
}

// NewKeepAliveMonitor creates a monitor. A zero keepAlive disables it.
func NewKeepAliveMonitor(keepAlive, responseTimeout time.Duration) *KeepAliveMonitor {
	if responseTimeout <= 0 {
		responseTimeout = DefaultPingResponseTimeout
	}
	return &KeepAliveMonitor{
		keepAlive:       keepAlive,
		responseTimeout: responseTimeout,
	}
}

// Enabled reports whether the monitor checks liveness at all.
func (m *KeepAliveMonitor) Enabled() bool {
	return m.keepAlive > 0
}

// Interval returns the tick period.
func (m *KeepAliveMonitor) Interval() time.Duration {
	return m.keepAlive / 4
}

// Reset clears ping state and marks now as the last activity.
func (m *KeepAliveMonitor) Reset(now time.Time) {
	m.mu.Lock()
	m.lastActivity = now
	m.pingOutstanding = false
	m.pingSentAt = time.Time{}
	m.mu.Unlock()
}

// Touch records an outbound control packet.
func (m *KeepAliveMonitor) Touch(now time.Time) {
	m.mu.Lock()
	m.lastActivity = now
	m.mu.Unlock()
}

// LastActivity returns the time of the last outbound control packet.
func (m *KeepAliveMonitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

func (m *KeepAliveMonitor) check(now time.Time) keepAliveAction {
	if !m.Enabled() {
		return keepAliveNone
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pingOutstanding {
		if now.Sub(m.pingSentAt) > m.responseTimeout {
			return keepAliveExpired
		}
		return keepAliveNone
	}

	if now.Sub(m.lastActivity) >= m.keepAlive {
		return keepAliveSendPing
	}

	return keepAliveNone
}

// PingSent records a PINGREQ sent at now.
func (m *KeepAliveMonitor) PingSent(now time.Time) {
	m.mu.Lock()
	m.pingOutstanding = true
	m.pingSentAt = now
	m.lastActivity = now
	m.mu.Unlock()
}

// PingResponse records a PINGRESP.
func (m *KeepAliveMonitor) PingResponse() {
	m.mu.Lock()
	m.pingOutstanding = false
	m.mu.Unlock()
}

// PingOutstanding reports whether a PINGREQ awaits its PINGRESP.
func (m *KeepAliveMonitor) PingOutstanding() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingOutstanding
}
