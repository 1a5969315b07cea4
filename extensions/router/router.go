package router

import (
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttclient"
)

// Handler processes an MQTT message.
type Handler func(msg *mqttclient.Message)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *byte
	retain        *bool
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetain filters messages by the retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.retain = &retain
	}
}

// WithPayload filters messages by payload regexp pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

// registration holds a handler with its conditions.
type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to handlers based on conditions.
// Supports MQTT wildcards: + (single level) and # (multi level).
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(handler, WithTopic("alerts/+"), WithPayload(regexp.MustCompile(`^critical`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

// matches checks if a condition matches the message.
func (c *Condition) matches(msg *mqttclient.Message) bool {
	if c.topicFilter != nil && !mqttclient.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retain != nil && *c.retain != msg.Retain {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(msg.Payload) {
		return false
	}
	return true
}

// Route dispatches a message to all matching handlers and reports whether
// any handler ran.
func (r *Router) Route(msg *mqttclient.Message) bool {
	if msg == nil {
		return false
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
	return len(matched) > 0
}

// Filters returns all unique registered topic filters, sorted.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	filters := make([]string, 0, len(r.handlers))
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			filters = append(filters, *reg.condition.topicFilter)
		}
	}
	slices.Sort(filters)
	return slices.Compact(filters)
}

// Subscriptions returns one subscription per registered topic filter, each
// routed through the router. Pass the result to Client.Subscribe or
// Client.ConnectRestoreSession.
func (r *Router) Subscriptions(qos byte) []mqttclient.Subscription {
	filters := r.Filters()
	handler := r.MessageHandler()

	subs := make([]mqttclient.Subscription, 0, len(filters))
	for _, filter := range filters {
		subs = append(subs, mqttclient.Subscription{
			TopicFilter: filter,
			QoS:         qos,
			Handler:     handler,
		})
	}
	return subs
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// MessageHandler returns the router as a mqttclient.MessageHandler, for
// subscriptions or the client's OnMessage fallback.
func (r *Router) MessageHandler() mqttclient.MessageHandler {
	return func(msg *mqttclient.Message) {
		r.Route(msg)
	}
}
