package mqttclient

import "fmt"

// ProducerInterceptor is an interface that allows interception and modification
// of messages before they are published. Interceptors are called in the order
// they are configured, and each interceptor receives the message from the
// previous interceptor in the chain.
type ProducerInterceptor interface {
	// OnSend is called when a message is about to be published.
	// Return the (potentially modified) message to continue the chain, or nil
	// to drop it.
	//
	// The message is a copy owned by the client; the caller's Message is
	// never modified.
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor is an interface that allows interception and modification
// of messages after they are received but before they are delivered to handlers.
type ConsumerInterceptor interface {
	// OnConsume is called when a message is received.
	// Return the (potentially modified) message to continue the chain, or nil
	// to drop it.
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

// OnSend calls f(msg).
func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

// OnConsume calls f(msg).
func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// safelyApply runs one interceptor step with panic recovery. If the step
// panics, the message it was given is passed on unchanged.
func safelyApply(logger Logger, kind string, step func(*Message) *Message, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(kind+" interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: fmt.Sprint(r),
			})
			result = msg
		}
	}()
	return step(msg)
}

// applyProducerInterceptors applies all producer interceptors in order.
// If any interceptor returns nil, the chain is broken and nil is returned.
func applyProducerInterceptors(logger Logger, interceptors []ProducerInterceptor, msg *Message) *Message {
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApply(logger, "producer", interceptor.OnSend, current)
	}
	return current
}

// applyConsumerInterceptors applies all consumer interceptors in order.
// If any interceptor returns nil, the chain is broken and nil is returned.
func applyConsumerInterceptors(logger Logger, interceptors []ConsumerInterceptor, msg *Message) *Message {
	current := msg
	for _, interceptor := range interceptors {
		if current == nil {
			return nil
		}
		current = safelyApply(logger, "consumer", interceptor.OnConsume, current)
	}
	return current
}
