package mqttclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProducerInterceptor is a test implementation of ProducerInterceptor.
type testProducerInterceptor struct {
	called   bool
	modifier func(*Message) *Message
}

func (i *testProducerInterceptor) OnSend(msg *Message) *Message {
	i.called = true
	if i.modifier != nil {
		return i.modifier(msg)
	}
	return msg
}

// panicProducerInterceptor panics when OnSend is called.
type panicProducerInterceptor struct{}

func (i *panicProducerInterceptor) OnSend(_ *Message) *Message {
	panic("producer interceptor panic")
}

func TestApplyProducerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("no interceptors returns original message", func(t *testing.T) {
		msg := &Message{Topic: "test", Payload: []byte("data")}
		assert.Same(t, msg, applyProducerInterceptors(logger, nil, msg))
	})

	t.Run("chain runs in order", func(t *testing.T) {
		first := &testProducerInterceptor{modifier: func(m *Message) *Message {
			m.Topic += "/a"
			return m
		}}
		second := &testProducerInterceptor{modifier: func(m *Message) *Message {
			m.Topic += "/b"
			return m
		}}

		result := applyProducerInterceptors(logger, []ProducerInterceptor{first, second}, &Message{Topic: "t"})
		require.NotNil(t, result)
		assert.Equal(t, "t/a/b", result.Topic)
		assert.True(t, first.called)
		assert.True(t, second.called)
	})

	t.Run("nil breaks the chain", func(t *testing.T) {
		drop := &testProducerInterceptor{modifier: func(*Message) *Message { return nil }}
		after := &testProducerInterceptor{}

		result := applyProducerInterceptors(logger, []ProducerInterceptor{drop, after}, &Message{Topic: "t"})
		assert.Nil(t, result)
		assert.False(t, after.called)
	})

	t.Run("panic passes message through", func(t *testing.T) {
		msg := &Message{Topic: "t"}
		after := &testProducerInterceptor{}

		result := applyProducerInterceptors(logger, []ProducerInterceptor{&panicProducerInterceptor{}, after}, msg)
		assert.Same(t, msg, result)
		assert.True(t, after.called)
	})
}

func TestApplyConsumerInterceptors(t *testing.T) {
	logger := NewNoOpLogger()

	t.Run("func adapter", func(t *testing.T) {
		upper := ConsumerInterceptorFunc(func(m *Message) *Message {
			m.Payload = append(m.Payload, '!')
			return m
		})

		result := applyConsumerInterceptors(logger, []ConsumerInterceptor{upper}, &Message{Topic: "t", Payload: []byte("hi")})
		require.NotNil(t, result)
		assert.Equal(t, []byte("hi!"), result.Payload)
	})

	t.Run("panic passes message through", func(t *testing.T) {
		boom := ConsumerInterceptorFunc(func(*Message) *Message { panic("boom") })
		msg := &Message{Topic: "t"}
		assert.Same(t, msg, applyConsumerInterceptors(logger, []ConsumerInterceptor{boom}, msg))
	})

	t.Run("nil drops", func(t *testing.T) {
		drop := ConsumerInterceptorFunc(func(*Message) *Message { return nil })
		assert.Nil(t, applyConsumerInterceptors(logger, []ConsumerInterceptor{drop}, &Message{Topic: "t"}))
	})
}

func TestProducerInterceptorFunc(t *testing.T) {
	f := ProducerInterceptorFunc(func(m *Message) *Message {
		m.Retain = true
		return m
	})
	assert.True(t, f.OnSend(&Message{}).Retain)
}
