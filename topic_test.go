package mqttclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr error
	}{
		{"simple", "X/topic", nil},
		{"leading slash", "/sensor", nil},
		{"trailing slash", "sensor/", nil},
		{"utf8", "sensor/température", nil},
		{"empty", "", ErrEmptyTopic},
		{"plus wildcard", "a/+/b", ErrInvalidTopicName},
		{"hash wildcard", "a/#", ErrInvalidTopicName},
		{"null byte", "a\x00b", ErrInvalidTopicName},
		{"too long", strings.Repeat("a", 65536), ErrTopicTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicName(tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTopicFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr error
	}{
		{"simple", "Y/topic", nil},
		{"single wildcard", "+", nil},
		{"single wildcard in middle", "home/+/temp", nil},
		{"multi wildcard", "#", nil},
		{"multi wildcard last", "home/#", nil},
		{"combined", "+/status/#", nil},
		{"empty", "", ErrEmptyTopic},
		{"plus inside level", "ho+me", ErrInvalidTopicFilter},
		{"hash inside level", "home#", ErrInvalidTopicFilter},
		{"hash not last", "#/home", ErrInvalidTopicFilter},
		{"null byte", "home\x00", ErrInvalidTopicFilter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopicFilter(tt.filter)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"X/topic", "X/topic", true},
		{"X/topic", "X/other", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},

		{"+", "a", true},
		{"+", "a/b", false},
		{"a/+", "a/b", true},
		{"a/+", "a", false},
		{"+/+/c", "a/b/c", true},

		{"#", "a/b/c", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"+/#", "a", true},

		{"$SYS/#", "$SYS/uptime", true},
		{"#", "$SYS/uptime", false},
		{"+/uptime", "$SYS/uptime", false},

		{"", "a", false},
		{"a", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"_"+tt.topic, func(t *testing.T) {
			assert.Equal(t, tt.match, TopicMatch(tt.filter, tt.topic))
		})
	}
}

func TestIsSystemTopic(t *testing.T) {
	assert.True(t, IsSystemTopic("$SYS"))
	assert.True(t, IsSystemTopic("$SYS/broker/uptime"))
	assert.False(t, IsSystemTopic("$OTHER/x"))
	assert.False(t, IsSystemTopic("sensor/SYS"))
}

func BenchmarkTopicMatch(b *testing.B) {
	filter := "home/+/sensor/#"
	topic := "home/kitchen/sensor/temperature/celsius"

	b.ReportAllocs()

	for b.Loop() {
		_ = TopicMatch(filter, topic)
	}
}
