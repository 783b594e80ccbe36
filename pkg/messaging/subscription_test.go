package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaults_FillsZeroValues(t *testing.T) {
	got := SubscriptionConfig{GroupName: "g", EventTopic: "orders"}.WithDefaults()
	want := DefaultSubscriptionConfig("g", "orders")
	want.PollAndProcessRetries = 0
	assert.Equal(t, want, got)
}

func TestWithDefaults_PollAndProcessRetries(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero is kept", 0, 0},
		{"negative takes default", -1, 3},
		{"explicit kept", 7, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSubscriptionConfig("g", "orders")
			cfg.PollAndProcessRetries = tt.in
			assert.Equal(t, tt.want, cfg.WithDefaults().PollAndProcessRetries)
		})
	}
}

func TestWithDefaults_KeepsSetValues(t *testing.T) {
	cfg := SubscriptionConfig{
		EventTopic:        "orders",
		PollTimeout:       time.Second,
		BatchSize:         5,
		ThreadStopTimeout: time.Minute,
		SubscribeRetries:  9,
		CommitRetries:     8,
	}.WithDefaults()
	assert.Equal(t, time.Second, cfg.PollTimeout)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, time.Minute, cfg.ThreadStopTimeout)
	assert.Equal(t, 9, cfg.SubscribeRetries)
	assert.Equal(t, 8, cfg.CommitRetries)
	assert.Equal(t, "orders", cfg.Name())
}
