package poll_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/st3v3nmw/bootfuzz/pkg/poll"
	"github.com/stretchr/testify/assert"
)

func TestEventually(t *testing.T) {
	tests := []struct {
		name      string
		readyAt   int32
		timeout   time.Duration
		cancelled bool
		want      bool
	}{
		{name: "Immediately", readyAt: 0, timeout: 100 * time.Millisecond, want: true},
		{name: "After Polls", readyAt: 3, timeout: time.Second, want: true},
		{name: "Timeout", readyAt: 1000, timeout: 50 * time.Millisecond, want: false},
		{name: "Cancelled", readyAt: 1000, timeout: time.Second, cancelled: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelled {
				cancel()
			}

			var calls atomic.Int32
			got := poll.Eventually(ctx, func() bool {
				return calls.Add(1)-1 >= tt.readyAt
			}, tt.timeout, 5*time.Millisecond)

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsistently(t *testing.T) {
	var calls atomic.Int32
	ok := poll.Consistently(context.Background(), func() bool {
		return calls.Add(1) < 3
	}, 200*time.Millisecond, 5*time.Millisecond)
	assert.False(t, ok)

	ok = poll.Consistently(context.Background(), func() bool { return true }, 30*time.Millisecond, 5*time.Millisecond)
	assert.True(t, ok)
}
