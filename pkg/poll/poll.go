// Package poll provides the bounded polling loops used wherever the harness
// waits on a condition it cannot be notified about.
package poll

import (
	"context"
	"time"
)

// Eventually checks that the condition becomes true within the given period.
func Eventually(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	if condition() {
		return true
	}

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
			if condition() {
				return true
			}
		}
	}

	return false
}

// Consistently checks that the condition is always true for the given period.
func Consistently(ctx context.Context, condition func() bool, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
			if !condition() {
				return false
			}
		}
	}

	return true
}
