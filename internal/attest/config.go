package attest

import "time"

// Config holds configuration options for the test framework.
type Config struct {
	// WorkingDir is the base directory for test runs.
	WorkingDir string

	// Verbose prints progress lines between steps.
	Verbose bool

	// DefaultRetryTimeout for Eventually and Consistently operations.
	DefaultRetryTimeout time.Duration
	// RetryPollInterval for Eventually and Consistently operations.
	RetryPollInterval time.Duration
	// StabilityWindow is how long Consistently watches a condition. Zero
	// falls back to DefaultRetryTimeout.
	StabilityWindow time.Duration

	// CleanupTimeout bounds each deferred cleanup and resource close.
	CleanupTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		WorkingDir:          ".bootfuzz",
		DefaultRetryTimeout: 5 * time.Second,
		RetryPollInterval:   100 * time.Millisecond,
		StabilityWindow:     time.Second,
		CleanupTimeout:      30 * time.Second,
	}
}
