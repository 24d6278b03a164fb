package attest

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
)

var (
	green     = color.New(color.FgGreen).SprintFunc()
	red       = color.New(color.FgRed).SprintFunc()
	yellow    = color.New(color.FgYellow).SprintFunc()
	bold      = color.New(color.Bold).SprintFunc()
	checkMark = green("✓")
	crossMark = red("✗")
)

// Suite represents a test suite with setup and test functions
type Suite struct {
	setupFn func(*Do)
	tests   []TestFunc
	config  *Config
	out     io.Writer
}

// TestFunc represents a single test case with name and function
type TestFunc struct {
	Name string
	Fn   func(*Do)
}

// New creates a new empty test suite
func New() *Suite {
	return &Suite{tests: make([]TestFunc, 0), out: os.Stdout}
}

// WithConfig sets the configuration for the test suite
func (s *Suite) WithConfig(config *Config) *Suite {
	merged := DefaultConfig()

	if config.WorkingDir != "" {
		merged.WorkingDir = config.WorkingDir
	}

	if config.Verbose {
		merged.Verbose = true
	}

	if config.DefaultRetryTimeout != 0 {
		merged.DefaultRetryTimeout = config.DefaultRetryTimeout
	}

	if config.RetryPollInterval != 0 {
		merged.RetryPollInterval = config.RetryPollInterval
	}

	if config.CleanupTimeout != 0 {
		merged.CleanupTimeout = config.CleanupTimeout
	}

	s.config = merged
	return s
}

// WithOutput redirects the report, which goes to stdout by default.
func (s *Suite) WithOutput(w io.Writer) *Suite {
	s.out = w
	return s
}

// Setup adds a setup function that runs before all tests
func (s *Suite) Setup(fn func(*Do)) *Suite {
	s.setupFn = fn
	return s
}

// Test adds a test case to the suite
func (s *Suite) Test(name string, fn func(*Do)) *Suite {
	s.tests = append(s.tests, TestFunc{Name: name, Fn: fn})
	return s
}

// Len returns the number of tests.
func (s *Suite) Len() int {
	return len(s.tests)
}

// Run executes the test suite and returns the first failure
func (s *Suite) Run(ctx context.Context) (err error) {
	config := s.config
	if config == nil {
		config = DefaultConfig()
	}

	start := time.Now()
	do := newDo(ctx, config, s.out)
	defer func() {
		do.Done()
		s.footer(err, time.Since(start))
	}()

	if s.setupFn != nil {
		if f := s.step(do, s.setupFn); f != nil {
			fmt.Fprintf(s.out, "%s %s\n", crossMark, "SETUP")
			fmt.Fprintf(s.out, "\n%s\n", f.report())
			return f
		}
	}

	// Run each test, stopping on first failure or cancellation
	for _, test := range s.tests {
		select {
		case <-ctx.Done():
			fmt.Fprintf(s.out, "%s %s\n", yellow("-"), test.Name)
			return ctx.Err()
		default:
		}

		if f := s.step(do, test.Fn); f != nil {
			fmt.Fprintf(s.out, "%s %s\n", crossMark, test.Name)
			fmt.Fprintf(s.out, "\n%s\n", f.report())
			return f
		}

		fmt.Fprintf(s.out, "%s %s\n", checkMark, test.Name)
	}

	return nil
}

func (s *Suite) step(do *Do, fn func(*Do)) (failure *Failure) {
	defer func() {
		if r := recover(); r != nil {
			failure = asFailure(r)
		}
	}()

	fn(do)
	return nil
}

func (s *Suite) footer(err error, elapsed time.Duration) {
	elapsed = elapsed.Round(time.Millisecond)
	if err != nil {
		fmt.Fprintf(s.out, "\n%s %s (%s)\n", bold("FAILED"), crossMark, elapsed)
	} else {
		fmt.Fprintf(s.out, "\n%s %s (%s)\n", bold("PASSED"), checkMark, elapsed)
	}
}
