package attest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/pkg/poll"
	"github.com/st3v3nmw/bootfuzz/pkg/threadsafe"
)

// Do provides the test harness and acts as the test runner.
type Do struct {
	resources  *threadsafe.Map[string, io.Closer]
	config     *Config
	workingDir string
	out        io.Writer

	cleanupMu sync.Mutex
	cleanups  []func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
}

// newDo creates a new Do instance with custom configuration.
func newDo(ctx context.Context, config *Config, out io.Writer) *Do {
	doCtx, cancel := context.WithCancel(ctx)

	// Build working directory path with timestamp
	timestamp := time.Now().Format("20060102-150405")
	workingDir := filepath.Join(config.WorkingDir, fmt.Sprintf("run-%s", timestamp))

	err := os.MkdirAll(workingDir, 0755)
	if err != nil {
		panic(fmt.Sprintf("failed to create working directory: %v", err))
	}

	return &Do{
		resources:  threadsafe.NewMap[string, io.Closer](),
		config:     config,
		workingDir: workingDir,
		out:        out,
		ctx:        doCtx,
		cancel:     cancel,
	}
}

// Context is cancelled when the suite finishes.
func (do *Do) Context() context.Context {
	return do.ctx
}

// WorkingDir is this run's directory for logs and artifacts.
func (do *Do) WorkingDir() string {
	return do.workingDir
}

// Progressf prints a progress line in verbose mode.
func (do *Do) Progressf(format string, args ...any) {
	if do.config.Verbose {
		fmt.Fprintf(do.out, "  "+format+"\n", args...)
	}
}

// Track registers a resource under name, closed when the suite finishes.
func (do *Do) Track(name string, r io.Closer) {
	if _, stored := do.resources.SetIfAbsent(name, r); !stored {
		panic(fmt.Sprintf("resource %q already exists", name))
	}
}

// Resource returns the resource tracked under name or panics if not found.
func Resource[T io.Closer](do *Do, name string) T {
	r, exists := do.resources.Get(name)
	if !exists {
		panic(fmt.Sprintf("resource %q not found", name))
	}

	v, ok := r.(T)
	if !ok {
		panic(fmt.Sprintf("resource %q is a %T", name, r))
	}

	return v
}

// Defer runs fn when the suite finishes, after every function deferred
// later and before tracked resources are closed. fn gets a context bounded
// by the cleanup timeout.
func (do *Do) Defer(fn func(ctx context.Context)) {
	do.cleanupMu.Lock()
	defer do.cleanupMu.Unlock()

	do.cleanups = append(do.cleanups, fn)
}

// Done runs deferred cleanups and closes tracked resources.
func (do *Do) Done() {
	do.cleanupMu.Lock()
	cleanups := do.cleanups
	do.cleanups = nil
	do.cleanupMu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), do.config.CleanupTimeout)
		cleanups[i](ctx)
		cancel()
	}

	do.cancel()

	var names []string
	do.resources.Range(func(name string, _ io.Closer) bool {
		names = append(names, name)
		return true
	})

	for _, name := range names {
		r, ok := do.resources.Delete(name)
		if !ok {
			continue
		}

		if err := r.Close(); err != nil {
			fmt.Fprintln(do.out, red(fmt.Sprintf("Error closing %s: %v", name, err)))
		}
	}
}

// Must fails the step when err is not nil.
func (do *Do) Must(err error, help string) {
	if err != nil {
		fail(err, help)
	}
}

// Eventually fails the step unless condition holds within the default retry
// timeout.
func (do *Do) Eventually(condition func() bool, help string) {
	if !poll.Eventually(do.ctx, condition, do.config.DefaultRetryTimeout, do.config.RetryPollInterval) {
		fail(errors.Newf("condition not met within %s", do.config.DefaultRetryTimeout), help)
	}
}

// Consistently fails the step unless condition holds for the whole
// stability window.
func (do *Do) Consistently(condition func() bool, help string) {
	window := do.config.StabilityWindow
	if window == 0 {
		window = do.config.DefaultRetryTimeout
	}

	if !poll.Consistently(do.ctx, condition, window, do.config.RetryPollInterval) {
		fail(errors.Newf("condition did not hold for %s", window), help)
	}
}

// Concurrently runs fns in parallel and waits for all of them. If any of
// them fails the step, the first failure is re-raised once all have returned.
func (do *Do) Concurrently(fns ...func()) {
	var wg sync.WaitGroup
	var first sync.Once
	var failure any

	for _, fn := range fns {
		wg.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					first.Do(func() { failure = r })
				}
			}()

			fn()
		})
	}

	wg.Wait()

	if failure != nil {
		panic(failure)
	}
}
