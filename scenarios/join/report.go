package join

import (
	"github.com/cockroachdb/errors"
	"github.com/st3v3nmw/bootfuzz/internal/attest"
	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/pipeline"
	"github.com/st3v3nmw/bootfuzz/internal/workload"
)

// ErrMissingSignal marks an expected diagnostic, a log line or a counter
// increment, that never showed up.
var ErrMissingSignal = errors.New("expected signal not observed")

// classify names the kind of check err failed.
func classify(err error) string {
	switch {
	case errors.Is(err, model.ErrConsistencyViolation):
		return "consistency violation"
	case errors.Is(err, pipeline.ErrTimeout):
		return "timed out"
	case errors.Is(err, ErrMissingSignal):
		return "missing signal"
	case errors.Is(err, workload.ErrTransientWrite):
		return "write failed"
	default:
		return "failed"
	}
}

// must fails the step with err prefixed by its kind.
func must(do *attest.Do, err error, help string) {
	if err != nil {
		do.Must(errors.Wrap(err, classify(err)), help)
	}
}
