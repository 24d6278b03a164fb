package attest

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Failure is what a failed step panics with. Err keeps its classification
// so callers can still tell failures apart with errors.Is.
type Failure struct {
	Err error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// report formats the failure for the terminal, with the hints indented
// under it.
func (f *Failure) report() string {
	msg := "  " + strings.ReplaceAll(f.Err.Error(), "\n", "\n  ")
	if hints := errors.FlattenHints(f.Err); hints != "" {
		msg += "\n\n  " + strings.ReplaceAll(hints, "\n", "\n  ")
	}

	return msg
}

// fail panics with err, attaching help as a hint.
func fail(err error, help string) {
	if help != "" {
		err = errors.WithHint(err, help)
	}

	panic(&Failure{Err: err})
}

// asFailure turns a recovered panic value into a Failure.
func asFailure(r any) *Failure {
	switch v := r.(type) {
	case *Failure:
		return v
	case error:
		return &Failure{Err: v}
	default:
		return &Failure{Err: errors.Newf("%s", fmt.Sprint(v))}
	}
}
