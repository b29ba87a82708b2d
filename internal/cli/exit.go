package cli

import (
	"errors"
	"fmt"

	"github.com/rshade/flowbatch/internal/engine/batch"
	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitLineFailure = 2
	ExitBatchFailed = 3
	ExitUserError   = 4
	ExitSystemError = 5
	ExitCanceled    = 130
)

// StatusExitError carries the exit code of a run that finished without an
// error but should not exit 0, such as a canceled or timed out batch.
type StatusExitError struct {
	Code   int
	Reason string
}

func (e *StatusExitError) Error() string { return e.Reason }

// ExitCode maps an error returned by the root command to a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var statusErr *StatusExitError
	if errors.As(err, &statusErr) {
		return statusErr.Code
	}
	var lineErr *batch.LineFailureError
	if errors.As(err, &lineErr) {
		return ExitLineFailure
	}
	if classified, ok := failure.As(err); ok {
		if classified.Category == failure.CategoryUser {
			return ExitUserError
		}
		return ExitSystemError
	}
	return ExitError
}

// statusError returns the StatusExitError for res, or nil when the run
// completed.
func statusError(res *batch.Result) error {
	switch {
	case res.Status == runinfo.StatusCanceled:
		return &StatusExitError{Code: ExitCanceled, Reason: fmt.Sprintf("batch run %s was canceled", res.RunID)}
	case res.Err != nil:
		return &StatusExitError{Code: ExitBatchFailed, Reason: res.Err.Error()}
	default:
		return nil
	}
}
