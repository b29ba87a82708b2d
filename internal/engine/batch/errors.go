package batch

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rshade/flowbatch/internal/failure"
	"github.com/rshade/flowbatch/internal/runinfo"
)

// Errors returned by NewEngine and Run.
var (
	ErrNilRegistry = errors.New("executor registry is required")
	ErrNilStorage  = errors.New("run storage is required")
	ErrNilFlow     = errors.New("flow is required")
	ErrRunActive   = errors.New("a batch run is already in progress on this engine")
)

// errRunAbandoned stops an execution the supervisor no longer waits for.
var errRunAbandoned = errors.New("batch run abandoned by the supervisor")

// LineFailureError is returned by Run when RaiseOnLineFailure is set and at
// least one line failed.
type LineFailureError struct {
	FailedLines int
	TotalLines  int
	// Errors lists the failed lines sorted by line number.
	Errors []LineError
}

// newLineFailureError returns nil when no line failed.
func newLineFailureError(lines []*runinfo.LineResult) *LineFailureError {
	var failed []LineError
	for _, line := range lines {
		if line.RunInfo != nil && line.RunInfo.Status == runinfo.StatusFailed {
			failed = append(failed, LineError{LineNumber: line.RunInfo.LineIndex(), Error: line.RunInfo.Error})
		}
	}
	if len(failed) == 0 {
		return nil
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].LineNumber < failed[j].LineNumber })
	return &LineFailureError{FailedLines: len(failed), TotalLines: len(lines), Errors: failed}
}

func (e *LineFailureError) Error() string {
	indexes := make([]string, len(e.Errors))
	for i, le := range e.Errors {
		indexes[i] = strconv.Itoa(le.LineNumber)
	}
	msg := fmt.Sprintf("%d/%d lines failed, indexes: [%s]", e.FailedLines, e.TotalLines, strings.Join(indexes, ","))
	if len(e.Errors) > 0 && e.Errors[0].Error != nil {
		msg += fmt.Sprintf(", exception of index %d: %s", e.Errors[0].LineNumber, e.Errors[0].Error.Message)
	}
	return msg
}

func batchTimeoutError(timeout time.Duration) *failure.Error {
	return failure.User(failure.TargetBatch, failure.CodeBatchRunTimeout,
		"The batch run failed due to timeout [%gs]. Please adjust the timeout to a higher value.", timeout.Seconds())
}

func resumeCopyError(err error) error {
	return failure.Wrap(failure.CategorySystem, failure.TargetBatch, failure.CodeResumeCopy, err,
		"Failed to copy results when resuming the run. Error: %s.", failure.TypeAndMessage(err))
}

// classify wraps errors that are neither classified nor a LineFailureError.
func classify(err error, doing string) error {
	var lineErr *LineFailureError
	if errors.As(err, &lineErr) {
		return err
	}
	return failure.Unexpected(failure.TargetBatch, err, doing)
}
