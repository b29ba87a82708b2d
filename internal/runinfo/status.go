// Package runinfo defines the records produced by flow and node executions:
// run statuses, flow and node run infos, line and aggregation results, and
// the serialized error payload attached to failed runs.
package runinfo

import "strings"

// Status is the lifecycle state of a flow, node, or batch run.
type Status string

// Known run statuses.
const (
	StatusNotStarted      Status = "NotStarted"
	StatusRunning         Status = "Running"
	StatusCompleted       Status = "Completed"
	StatusFailed          Status = "Failed"
	StatusBypassed        Status = "Bypassed"
	StatusCanceled        Status = "Canceled"
	StatusCancelRequested Status = "CancelRequested"
)

// String returns the status name.
func (s Status) String() string { return string(s) }

// Lower returns the lower-cased status name used in node status histograms.
func (s Status) Lower() string { return strings.ToLower(string(s)) }

// IsTerminated reports whether no further transitions can happen.
func (s Status) IsTerminated() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBypassed, StatusCanceled:
		return true
	default:
		return false
	}
}
