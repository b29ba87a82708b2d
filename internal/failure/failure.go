// Package failure classifies errors raised while running a batch into the
// user/system taxonomy and renders them as run-record error payloads.
//
// Every error that crosses a component boundary is either a *Error carrying
// its Category and a specific Code, or a foreign error that Present and
// Unexpected classify as a system error.
package failure

import (
	"errors"
	"fmt"
)

// Category is the root classification of an error.
type Category string

// Error categories.
const (
	// CategoryUser marks failures attributable to the flow author's code,
	// configuration, or input data.
	CategoryUser Category = "UserError"

	// CategorySystem marks failures attributable to the execution
	// infrastructure.
	CategorySystem Category = "SystemError"
)

// Target names the component an error originated from.
type Target string

// Error targets.
const (
	TargetBatch    Target = "Batch"
	TargetExecutor Target = "Executor"
	TargetFlow     Target = "Flow"
	TargetTool     Target = "Tool"
	TargetStorage  Target = "Storage"
	TargetInputs   Target = "Inputs"
)

// Specific error codes. These sit one level below the category in the
// payload hierarchy.
const (
	CodeUnexpected                 = "UnexpectedError"
	CodeExecutorServiceUnhealthy   = "ExecutorServiceUnhealthy"
	CodeExecutorInit               = "ExecutorInitError"
	CodeUnsupportedFlowLanguage    = "UnsupportedFlowLanguage"
	CodeResumeCopy                 = "ResumeCopyError"
	CodeBatchRunTimeout            = "BatchRunTimeoutError"
	CodeLineExecutionTimeout       = "LineExecutionTimeoutError"
	CodeBatchExecutionTimeout      = "BatchExecutionTimeoutError"
	CodeInputMapping               = "InputMappingError"
	CodeEmptyInputsData            = "EmptyInputsData"
	CodeInputDataNotFound          = "InputDataNotFound"
	CodeInputDataParse             = "InputDataParseError"
	CodeLineNumberNotAligned       = "LineNumberNotAligned"
	CodeInvalidFlow                = "InvalidFlow"
	CodeInputType                  = "InputTypeError"
	CodeToolExecution              = "ToolExecutionError"
	CodeToolNotFound               = "ToolNotFound"
	CodeAggregationExecution       = "AggregationExecutionError"
	CodeExecutorTransport          = "ExecutorTransportError"
	CodeExecutorIncompatible       = "ExecutorIncompatible"
	CodeLineExecutionCanceled      = "LineExecutionCanceled"
	CodeFlowOutputNotFound         = "FlowOutputNotFound"
	CodeStoragePersist             = "StoragePersistError"
	CodeAggregationInputNotAligned = "AggregationInputNotAligned"
)

// Error is a classified error.
type Error struct {
	Category Category
	Code     string
	Message  string
	// MessageFormat is the message template before parameters were applied.
	MessageFormat string
	Params        map[string]any
	Target        Target
	Cause         error
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same code, so sentinel-style checks
// like errors.Is(err, &Error{Code: CodeResumeCopy}) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code != "" && t.Code == e.Code
}

// User builds a user error.
func User(target Target, code, format string, args ...any) *Error {
	return newError(CategoryUser, target, code, nil, format, args...)
}

// System builds a system error.
func System(target Target, code, format string, args ...any) *Error {
	return newError(CategorySystem, target, code, nil, format, args...)
}

// Wrap builds an error of the given category around cause.
func Wrap(category Category, target Target, code string, cause error, format string, args ...any) *Error {
	return newError(category, target, code, cause, format, args...)
}

func newError(category Category, target Target, code string, cause error, format string, args ...any) *Error {
	return &Error{
		Category:      category,
		Code:          code,
		Message:       fmt.Sprintf(format, args...),
		MessageFormat: format,
		Target:        target,
		Cause:         cause,
	}
}

// TypeAndMessage formats err as "(Type) message", the form preserved when a
// foreign error is wrapped.
func TypeAndMessage(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("(%T) %s", err, err.Error())
}

// Unexpected wraps err as a system error unless it is already classified.
// The original type name and message are preserved in the new message.
func Unexpected(target Target, err error, doing string) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	return Wrap(CategorySystem, target, CodeUnexpected, err,
		"Unexpected error occurred while %s. Error: %s.", doing, TypeAndMessage(err))
}

// As returns the classified error inside err, if any.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// HasCode reports whether err carries a classified error with code.
func HasCode(err error, code string) bool {
	classified, ok := As(err)
	for ok {
		if classified.Code == code {
			return true
		}
		classified, ok = As(classified.Cause)
	}
	return false
}

// CategoryOf returns the category of err. Unclassified errors are system
// errors.
func CategoryOf(err error) Category {
	if classified, ok := As(err); ok {
		return classified.Category
	}
	return CategorySystem
}
