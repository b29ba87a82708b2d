package failure

import (
	"errors"
	"fmt"

	"github.com/rshade/flowbatch/internal/runinfo"
)

// maxDebugDepth bounds how many wrapped causes are rendered into DebugInfo.
const maxDebugDepth = 8

// Present renders err as the payload stored on a failed run record.
//
// The root code is the error's category. Classified errors contribute their
// own code and the codes of classified causes as the inner hierarchy.
// Foreign errors become SystemError/UnexpectedError.
func Present(err error) *runinfo.ErrorPayload {
	if err == nil {
		return nil
	}

	payload := &runinfo.ErrorPayload{
		Code:      string(CategorySystem),
		Message:   err.Error(),
		DebugInfo: debugInfo(err, 0),
	}

	classified, ok := As(err)
	if !ok {
		payload.InnerError = &runinfo.InnerError{Code: CodeUnexpected}
		return payload
	}

	payload.Code = string(classified.Category)
	payload.MessageFormat = classified.MessageFormat
	if len(classified.Params) > 0 {
		payload.MessageParameters = classified.Params
	}
	payload.ReferenceCode = string(classified.Target)
	payload.InnerError = innerCodes(classified)
	return payload
}

// PresentWithCategory renders err like Present but forces the root code.
// Used for errors whose category is only known to the caller, such as a tool
// panic being attributed to the flow author.
func PresentWithCategory(err error, category Category) *runinfo.ErrorPayload {
	payload := Present(err)
	if payload != nil {
		payload.Code = string(category)
	}
	return payload
}

func innerCodes(e *Error) *runinfo.InnerError {
	var codes []string
	for cur, ok := e, true; ok; cur, ok = As(cur.Cause) {
		if cur.Code == "" {
			continue
		}
		if len(codes) > 0 && codes[len(codes)-1] == cur.Code {
			continue
		}
		codes = append(codes, cur.Code)
	}

	var head *runinfo.InnerError
	for i := len(codes) - 1; i >= 0; i-- {
		head = &runinfo.InnerError{Code: codes[i], InnerError: head}
	}
	return head
}

func debugInfo(err error, depth int) *runinfo.DebugInfo {
	if err == nil || depth >= maxDebugDepth {
		return nil
	}
	info := &runinfo.DebugInfo{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	info.Inner = debugInfo(errors.Unwrap(err), depth+1)
	return info
}
