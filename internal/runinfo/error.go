package runinfo

// Root error codes. Every ErrorPayload starts with one of these.
const (
	CodeUserError   = "UserError"
	CodeSystemError = "SystemError"
)

// ErrorPayload is the serialized form of an error attached to a run record.
// The top-level Code is always a root code; InnerError narrows it down.
type ErrorPayload struct {
	Code              string         `json:"code"`
	Message           string         `json:"message"`
	MessageFormat     string         `json:"messageFormat,omitempty"`
	MessageParameters map[string]any `json:"messageParameters,omitempty"`
	ReferenceCode     string         `json:"referenceCode,omitempty"`
	InnerError        *InnerError    `json:"innerError,omitempty"`
	DebugInfo         *DebugInfo     `json:"debugInfo,omitempty"`
}

// InnerError is one level of the error code hierarchy.
type InnerError struct {
	Code       string      `json:"code"`
	InnerError *InnerError `json:"innerError,omitempty"`
}

// DebugInfo carries the original Go error type and message.
type DebugInfo struct {
	Type    string     `json:"type"`
	Message string     `json:"message"`
	Inner   *DebugInfo `json:"innerException,omitempty"`
}

// IsUserError reports whether the payload's root code is the user error marker.
func (p *ErrorPayload) IsUserError() bool {
	return p != nil && p.Code == CodeUserError
}

// InnermostCode returns the most specific code in the hierarchy.
func (p *ErrorPayload) InnermostCode() string {
	if p == nil {
		return ""
	}
	code := p.Code
	for inner := p.InnerError; inner != nil; inner = inner.InnerError {
		code = inner.Code
	}
	return code
}

// Codes returns the code hierarchy from root to innermost.
func (p *ErrorPayload) Codes() []string {
	if p == nil {
		return nil
	}
	codes := []string{p.Code}
	for inner := p.InnerError; inner != nil; inner = inner.InnerError {
		codes = append(codes, inner.Code)
	}
	return codes
}
