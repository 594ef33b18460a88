package controller

const (
	CodeUnknownDestination = "UNKNOWN_DESTINATION"
	CodePastSchedule       = "PAST_SCHEDULE"
	CodeInvalidCall        = "INVALID_CALL"
	CodeUnknownFunction    = "UNKNOWN_FUNCTION"
	CodeCallTimeout        = "CALL_TIMEOUT"
)

// Error is a structured invocation error. errors.Is matches on Code.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrUnknownDestination = NewError(CodeUnknownDestination, "destination not registered")
	ErrPastSchedule       = NewError(CodePastSchedule, "scheduled time already elapsed")
	ErrInvalidCall        = NewError(CodeInvalidCall, "invalid call")
	ErrUnknownFunction    = NewError(CodeUnknownFunction, "function not in catalog")
	// ErrCallTimeout is only returned by CallNode; Invoke reports timeouts
	// through Result.TimedOut.
	ErrCallTimeout = NewError(CodeCallTimeout, "call timed out")
)
