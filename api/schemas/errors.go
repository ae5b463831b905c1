package schemas

import "fmt"

// ErrorCode identifies the failure class of a rejected or failed command.
type ErrorCode string

const (
	// Protocol and validation failures.
	ErrInvalidCommand ErrorCode = "INVALID_COMMAND"
	ErrInvalidParams  ErrorCode = "INVALID_PARAMS"

	// Admission failures.
	ErrAuthFailed  ErrorCode = "AUTH_FAILED"
	ErrRateLimited ErrorCode = "RATE_LIMITED"
	ErrUnsafeInput ErrorCode = "UNSAFE_INPUT"

	// Session failures.
	ErrSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionNotOwned   ErrorCode = "SESSION_NOT_OWNED"
	ErrResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// Execution failures.
	ErrElementNotFound        ErrorCode = "ELEMENT_NOT_FOUND"
	ErrElementNotVisible      ErrorCode = "ELEMENT_NOT_VISIBLE"
	ErrElementNotInteractable ErrorCode = "ELEMENT_NOT_INTERACTABLE"
	ErrTimeout                ErrorCode = "TIMEOUT"
	ErrWaitTimeout            ErrorCode = "WAIT_TIMEOUT"
	ErrNavigationFailed       ErrorCode = "NAVIGATION_FAILED"
	ErrExtractionFailed       ErrorCode = "EXTRACTION_FAILED"

	// Everything else.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Type groups an error code into its taxonomy bucket. The bucket is
// reported on the wire as error_type so clients can branch without
// enumerating every code.
func (c ErrorCode) Type() string {
	switch c {
	case ErrInvalidCommand, ErrInvalidParams:
		return "validation"
	case ErrAuthFailed, ErrRateLimited, ErrUnsafeInput:
		return "security"
	case ErrSessionNotFound, ErrSessionNotOwned, ErrResourceExhausted:
		return "session"
	case ErrElementNotFound, ErrElementNotVisible, ErrElementNotInteractable,
		ErrTimeout, ErrWaitTimeout, ErrNavigationFailed, ErrExtractionFailed:
		return "execution"
	default:
		return "internal"
	}
}

// CommandError is the typed error carried from any stage of the dispatch
// pipeline back to the wire. Details never echo raw client input.
type CommandError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewCommandError builds a CommandError without details.
func NewCommandError(code ErrorCode, msg string) *CommandError {
	return &CommandError{Code: code, Message: msg}
}

// WithDetail attaches a single key/value pair to the error details.
func (e *CommandError) WithDetail(key string, value interface{}) *CommandError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsCommandError normalizes any error into a CommandError. Errors that are
// not already typed are wrapped as INTERNAL_ERROR so the wire never leaks
// raw Go error chains from unexpected failures.
func AsCommandError(err error) *CommandError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*CommandError); ok {
		return ce
	}
	return &CommandError{Code: ErrInternal, Message: err.Error()}
}
