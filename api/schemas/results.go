package schemas

import "time"

// Payload is implemented by every typed response. The embedded
// BaseResponse is filled in by the dispatch layer just before encoding.
type Payload interface {
	Base() *BaseResponse
}

// BaseResponse carries the envelope fields shared by all replies.
// SessionID echoes the session a command ran in; for a command that
// created its session it is how the client learns the new id.
type BaseResponse struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"session_id"`
	Success         bool       `json:"success"`
	Timestamp       time.Time  `json:"timestamp"`
	ExecutionTimeMs float64    `json:"execution_time_ms"`
	FromCache       bool       `json:"from_cache,omitempty"`
	StateDiff       *StateDiff `json:"state_diff,omitempty"`
}

// Base returns the shared envelope.
func (b *BaseResponse) Base() *BaseResponse { return b }

// NavigateResponse reports the outcome of a navigation.
type NavigateResponse struct {
	BaseResponse
	URL        string `json:"url"`
	Title      string `json:"title"`
	StatusCode int    `json:"status_code,omitempty"`
	Redirected bool   `json:"redirected"`
	LoadTimeMs int64  `json:"load_time_ms"`
}

// ClickResponse reports the outcome of a click.
type ClickResponse struct {
	BaseResponse
	ElementFound   bool      `json:"element_found"`
	ElementVisible bool      `json:"element_visible"`
	ClickPosition  *Position `json:"click_position,omitempty"`
	ElementText    string    `json:"element_text,omitempty"`
	ElementTag     string    `json:"element_tag,omitempty"`
}

// FillResponse reports the outcome of a fill.
type FillResponse struct {
	BaseResponse
	ElementFound     bool   `json:"element_found"`
	ElementType      string `json:"element_type,omitempty"`
	TextEntered      bool   `json:"text_entered"`
	PreviousValue    string `json:"previous_value,omitempty"`
	CurrentValue     string `json:"current_value,omitempty"`
	ValidationPassed bool   `json:"validation_passed"`
}

// ElementInfo describes one matched element in an extract result.
type ElementInfo struct {
	Tag   string `json:"tag"`
	Class string `json:"class,omitempty"`
	Index int    `json:"index"`
}

// ExtractResponse carries extracted data. Data is a single value unless
// the command asked for multiple matches, in which case it is a list.
type ExtractResponse struct {
	BaseResponse
	ElementsFound int           `json:"elements_found"`
	Data          interface{}   `json:"data"`
	ElementInfo   []ElementInfo `json:"element_info,omitempty"`
}

// WaitResponse reports whether and when a wait condition was met.
type WaitResponse struct {
	BaseResponse
	ConditionMet     bool                   `json:"condition_met"`
	WaitTimeMs       int64                  `json:"wait_time_ms"`
	FinalState       string                 `json:"final_state,omitempty"`
	ElementCount     int                    `json:"element_count,omitempty"`
	ConditionDetails map[string]interface{} `json:"condition_details,omitempty"`
}

// ErrorResponse is the reply sent for any rejected or failed command.
type ErrorResponse struct {
	ID              string                 `json:"id"`
	Success         bool                   `json:"success"`
	Timestamp       time.Time              `json:"timestamp"`
	ExecutionTimeMs float64                `json:"execution_time_ms"`
	Error           string                 `json:"error"`
	ErrorCode       ErrorCode              `json:"error_code"`
	ErrorType       string                 `json:"error_type"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// NewErrorResponse builds the wire form of a CommandError.
func NewErrorResponse(id string, err *CommandError, execMs float64) *ErrorResponse {
	return &ErrorResponse{
		ID:              id,
		Success:         false,
		Timestamp:       time.Now().UTC(),
		ExecutionTimeMs: execMs,
		Error:           err.Message,
		ErrorCode:       err.Code,
		ErrorType:       err.Code.Type(),
		Details:         err.Details,
	}
}
