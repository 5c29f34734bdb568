package domain

import "errors"

// Common domain errors
var (
	ErrMissingName       = errors.New("missing name")
	ErrUpstreamStatus    = errors.New("prediction api returned non-success status")
	ErrUpstreamDecode    = errors.New("prediction api returned malformed body")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrDeliberateFailure = errors.New("whoops something went wrong")
)

// Error codes used in ErrorResponse.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeInternalError = "INTERNAL_ERROR"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Status  int
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err == nil {
		return e.Code
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewBadRequest wraps err as a client input error.
func NewBadRequest(err error) *DomainError {
	return &DomainError{Err: err, Code: CodeBadRequest, Message: err.Error(), Status: 400}
}

// ErrorResponse is the JSON body returned for failed requests. Internal errors
// never expose their cause; the request id lets operators find the logs.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}
