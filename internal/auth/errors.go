package auth

import "errors"

// ErrorCode classifies terminal authentication failures. Both codes are
// unrecoverable locally and escalate to the logout signal.
type ErrorCode string

const (
	// CodeMissingRefresh means a 401 arrived with no refresh credential
	// stored, so no renewal can be attempted.
	CodeMissingRefresh ErrorCode = "missing_refresh"
	// CodeInvalidRefresh means the identity endpoint rejected the refresh
	// credential (or the renewal call failed outright).
	CodeInvalidRefresh ErrorCode = "invalid_refresh"
)

// Error is a terminal authentication failure.
type Error struct {
	Code  ErrorCode
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return "auth: " + string(e.Code) + ": " + e.cause.Error()
	}
	return "auth: " + string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an Error with an optional underlying cause.
func NewError(code ErrorCode, cause error) *Error {
	return &Error{Code: code, cause: cause}
}

// ErrSuperseded is returned to renewal waiters when the session was cleared
// (manual logout) while the renewal call was in flight. The result is
// discarded and no logout signal is emitted for it.
var ErrSuperseded = errors.New("auth: session superseded during renewal")

// IsAuthError reports whether err is a terminal auth failure and returns it.
func IsAuthError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
