package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Canonical error codes shared by all adapters. Broker-native codes are
// translated into these inside each adapter.
const (
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeTimeout          = "TIMEOUT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeServerError      = "SERVER_ERROR"
	CodeOrderNotFound    = "ORDER_NOT_FOUND"
	CodeNothingToClose   = "NOTHING_TO_CLOSE"
	CodeValidation       = "VALIDATION_FAILED"
	CodeAuth             = "AUTH_FAILED"
	CodeUnsupported      = "UNSUPPORTED"
)

// Error is a typed broker failure. Retryable marks transient classes
// (timeouts, 5xx, rate limiting); validation and auth failures are never
// retryable.
type Error struct {
	Code       string
	Message    string
	HTTPStatus int
	Op         string
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("broker: %s: %s (%s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("broker: %s (%s)", e.Message, e.Code)
}

// NewError builds an Error with retryability derived from the code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCode(code)}
}

// WithOp annotates the error with the operation that produced it.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithStatus records the HTTP status behind the failure and upgrades
// retryability for 5xx and 429 responses.
func (e *Error) WithStatus(status int) *Error {
	e.HTTPStatus = status
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		e.Retryable = true
	}
	return e
}

func retryableCode(code string) bool {
	switch code {
	case CodeTimeout, CodeRateLimited, CodeServerError, CodeConnectionFailed:
		return true
	}
	return false
}

// IsRetryable reports whether an error belongs to a transient failure
// class. Context deadline expiry counts as a timeout: the call may have
// reached the broker, so the caller must re-query before deciding the
// outcome.
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsTimeout reports whether the error is a timeout-class failure, after
// which the true order outcome is unknown.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return hasCode(err, CodeTimeout)
}

// IsOrderNotFound reports whether the broker did not recognise the order
// id (or correlation id) in question.
func IsOrderNotFound(err error) bool {
	return hasCode(err, CodeOrderNotFound)
}

// IsNothingToClose reports the benign close-position failure: the
// requested side had no units.
func IsNothingToClose(err error) bool {
	return hasCode(err, CodeNothingToClose)
}

// IsValidation reports a non-retryable request rejection.
func IsValidation(err error) bool {
	return hasCode(err, CodeValidation)
}

func hasCode(err error, code string) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Code == code
	}
	return false
}
