package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes failures so callers can decide whether to retry,
// skip to another subreddit, or surface the problem to the user.
type ErrorType string

const (
	ErrNetwork           ErrorType = "NETWORK_ERROR"
	ErrSubredditNotFound ErrorType = "SUBREDDIT_NOT_FOUND"
	ErrInsufficientData  ErrorType = "INSUFFICIENT_DATA"
	ErrAPI               ErrorType = "API_ERROR"
	ErrRateLimit         ErrorType = "RATE_LIMIT"
	ErrUnknown           ErrorType = "UNKNOWN_ERROR"
)

// Error is a typed error carrying retry semantics and a user-facing
// suggestion. It wraps the underlying cause when there is one.
type Error struct {
	Type       ErrorType
	Message    string
	Suggestion string
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error with retryability derived from the type.
func NewError(errType ErrorType, message string, cause error) *Error {
	e := &Error{
		Type:    errType,
		Message: message,
		Err:     cause,
	}

	switch errType {
	case ErrNetwork, ErrRateLimit:
		e.Retryable = true
	case ErrInsufficientData:
		e.Retryable = true
		e.Suggestion = "try a different subreddit"
	case ErrSubredditNotFound:
		e.Suggestion = "check the subreddit name or pick another one"
	}

	return e
}

// classifyStatus maps an upstream HTTP status to a typed error.
func classifyStatus(status int, subreddit string) *Error {
	switch {
	case status == http.StatusNotFound, status == http.StatusForbidden, status == http.StatusUnavailableForLegalReasons:
		// nonexistent, private or banned subreddits all land here
		return NewError(ErrSubredditNotFound, fmt.Sprintf("subreddit %q is unavailable (status %d)", subreddit, status), nil)
	case status == http.StatusTooManyRequests:
		return NewError(ErrRateLimit, "Reddit API rate limit exceeded", nil)
	case status >= 500:
		e := NewError(ErrAPI, fmt.Sprintf("Reddit API error (status %d)", status), nil)
		e.Retryable = true
		e.StatusCode = status
		return e
	default:
		e := NewError(ErrAPI, fmt.Sprintf("unexpected Reddit API response (status %d)", status), nil)
		e.StatusCode = status
		return e
	}
}

// AsError extracts a typed *Error from err, wrapping unknown errors as
// UNKNOWN_ERROR so the HTTP layer always has something structured.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewError(ErrUnknown, err.Error(), err)
}

// IsUnavailable reports whether err means the subreddit cannot serve
// content at all (not found, private or banned). In rotation mode this
// triggers a skip-list addition.
func IsUnavailable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Type == ErrSubredditNotFound
}

// HTTPStatus maps an error type to the status code served to clients.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrSubredditNotFound:
		return http.StatusNotFound
	case ErrRateLimit:
		return http.StatusTooManyRequests
	case ErrInsufficientData:
		return http.StatusUnprocessableEntity
	case ErrNetwork, ErrAPI:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}
