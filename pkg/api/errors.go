package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/eng-health-collector/pkg/store"
)

// ErrCode is the machine-readable code of an error envelope.
type ErrCode string

const (
	ErrCodeNotFound     ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized ErrCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrCode = "RATE_LIMITED"
	ErrCodeInternal     ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest   ErrCode = "BAD_REQUEST"
	ErrCodeUnavailable  ErrCode = "UNAVAILABLE"
)

// Error is an API error with the HTTP status it maps to.
type Error struct {
	Code    ErrCode
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error.
func NewNotFoundError(resource string) *Error {
	return &Error{Code: ErrCodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// NewBadRequestError creates a new bad request error.
func NewBadRequestError(message string) *Error {
	return &Error{Code: ErrCodeBadRequest, Status: http.StatusBadRequest, Message: message}
}

// NewUnauthorizedError creates a new unauthorized error.
func NewUnauthorizedError(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Status: http.StatusUnauthorized, Message: message}
}

// NewRateLimitedError creates a new rate limited error.
func NewRateLimitedError(message string) *Error {
	return &Error{Code: ErrCodeRateLimited, Status: http.StatusTooManyRequests, Message: message}
}

// NewUnavailableError creates a new service unavailable error. err is
// logged, never sent.
func NewUnavailableError(message string, err error) *Error {
	return &Error{Code: ErrCodeUnavailable, Status: http.StatusServiceUnavailable, Message: message, Err: err}
}

// NewInternalError creates a new internal error. err is logged, never sent.
func NewInternalError(err error) *Error {
	return &Error{Code: ErrCodeInternal, Status: http.StatusInternalServerError, Message: "internal server error", Err: err}
}

// errorBody is the envelope every failed request receives.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      ErrCode `json:"code"`
	Message   string  `json:"message"`
	RequestID string  `json:"request_id,omitempty"`
}

// respondError aborts the request with the envelope for err. Store misses
// become NOT_FOUND for resource, store timeouts UNAVAILABLE; anything
// unclassified is INTERNAL_ERROR.
func respondError(c *gin.Context, err error, resource string) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, store.ErrNotFound):
		apiErr = NewNotFoundError(resource)
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = NewUnavailableError("store did not respond in time", err)
	default:
		apiErr = NewInternalError(err)
	}

	if apiErr.Status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().
			Err(apiErr.Err).
			Str("code", string(apiErr.Code)).
			Msg("Request failed")
	}

	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(apiErr.Status, errorBody{Error: errorDetail{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: RequestIDFrom(c),
	}})
}
