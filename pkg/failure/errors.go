// Package failure defines the error taxonomy shared by the collection path
// and the serving API.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind string

const (
	// Unauthorized covers 401/403. Never retried.
	Unauthorized Kind = "unauthorized"

	// RateLimited covers 429. Retryable, honoring RetryAfter.
	RateLimited Kind = "rate_limited"

	// Transient covers connection resets, timeouts and 5xx responses.
	Transient Kind = "transient"

	// Fatal covers malformed requests or responses and other 4xx.
	Fatal Kind = "fatal"

	// Cancelled marks cooperative shutdown. Not reported as a failure.
	Cancelled Kind = "cancelled"
)

// Error is a classified error with optional upstream context.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}

	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", prefix, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Context errors map to
// Cancelled (or Transient for deadlines), unclassified errors to Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Transient
	default:
		return Fatal
	}
}

// RetryAfterOf returns the upstream retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FromStatus maps an HTTP status code to a Kind. 2xx/3xx return "".
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Unauthorized
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status == http.StatusRequestTimeout:
		return Transient
	case status >= 400 && status < 500:
		return Fatal
	case status >= 500:
		return Transient
	default:
		return ""
	}
}

// ParseRetryAfter parses a Retry-After header given either as seconds or
// as an HTTP-date relative to now. Invalid or past values yield 0.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
