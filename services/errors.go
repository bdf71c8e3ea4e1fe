package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies service failures so handlers and the query
// pipeline can react without inspecting error strings.
type ErrorKind string

const (
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindRateLimited       ErrorKind = "rate_limited"
	KindUnsupportedFormat ErrorKind = "unsupported_format"
	KindCorruptInput      ErrorKind = "corrupt_input"
	KindNotFound          ErrorKind = "not_found"
	KindEmbeddingFailure  ErrorKind = "embedding_failure"
	KindLLMFailure        ErrorKind = "llm_failure"
	KindUnavailable       ErrorKind = "unavailable"
	KindDeadlineExceeded  ErrorKind = "deadline_exceeded"
)

type Error struct {
	Kind    ErrorKind
	Message string

	// RetryAfter is set on rate-limit denials.
	RetryAfter time.Duration
	// ResetAt is set on quota denials for daily counters.
	ResetAt *time.Time

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// QuotaDenied builds a quota denial carrying the next reset time for
// daily counters (nil for absolute limits like documents and storage).
func QuotaDenied(reason string, resetAt *time.Time) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: reason, ResetAt: resetAt}
}

func RateDenied(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// KindOf extracts the kind from an error chain. Context deadline
// expiry maps to KindDeadlineExceeded; anything else unclassified
// returns the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
