package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError marks errors that can safely be retried on the next poll
// tick.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth another attempt. Explicit
// classification via the RecoverableError interface wins; unclassified errors
// fall back to transport-level heuristics.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return transientByKind(err)
}

// transientByKind recognizes the failures the pollers and the object store
// actually produce in transient form: timeouts, interrupted connections, and
// throttling or 5xx responses from the storage backend.
func transientByKind(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is intentional, don't retry.
		return false
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return netErr.Temporary() || netErr.Timeout()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return transientByKind(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"slowdown",
		"throttl",
		"timeout",
		"connection refused",
		"connection reset",
		"service unavailable",
		"internal error",
		"bad gateway",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string {
	return e.err.Error()
}

func (e *recoverableError) IsRecoverable() bool {
	return true
}

func (e *recoverableError) Unwrap() error {
	return e.err
}

// NewRecoverableError wraps err so poll loops will retry it.
func NewRecoverableError(err error) *recoverableError {
	return &recoverableError{err: err}
}

// NonRecoverableError wraps err so poll loops abort on it immediately.
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string {
	return e.err.Error()
}

func (e *NonRecoverableError) IsRecoverable() bool {
	return false
}

func (e *NonRecoverableError) Unwrap() error {
	return e.err
}

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
