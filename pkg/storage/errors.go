package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

type Kind string

const (
	KindUnknown    Kind = "unknown"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindInvalid    Kind = "invalid"
	KindThrottled  Kind = "throttled"
	KindTransient  Kind = "transient"
)

// Error wraps a backend failure with the operation that produced it and
// whether repeating the call may succeed.
type Error struct {
	Op        string
	Bucket    string
	Key       string
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("storage.%s %s/%s (%s): %v", e.Op, e.Bucket, e.Key, e.Kind, e.Err)
	case e.Bucket != "":
		return fmt.Sprintf("storage.%s bucket %s (%s): %v", e.Op, e.Bucket, e.Kind, e.Err)
	default:
		return fmt.Sprintf("storage.%s (%s): %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error of the given kind. Throttled and transient
// failures are retryable.
func NewError(op, bucket, key string, kind Kind, err error) *Error {
	return &Error{
		Op:        op,
		Bucket:    bucket,
		Key:       key,
		Kind:      kind,
		Retryable: kind == KindThrottled || kind == KindTransient,
		Err:       err,
	}
}

// ErrNotFound is returned (wrapped) by adapters when an object does not exist.
var ErrNotFound = errors.New("object not found")

func IsNotFound(err error) bool {
	var se *Error
	if errors.As(err, &se) && se.Kind == KindNotFound {
		return true
	}
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether err is worth another attempt. Errors that did
// not come from an adapter are retried only when they look like network or
// timeout failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return IsTransportError(err)
}

// IsTransportError reports network level failures: per-call deadlines,
// truncated bodies and net.Error timeouts.
func IsTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
