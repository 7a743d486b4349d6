package types

import (
	"context"
	"errors"
	"strings"
)

// ErrCancelled is the typed marker for user-initiated cancellation of a
// streaming dispatch. Providers wrap context cancellation into it so the
// pipeline classifies failures by kind instead of by message text.
var ErrCancelled = errors.New("prompt cancelled")

// Cancelled wraps err as a typed cancellation, preserving the cause.
func Cancelled(err error) error {
	if err == nil {
		return ErrCancelled
	}

	return &cancelledError{cause: err}
}

type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string {
	return "prompt cancelled: " + e.cause.Error()
}

func (e *cancelledError) Unwrap() []error {
	return []error{ErrCancelled, e.cause}
}

// IsCancellation classifies a streaming failure as user-initiated
// cancellation.
//
// The typed kind is authoritative. The "abort"/"cancel" substring match is
// kept only as a compatibility shim for backends that report cancellation
// through free-text error messages; it can misclassify a genuine error
// that happens to contain those words.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return true
	}

	message := err.Error()
	return strings.Contains(message, "abort") || strings.Contains(message, "cancel")
}
