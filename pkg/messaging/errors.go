package messaging

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// ERROR KINDS
// =============================================================================
//
// Every failure that reaches the subscription engine is classified into one
// of a small set of kinds, and the kind alone drives control flow:
//
//   ┌──────────────┬──────────────────────────────────────────────────────────┐
//   │ Kind         │ What the engine does                                     │
//   ├──────────────┼──────────────────────────────────────────────────────────┤
//   │ Fatal        │ log, stop the subscription, no self-restart              │
//   │ Intermittent │ rewind to last commit and retry; after the retry budget  │
//   │              │ is spent, tear down consumer+producer and reconnect      │
//   │ Transient    │ RPC only: the caller may retry the same request          │
//   └──────────────┴──────────────────────────────────────────────────────────┘
//
// Fatal is the zero value. Anything that is not explicitly tagged is Fatal:
// an unknown failure on a record must not turn into an infinite reprocess
// loop.
//
// =============================================================================

// Kind classifies an error for retry decisions.
type Kind int

const (
	KindFatal Kind = iota
	KindIntermittent
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindIntermittent:
		return "intermittent"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Error is an error tagged with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Intermittent tags err as recoverable by reconnecting.
func Intermittent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindIntermittent, Op: op, Err: err}
}

// Fatal tags err as unrecoverable.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Transient tags err as retryable by an RPC caller.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// KindOf returns the kind of the outermost tagged error in err's chain.
// Untagged errors are Fatal.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindFatal
}

// IsIntermittent reports whether err is tagged Intermittent.
func IsIntermittent(err error) bool {
	return err != nil && KindOf(err) == KindIntermittent
}

// IsTransient reports whether err is tagged Transient.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsCanceled reports whether err is a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

var (
	// ErrDecode wraps payloads that could not be decoded.
	ErrDecode = errors.New("decode failed")

	// ErrSubscriptionStopped is returned by operations on a stopped subscription.
	ErrSubscriptionStopped = errors.New("subscription stopped")
)
