package common

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions. The
// classification travels with the error through fmt.Errorf %w wrapping, so
// any layer can recover it with KindOf without string matching.
type Kind int

const (
	// KindUnknown is the zero value for errors that carry no classification.
	KindUnknown Kind = iota

	// KindTransient marks infrastructure hiccups worth retrying: closed or
	// unestablished connections, pool acquisition timeouts, broker
	// disconnects, extraction RPC timeouts.
	KindTransient

	// KindConflict marks a tenant-scoped unique-constraint violation. The
	// persistence service resolves these outside the failed transaction.
	KindConflict

	// KindValidation marks malformed external input, such as an extraction
	// response that fails envelope validation. One fresh retry, then the
	// workflow fails.
	KindValidation

	// KindBusiness marks domain-rule outcomes handled inline: purchase order
	// already terminal, no merchant session, no supplier match without
	// create permission.
	KindBusiness

	// KindFatal marks process-level failures: warmup exhaustion, broker
	// unreachable beyond the retry budget. The process aborts.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindBusiness:
		return "business"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the failing operation in
// package.Function form for log correlation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a classification. A nil err yields nil so call sites can
// wrap return values unconditionally.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Transient tags err as retryable infrastructure failure.
func Transient(op string, err error) error { return E(KindTransient, op, err) }

// Conflict tags err as a unique-constraint conflict.
func Conflict(op string, err error) error { return E(KindConflict, op, err) }

// Validation tags err as malformed external input.
func Validation(op string, err error) error { return E(KindValidation, op, err) }

// Business tags err as a domain-rule outcome.
func Business(op string, err error) error { return E(KindBusiness, op, err) }

// Fatal tags err as unrecoverable for the process.
func Fatal(op string, err error) error { return E(KindFatal, op, err) }

// KindOf walks the wrap chain and returns the first classification found,
// or KindUnknown when the chain carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsConflict reports whether err is a unique-constraint conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsValidation reports whether err is malformed-input failure.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsBusiness reports whether err is a domain-rule outcome.
func IsBusiness(err error) bool { return KindOf(err) == KindBusiness }

// IsFatal reports whether err is unrecoverable for the process.
func IsFatal(err error) bool { return KindOf(err) == KindFatal }
