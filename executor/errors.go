package executor

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying every failure a backend or the async layer can
// produce. Callers match with errors.Is; a *Error wraps exactly one of them.
var (
	// ErrNotFound: the language has no registered executor. Distinct from an
	// initialization failure of a registered language.
	ErrNotFound = errors.New("language not registered")

	// ErrCompile: the external toolchain rejected the source. The error
	// message carries the captured diagnostics.
	ErrCompile = errors.New("compile error")

	// ErrLink: the module loaded but the entry symbol is missing or has an
	// incompatible shape.
	ErrLink = errors.New("link error")

	// ErrRuntime: the target language raised an exception or the child
	// process exited nonzero. The message carries the captured text.
	ErrRuntime = errors.New("runtime error")

	// ErrTimedOut: the deadline elapsed before the invocation finished.
	ErrTimedOut = errors.New("timed out")

	// ErrCancelled: the invocation was cancelled before or during execution.
	ErrCancelled = errors.New("cancelled")

	// ErrPoolSaturated: the pool is configured to reject rather than queue
	// and has no capacity.
	ErrPoolSaturated = errors.New("pool saturated")
)

// Error is a classified backend failure. Kind is one of the sentinel errors
// above so retry logic can distinguish timeouts and cancellations from
// ordinary failures.
type Error struct {
	Kind    error  // one of the sentinels
	Lang    string // language tag, if known
	Message string // captured diagnostics / exception text / stderr
	Err     error  // underlying cause, if any
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Lang != "" {
		msg = e.Lang + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Errf builds a classified error with a formatted message.
func Errf(kind error, lang, format string, args ...any) *Error {
	return &Error{Kind: kind, Lang: lang, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind error, lang string, err error) *Error {
	return &Error{Kind: kind, Lang: lang, Err: err}
}

// IsRetryable reports whether an error represents an ordinary failure that a
// retry policy may re-attempt. Timeouts and cancellations are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrTimedOut) && !errors.Is(err, ErrCancelled)
}
