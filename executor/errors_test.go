package executor

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	err := Errf(ErrCompile, "c", "expected ';' at line 3")
	if !errors.Is(err, ErrCompile) {
		t.Error("errors.Is(err, ErrCompile) = false")
	}
	if errors.Is(err, ErrRuntime) {
		t.Error("compile error matched ErrRuntime")
	}

	var classified *Error
	if !errors.As(err, &classified) {
		t.Fatal("errors.As(*Error) = false")
	}
	if classified.Lang != "c" {
		t.Errorf("Lang = %q, want c", classified.Lang)
	}
}

func TestErrorSurvivesWrapping(t *testing.T) {
	inner := Errf(ErrTimedOut, "py", "deadline")
	outer := fmt.Errorf("call block: %w", inner)
	if !errors.Is(outer, ErrTimedOut) {
		t.Error("sentinel lost through fmt.Errorf wrap")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(ErrRuntime, "sh", cause)
	if !errors.Is(err, ErrRuntime) {
		t.Error("kind lost")
	}
	if !errors.Is(err, cause) {
		t.Error("cause lost")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"kind only", &Error{Kind: ErrRuntime}, "runtime error"},
		{"with lang", Errf(ErrCompile, "c", ""), "c: compile error"},
		{"with message", Errf(ErrRuntime, "py", "boom"), "py: runtime error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"runtime", Errf(ErrRuntime, "py", "raised"), true},
		{"compile", Errf(ErrCompile, "c", "syntax"), true},
		{"timed out", Errf(ErrTimedOut, "", "deadline"), false},
		{"cancelled", Errf(ErrCancelled, "", "stopped"), false},
		{"wrapped timeout", fmt.Errorf("outer: %w", Errf(ErrTimedOut, "", "deadline")), false},
		{"plain error", errors.New("anything"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
