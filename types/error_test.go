package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrRerankFailed, "backend failed").
		WithCause(root).
		WithRetryable(true).
		WithBackend("cohere")

	if GetErrorCode(err) != ErrRerankFailed {
		t.Fatalf("expected code %s, got %s", ErrRerankFailed, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedCodeIsFound(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrDuplicateCandidate, "duplicate id %q", "a")
	wrapped := fmt.Errorf("merge: %w", inner)

	if !IsErrorCode(wrapped, ErrDuplicateCandidate) {
		t.Fatalf("expected wrapped error to carry %s", ErrDuplicateCandidate)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("duplicate candidate must not be retryable")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}
