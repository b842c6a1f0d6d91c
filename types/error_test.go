package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTransient, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true).
		WithProvider("openai")

	if GetErrorCode(err) != ErrTransient {
		t.Fatalf("expected code %s, got %s", ErrTransient, GetErrorCode(err))
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

func TestError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("acquire: %w", NewError(ErrNoHealthyCredential, "pool drained"))
	if !errors.Is(err, ErrNoHealthy) {
		t.Fatalf("expected wrapped error to match ErrNoHealthy")
	}
	if errors.Is(err, ErrCorruption) {
		t.Fatalf("did not expect match against ErrCorruption")
	}
	if !IsErrorCode(err, ErrNoHealthyCredential) {
		t.Fatalf("expected IsErrorCode through wrap")
	}
}

func TestGetErrorCode_PlainError(t *testing.T) {
	t.Parallel()

	if code := GetErrorCode(errors.New("x")); code != "" {
		t.Fatalf("expected empty code, got %s", code)
	}
	if IsRetryable(errors.New("x")) {
		t.Fatalf("plain error must not be retryable")
	}
}

func TestGenerationResult_Fatal(t *testing.T) {
	t.Parallel()

	ok := GenerationResult{ItemID: "a"}
	if !ok.Success() || ok.Fatal() {
		t.Fatalf("expected success")
	}
	fatal := GenerationResult{ItemID: "a", Err: NewError(ErrNoHealthyCredential, "x")}
	if fatal.Success() || !fatal.Fatal() {
		t.Fatalf("expected fatal failure")
	}
	perm := GenerationResult{ItemID: "a", Err: NewError(ErrTransient, "x")}
	if perm.Fatal() {
		t.Fatalf("transient failure must not be fatal")
	}
}
