package errors

import (
	"errors"
	"fmt"
	"testing"
)

type codedErr struct{}

func (codedErr) Error() string        { return "coded" }
func (codedErr) ErrorCode() ErrorCode { return CodeCorruptArtifact }

func TestDomainError(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		err := New(CodeNotFound, "grammar not found")
		if err.Error() != "[NOT_FOUND] grammar not found" {
			t.Errorf("expected [NOT_FOUND] grammar not found, got %s", err.Error())
		}
	})

	t.Run("Wrap", func(t *testing.T) {
		original := errors.New("original error")
		err := Wrap(original, CodeInternal, "internal failure")
		expected := "[INTERNAL_ERROR] internal failure: original error"
		if err.Error() != expected {
			t.Errorf("expected %s, got %s", expected, err.Error())
		}
		if !errors.Is(err, original) {
			t.Error("expected wrapped error to unwrap to original")
		}
	})

	t.Run("IsCode", func(t *testing.T) {
		err := New(CodeValidationError, "invalid input")
		if !IsCode(err, CodeValidationError) {
			t.Error("expected IsCode to return true for CodeValidationError")
		}
		if IsCode(err, CodeNotFound) {
			t.Error("expected IsCode to return false for CodeNotFound")
		}
		if IsCode(nil, CodeInternal) {
			t.Error("expected IsCode(nil) to be false")
		}
	})

	t.Run("IsCodeWithWrapped", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeIncompatibleVersion, "abi 99"))
		if !IsCode(err, CodeIncompatibleVersion) {
			t.Error("expected IsCode to see through fmt.Errorf wrapping")
		}
	})

	t.Run("Coder", func(t *testing.T) {
		err := fmt.Errorf("load: %w", codedErr{})
		if got := CodeOf(err); got != CodeCorruptArtifact {
			t.Errorf("expected %s, got %s", CodeCorruptArtifact, got)
		}
		if got := CodeOf(errors.New("plain")); got != CodeInternal {
			t.Errorf("expected plain errors to map to %s, got %s", CodeInternal, got)
		}
	})

	t.Run("AddContext", func(t *testing.T) {
		err := AddContext(New(CodeNotFound, "missing"), CtxLanguage, "pyret")
		var de *DomainError
		if !errors.As(err, &de) || de.Context[CtxLanguage] != "pyret" {
			t.Fatalf("expected language context, got %v", err)
		}
		plain := AddContext(errors.New("boom"), CtxPath, "/tmp/x")
		if !IsCode(plain, CodeInternal) {
			t.Errorf("expected plain error promoted to %s", CodeInternal)
		}
	})
}
