package grammar

import (
	"errors"
	"fmt"

	domainerrors "grammargate/internal/core/errors"
)

// Kind classifies why a grammar failed to load.
type Kind int

const (
	KindEmptyArtifact Kind = iota + 1
	KindIncompatibleVersion
	KindCorruptArtifact
)

func (k Kind) String() string {
	switch k {
	case KindEmptyArtifact:
		return "EmptyArtifact"
	case KindIncompatibleVersion:
		return "IncompatibleVersion"
	case KindCorruptArtifact:
		return "CorruptArtifact"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Code maps the kind onto the shared domain error codes.
func (k Kind) Code() domainerrors.ErrorCode {
	switch k {
	case KindEmptyArtifact:
		return domainerrors.CodeEmptyArtifact
	case KindIncompatibleVersion:
		return domainerrors.CodeIncompatibleVersion
	case KindCorruptArtifact:
		return domainerrors.CodeCorruptArtifact
	default:
		return domainerrors.CodeInternal
	}
}

var (
	ErrEmptyArtifact       = &LoadError{Kind: KindEmptyArtifact}
	ErrIncompatibleVersion = &LoadError{Kind: KindIncompatibleVersion}
	ErrCorruptArtifact     = &LoadError{Kind: KindCorruptArtifact}
)

// LoadError is returned by every failed load. Message is optional.
type LoadError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	msg := "grammar load failed: " + e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is matches any LoadError of the same kind, so errors.Is(err, ErrCorruptArtifact) works
// regardless of message.
func (e *LoadError) Is(target error) bool {
	var le *LoadError
	if !errors.As(target, &le) {
		return false
	}
	return le.Kind == e.Kind
}

func (e *LoadError) ErrorCode() domainerrors.ErrorCode { return e.Kind.Code() }

// KindOf returns the kind of the first LoadError in err's chain, or 0.
func KindOf(err error) Kind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	return 0
}

func emptyf(format string, args ...any) error {
	return &LoadError{Kind: KindEmptyArtifact, Message: fmt.Sprintf(format, args...)}
}

func incompatiblef(format string, args ...any) error {
	return &LoadError{Kind: KindIncompatibleVersion, Message: fmt.Sprintf(format, args...)}
}

func corruptf(format string, args ...any) error {
	return &LoadError{Kind: KindCorruptArtifact, Message: fmt.Sprintf(format, args...)}
}
