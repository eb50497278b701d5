package pipeline

import (
	"fmt"
	"strings"

	errUtils "matrixci/internal/errors"
)

// ValidationError describes why a pipeline definition was rejected.
type ValidationError struct {
	Kind  error
	Path  string
	Msg   string
	Cause error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	parts := []string{e.Kind.Error()}
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func invalidf(path, format string, args ...any) error {
	return &ValidationError{Kind: errUtils.ErrInvalidPipeline, Path: path, Msg: fmt.Sprintf(format, args...)}
}

func invalidCause(path string, cause error) error {
	return &ValidationError{Kind: errUtils.ErrInvalidPipeline, Path: path, Cause: cause}
}
