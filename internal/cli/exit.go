package cli

import (
	"errors"
	"fmt"

	errUtils "matrixci/internal/errors"
)

const (
	ExitSuccess           = 0
	ExitPipelineFailure   = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// errPipelineFailed is returned by run when at least one leg failed.
var errPipelineFailed = errors.New("pipeline failed")

// InvocationError is a malformed command line: bad flags, arguments or
// values. It always exits with ExitInvalidInvocation.
type InvocationError struct {
	Message string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{Message: fmt.Sprintf(format, args...)}
}

// exitCoded is implemented by errors carrying an explicit exit code
// (see errUtils.WithExitCode).
type exitCoded interface {
	ExitCode() int
}

// ExitCode maps an error returned by a command to the process exit code.
// Errors without a classification are internal errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		return ExitInvalidInvocation
	}
	var coded exitCoded
	if errors.As(err, &coded) {
		return errUtils.GetExitCode(err)
	}
	return ExitInternalError
}
