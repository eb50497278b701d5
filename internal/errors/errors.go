// Package errors holds the sentinel errors shared across matrixci packages and
// helpers for carrying process exit codes through an error chain.
//
// Import it as errUtils to avoid shadowing the errors package.
package errors

import "github.com/cockroachdb/errors"

var (
	ErrInvalidPipeline  = errors.New("invalid pipeline")
	ErrPipelineNotFound = errors.New("pipeline file not found")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrUnknownAction    = errors.New("unknown action")
	ErrUnknownComposite = errors.New("unknown composite")
	ErrInvalidMatrix    = errors.New("invalid matrix")
	ErrInvalidEvent     = errors.New("invalid event")
	ErrUnknownJob       = errors.New("unknown job")

	ErrGuardSyntax       = errors.New("invalid guard expression")
	ErrGuardNotBoolean   = errors.New("guard expression did not evaluate to a boolean")
	ErrInterpolation     = errors.New("expression interpolation failed")
	ErrInvalidTransition = errors.New("invalid step state transition")

	ErrArtifactExists   = errors.New("artifact already exists")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrNoFilesFound     = errors.New("no files found for artifact")
	ErrMissingToken     = errors.New("coverage upload token is missing")
	ErrUploadRejected   = errors.New("coverage upload rejected")
	ErrNoEndpoint       = errors.New("coverage endpoint is not configured")

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrRunNotFound   = errors.New("run not found")
)
