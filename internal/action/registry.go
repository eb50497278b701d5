// Package action implements the built-in handlers behind uses: steps.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/leg"
	"matrixci/internal/pipeline"
)

// Handler runs one uses: step. Inputs are already interpolated.
type Handler func(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error)

// Registry maps action names to handlers. It implements leg.StepRunner.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry with the built-in actions bound to deps.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	r.Register(pipeline.ActionCheckout, checkout)
	r.Register(pipeline.ActionUploadCoverage, deps.uploadCoverage)
	r.Register(pipeline.ActionUploadArtifact, deps.uploadArtifact)
	return r
}

// Register binds name to h, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) RunStep(ctx context.Context, req leg.StepRequest) (*leg.StepOutput, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.Step.Uses]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUtils.ErrUnknownAction, req.Step.Uses)
	}
	return h(ctx, req)
}

// output builds a StepOutput from formatted lines.
type output struct {
	stdout, stderr []byte
}

func (o *output) logf(format string, args ...any) {
	o.stdout = fmt.Appendf(o.stdout, format+"\n", args...)
}

func (o *output) warnf(format string, args ...any) {
	o.stderr = fmt.Appendf(o.stderr, "warning: "+format+"\n", args...)
}

func (o *output) errorf(format string, args ...any) {
	o.stderr = fmt.Appendf(o.stderr, "error: "+format+"\n", args...)
}

func (o *output) result(exitCode int, artifacts ...string) *leg.StepOutput {
	return &leg.StepOutput{ExitCode: exitCode, Stdout: o.stdout, Stderr: o.stderr, Artifacts: artifacts}
}
