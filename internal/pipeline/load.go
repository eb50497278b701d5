package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	errUtils "matrixci/internal/errors"
)

// Load reads, parses and validates the pipeline at path.
func Load(path string) (*Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errUtils.ErrPipelineNotFound, path)
		}
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	p, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a pipeline document, inlines composite calls and validates
// the result.
//
// Parsing is strict: unknown keys and trailing documents are rejected.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := decodeBytes(data, &p); err != nil {
		return nil, &ValidationError{Kind: errUtils.ErrInvalidPipeline, Msg: err.Error()}
	}
	if err := p.prepare(); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeBytes(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		if err == nil {
			return fmt.Errorf("trailing document")
		}
		return err
	}
	return nil
}

// prepare assigns IDs, validates the raw definition, inlines composites and
// validates the expanded steps.
func (p *Pipeline) prepare() error {
	p.assignIDs()
	if err := p.validateDefinition(); err != nil {
		return err
	}
	for _, id := range p.JobIDs() {
		job := p.Jobs[id]
		steps, err := p.expandSteps(job)
		if err != nil {
			return err
		}
		job.Steps = steps
	}
	return p.validateSteps()
}

func (p *Pipeline) assignIDs() {
	for id, job := range p.Jobs {
		if job == nil {
			continue
		}
		job.ID = id
		defaultStepIDs(job.Steps)
	}
	for name, c := range p.Composites {
		defaultStepIDs(c.Steps)
		p.Composites[name] = c
	}
}

func defaultStepIDs(steps []Step) {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
	}
}
