package pipeline

import (
	_ "embed"
	"fmt"
)

//go:embed default_pipeline.yaml
var defaultSource []byte

// DefaultFileName is the pipeline file looked up in the work directory.
const DefaultFileName = "matrixci.yaml"

// Default returns the bundled pipeline: a three-platform test matrix with
// provisioning, type checking, tests, and platform-scoped coverage, docs and
// packaging steps.
func Default() *Pipeline {
	p, err := Parse(defaultSource)
	if err != nil {
		panic(fmt.Sprintf("bundled pipeline is invalid: %v", err))
	}
	return p
}

// DefaultSource returns the YAML of the bundled pipeline.
func DefaultSource() []byte {
	out := make([]byte, len(defaultSource))
	copy(out, defaultSource)
	return out
}
