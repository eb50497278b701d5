package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts the three shapes of on:
//
//	on: push
//	on: [push, pull_request]
//	on: {push: {branches: [main]}, release: {types: [published]}}
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	var out Triggers
	set := func(name string, f *EventFilter) error {
		switch name {
		case EventPush:
			out.Push = f
		case EventPullRequest:
			out.PullRequest = f
		case EventRelease:
			out.Release = f
		case EventWorkflowDispatch:
			out.WorkflowDispatch = f
		default:
			return fmt.Errorf("line %d: unknown event %q", value.Line, name)
		}
		return nil
	}

	switch value.Kind {
	case yaml.ScalarNode:
		if err := set(value.Value, &EventFilter{}); err != nil {
			return err
		}
	case yaml.SequenceNode:
		for _, n := range value.Content {
			if n.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: event names must be strings", n.Line)
			}
			if err := set(n.Value, &EventFilter{}); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, body := value.Content[i], value.Content[i+1]
			f := &EventFilter{}
			if !isNull(body) {
				if err := decodeStrict(body, f); err != nil {
					return fmt.Errorf("on.%s: %w", key.Value, err)
				}
			}
			if err := set(key.Value, f); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("line %d: on: must be a string, list or mapping", value.Line)
	}
	*t = out
	return nil
}

// UnmarshalYAML splits a matrix mapping into axes and the include/exclude lists.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", value.Line)
	}
	out := Matrix{Axes: map[string][]string{}}
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, body := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "include":
			if err := body.Decode(&out.Include); err != nil {
				return fmt.Errorf("matrix.include: %w", err)
			}
		case "exclude":
			if err := body.Decode(&out.Exclude); err != nil {
				return fmt.Errorf("matrix.exclude: %w", err)
			}
		default:
			if body.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: matrix axis %q must be a list", body.Line, key.Value)
			}
			values := make([]string, 0, len(body.Content))
			for _, n := range body.Content {
				if n.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: matrix axis %q values must be scalars", n.Line, key.Value)
				}
				values = append(values, n.Value)
			}
			out.Axes[key.Value] = values
		}
	}
	*m = out
	return nil
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

// decodeStrict decodes a sub-node while rejecting unknown keys, which
// node.Decode does not do on its own.
func decodeStrict(n *yaml.Node, out any) error {
	b, err := yaml.Marshal(n)
	if err != nil {
		return err
	}
	return decodeBytes(b, out)
}
