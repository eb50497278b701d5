// Package trigger decides whether an incoming event starts a pipeline.
package trigger

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/pipeline"
)

// Event is what started a run: its kind, the git ref and commit it refers
// to and, for release events, the release action.
type Event struct {
	Name   string
	Ref    string
	SHA    string
	Action string
}

// DefaultReleaseAction is the release action assumed when none is given.
const DefaultReleaseAction = "published"

// Validate rejects event kinds matrixci does not know.
func (e Event) Validate() error {
	switch e.Name {
	case pipeline.EventPush, pipeline.EventPullRequest, pipeline.EventRelease, pipeline.EventWorkflowDispatch:
		return nil
	case "":
		return fmt.Errorf("%w: event name is required", errUtils.ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: %q", errUtils.ErrInvalidEvent, e.Name)
	}
}

// Branch returns the short branch name of the event ref.
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Matches reports whether t starts a run for e.
//
// Push and pull_request events honour the branches filter (doublestar
// globs over the short branch name). A release event must carry one of the
// declared types when any are declared. A declared workflow_dispatch always
// matches.
func Matches(t pipeline.Triggers, e Event) bool {
	f, ok := t.Filter(e.Name)
	if !ok {
		return false
	}
	switch e.Name {
	case pipeline.EventPush, pipeline.EventPullRequest:
		return matchAny(f.Branches, e.Branch())
	case pipeline.EventRelease:
		return len(f.Types) == 0 || lo.Contains(f.Types, e.Action)
	default:
		return true
	}
}

func matchAny(patterns []string, branch string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}
