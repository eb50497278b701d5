package trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	errUtils "matrixci/internal/errors"
	"matrixci/internal/pipeline"
)

func TestMatches_DefaultPipeline(t *testing.T) {
	on := pipeline.Default().On

	cases := []struct {
		name  string
		event Event
		want  bool
	}{
		{"push to main", Event{Name: "push", Ref: "refs/heads/main"}, true},
		{"push to feature", Event{Name: "push", Ref: "refs/heads/feature/x"}, false},
		{"pull request from anywhere", Event{Name: "pull_request", Ref: "refs/heads/feature/x"}, true},
		{"release published", Event{Name: "release", Action: "published"}, true},
		{"release created", Event{Name: "release", Action: "created"}, false},
		{"release without action", Event{Name: "release"}, false},
		{"manual", Event{Name: "workflow_dispatch"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(on, tc.event))
		})
	}
}

func TestMatches_ReleaseWithoutTypes(t *testing.T) {
	on := pipeline.Triggers{Release: &pipeline.EventFilter{}}

	assert.True(t, Matches(on, Event{Name: "release"}))
	assert.True(t, Matches(on, Event{Name: "release", Action: "created"}))
}

func TestMatches_Globs(t *testing.T) {
	on := pipeline.Triggers{Push: &pipeline.EventFilter{Branches: []string{"release/**", "main"}}}

	assert.True(t, Matches(on, Event{Name: "push", Ref: "refs/heads/release/1.2/rc"}))
	assert.True(t, Matches(on, Event{Name: "push", Ref: "main"}))
	assert.False(t, Matches(on, Event{Name: "push", Ref: "refs/heads/dev"}))
	assert.False(t, Matches(on, Event{Name: "pull_request", Ref: "main"}))
}

func TestEvent_Validate(t *testing.T) {
	assert.NoError(t, Event{Name: "release"}.Validate())
	assert.ErrorIs(t, Event{}.Validate(), errUtils.ErrInvalidEvent)
	assert.ErrorIs(t, Event{Name: "schedule"}.Validate(), errUtils.ErrInvalidEvent)
}
