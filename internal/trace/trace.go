// Package trace records the decisions taken for every step of every leg of a
// run and encodes them canonically, so that two runs over the same input can
// be compared by hash.
package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// RunTrace is the canonical, deterministic record of one pipeline run.
//
// A trace holds logical decisions only: which steps ran, failed or were
// skipped and why, and how each leg concluded. It never holds timestamps,
// durations, process output or error strings.
//
// Events are ordered by Canonicalize(), never by arrival, so legs running in
// parallel produce the same bytes in any interleaving.
type RunTrace struct {
	PipelineHash string
	Events       []Event
}

// EventKind is the stable discriminator for Event. The string values are part
// of the canonical bytes; do not rename.
type EventKind string

const (
	EventStepExecuted EventKind = "StepExecuted"
	EventStepFailed   EventKind = "StepFailed"
	EventStepSkipped  EventKind = "StepSkipped"
	EventLegConcluded EventKind = "LegConcluded"
)

// Event is a single logical decision.
type Event struct {
	Kind EventKind

	// LegID identifies the leg. Required for every kind.
	LegID string

	// StepID and Seq identify the step and its position in the leg. For
	// LegConcluded, Seq is the number of steps.
	StepID string
	Seq    int

	// Reason is a stable reason code such as GuardFalse or FatalStepFailed.
	Reason string

	// CauseStepID records the step that caused a skip.
	CauseStepID string

	// Conclusion is the step conclusion for StepFailed (a tolerated failure
	// concludes success) and the leg conclusion for LegConcluded.
	Conclusion string

	// Artifacts lists artifact names a step published.
	Artifacts []string
}

func isStepEvent(kind EventKind) bool {
	switch kind {
	case EventStepExecuted, EventStepFailed, EventStepSkipped:
		return true
	default:
		return false
	}
}

// Validate checks basic invariants and returns a descriptive error.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("pipelineHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.LegID == "" {
			return fmt.Errorf("events[%d].legId is required", i)
		}
		if isStepEvent(e.Kind) && e.StepID == "" {
			return fmt.Errorf("events[%d].stepId is required for kind %q", i, e.Kind)
		}
		if e.Seq < 0 {
			return fmt.Errorf("events[%d].seq is negative", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace in place.
//
// Events are stably sorted by (legId, seq, kindOrder, stepId, reason,
// causeStepId, conclusion, artifacts). Artifacts are sorted and empty slices
// become nil.
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		t.Events[i].Artifacts = sortedCopy(t.Events[i].Artifacts)
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		switch {
		case a.LegID != b.LegID:
			return a.LegID < b.LegID
		case a.Seq != b.Seq:
			return a.Seq < b.Seq
		case kindOrder(a.Kind) != kindOrder(b.Kind):
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		case a.StepID != b.StepID:
			return a.StepID < b.StepID
		case a.Reason != b.Reason:
			return a.Reason < b.Reason
		case a.CauseStepID != b.CauseStepID:
			return a.CauseStepID < b.CauseStepID
		case a.Conclusion != b.Conclusion:
			return a.Conclusion < b.Conclusion
		default:
			return lessStrings(a.Artifacts, b.Artifacts)
		}
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStepSkipped:
		return 10
	case EventStepExecuted:
		return 20
	case EventStepFailed:
		return 30
	case EventLegConcluded:
		return 40
	default:
		return 1000
	}
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func lessStrings(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Legs returns the IDs of the legs present in the trace, sorted.
func (t RunTrace) Legs() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range t.Events {
		if !seen[e.LegID] {
			seen[e.LegID] = true
			out = append(out, e.LegID)
		}
	}
	sort.Strings(out)
	return out
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy to avoid mutating the caller's slices.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	cp := RunTrace{PipelineHash: t.PipelineHash, Events: make([]Event, len(t.Events))}
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the hex sha256 of CanonicalJSON. Runs that took the same
// decisions for the same pipeline share a hash.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// MarshalJSON fixes field order. It does not sort; see CanonicalJSON.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"pipelineHash":`)
	writeString(&buf, t.PipelineHash)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	writeString(&buf, string(e.Kind))
	buf.WriteString(`,"legId":`)
	writeString(&buf, e.LegID)
	if e.StepID != "" {
		buf.WriteString(`,"stepId":`)
		writeString(&buf, e.StepID)
	}
	fmt.Fprintf(&buf, `,"seq":%d`, e.Seq)

	optional := []struct{ key, val string }{
		{"reason", e.Reason},
		{"causeStepId", e.CauseStepID},
		{"conclusion", e.Conclusion},
	}
	for _, f := range optional {
		if f.val == "" {
			continue
		}
		buf.WriteString(`,"` + f.key + `":`)
		writeString(&buf, f.val)
	}

	if artifacts := sortedCopy(e.Artifacts); len(artifacts) > 0 {
		buf.WriteString(`,"artifacts":[`)
		for i, a := range artifacts {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(&buf, a)
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the canonical encoding back, for stored traces.
func (t *RunTrace) UnmarshalJSON(b []byte) error {
	var raw struct {
		PipelineHash string `json:"pipelineHash"`
		Events       []struct {
			Kind        EventKind `json:"kind"`
			LegID       string    `json:"legId"`
			StepID      string    `json:"stepId"`
			Seq         int       `json:"seq"`
			Reason      string    `json:"reason"`
			CauseStepID string    `json:"causeStepId"`
			Conclusion  string    `json:"conclusion"`
			Artifacts   []string  `json:"artifacts"`
		} `json:"events"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	t.PipelineHash = raw.PipelineHash
	t.Events = make([]Event, len(raw.Events))
	for i, e := range raw.Events {
		t.Events[i] = Event(e)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}
