package trace

import (
	"sort"
	"sync"
)

// Sink receives the decisions of a leg as it takes them. Leg executors call
// it through Emit.
type Sink interface {
	Record(event Event)
}

// Emit hands event to s. A nil sink drops the event and a panic in s is
// discarded: tracing never changes how a leg concludes.
func Emit(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder is the Sink shared by every leg of a run. Each leg appends to its
// own list, so the arrival interleaving between legs never shows in Trace.
type Recorder struct {
	mu   sync.Mutex
	legs map[string][]Event
}

func NewRecorder() *Recorder { return &Recorder{legs: map[string][]Event{}} }

// Record appends event to the list of its leg.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.legs == nil {
		r.legs = map[string][]Event{}
	}
	r.legs[event.LegID] = append(r.legs[event.LegID], event)
}

// LegEvents returns the events recorded for legID in arrival order.
func (r *Recorder) LegEvents(legID string) []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.legs[legID]...)
}

// Trace returns the canonical RunTrace of everything recorded so far.
func (r *Recorder) Trace(pipelineHash string) RunTrace {
	tr := RunTrace{PipelineHash: pipelineHash}
	if r == nil {
		return tr
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.legs))
	for id := range r.legs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		tr.Events = append(tr.Events, r.legs[id]...)
	}
	r.mu.Unlock()

	tr.Canonicalize()
	return tr
}
