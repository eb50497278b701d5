package pipeline

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
)

// Hash returns the stable identity of the expanded pipeline definition.
//
// Determinism rules:
//   - Maps are written in sorted key order.
//   - Jobs are written in sorted ID order; steps and axis values in declared order.
//   - All fields are length-prefixed to avoid ambiguity.
func (p *Pipeline) Hash() string {
	h := &hasher{h: sha256.New()}

	h.field(p.Name)
	events := p.On.Events()
	h.count(len(events))
	for _, e := range events {
		f, _ := p.On.Filter(e)
		h.field(e)
		h.list(f.Branches)
		h.list(f.Types)
	}
	h.dict(p.Env)

	ids := p.JobIDs()
	h.count(len(ids))
	for _, id := range ids {
		job := p.Jobs[id]
		h.field(id)
		h.field(job.Name)
		h.field(job.RunsOn)
		h.field(strconv.FormatBool(job.Strategy.FailFastEnabled()))
		h.field(strconv.Itoa(job.Strategy.MaxParallel))

		m := job.Strategy.Matrix
		axes := m.AxisNames()
		h.count(len(axes))
		for _, a := range axes {
			h.field(a)
			h.list(m.Axes[a])
		}
		h.count(len(m.Include))
		for _, inc := range m.Include {
			h.dict(inc)
		}
		h.count(len(m.Exclude))
		for _, exc := range m.Exclude {
			h.dict(exc)
		}
		h.dict(job.Env)

		h.count(len(job.Steps))
		for _, s := range job.Steps {
			h.field(s.ID)
			h.field(s.Name)
			h.field(s.If)
			h.field(s.Run)
			h.field(s.Shell)
			h.field(s.Uses)
			h.dict(s.With)
			h.dict(s.Env)
			h.field(strconv.FormatBool(s.ContinueOnError))
			h.field(strconv.FormatBool(s.Fatal))
			h.field(s.WorkingDirectory)
			h.field(s.Origin)
			h.dict(s.Inputs)
		}
	}
	return hex.EncodeToString(h.h.Sum(nil))
}

type hasher struct {
	h hash.Hash
}

func (h *hasher) field(s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.h.Write(n[:])
	h.h.Write([]byte(s))
}

func (h *hasher) count(n int) { h.field(strconv.Itoa(n)) }

func (h *hasher) list(values []string) {
	h.count(len(values))
	for _, v := range values {
		h.field(v)
	}
}

func (h *hasher) dict(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h.count(len(keys))
	for _, k := range keys {
		h.field(k)
		h.field(m[k])
	}
}
