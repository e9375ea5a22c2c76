// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package sortjob

import (
	"math"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a Job.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Phase is the part of the pipeline a running job is in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseBuild
	PhaseMerge
	PhaseCommit
	PhaseHook
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseBuild:
		return "build"
	case PhaseMerge:
		return "merge"
	case PhaseCommit:
		return "commit"
	case PhaseHook:
		return "hook"
	case PhaseDone:
		return "done"
	default:
		return "idle"
	}
}

const (
	buildWeight = 60.0
	mergeWeight = 40.0
)

// Progress is a point-in-time view of a job.
type Progress struct {
	State   State
	Phase   Phase
	Percent float64

	SourceBytes    int64
	BytesRead      int64
	RecordsRead    int64
	RunsWritten    int64
	RecordsSpilled int64
	RecordsMerged  int64
}

// Stats summarises a job. Final values are available once the job has
// reached a terminal state. Dropped counts what was left out of the
// output: unkeyed records under PassthroughDrop and blank source lines.
type Stats struct {
	RecordsIn   int64
	RecordsOut  int64
	Passthrough int64
	Dropped     int64
	Runs        int64
	RunBytes    int64
	SourceBytes int64
	OutputBytes int64
	// FirstKey and LastKey bound the keyed records of the output. They are
	// meaningful only when Keyed is positive.
	Keyed    int64
	FirstKey int64
	LastKey  int64
	Duration time.Duration
}

// counters are the job's shared progress state. Workers and the merger
// update them concurrently with Progress readers.
type counters struct {
	phase          atomic.Int32
	sourceBytes    atomic.Int64
	bytesRead      atomic.Int64
	recordsRead    atomic.Int64
	passthrough    atomic.Int64
	dropped        atomic.Int64
	runsWritten    atomic.Int64
	runBytes       atomic.Int64
	recordsSpilled atomic.Int64
	recordsMerged  atomic.Int64
	outputBytes    atomic.Int64
	// percent holds float64 bits and only ever grows.
	percent atomic.Uint64
}

func (c *counters) snapshot(state State) Progress {
	p := Progress{
		State:          state,
		Phase:          Phase(c.phase.Load()),
		SourceBytes:    c.sourceBytes.Load(),
		BytesRead:      c.bytesRead.Load(),
		RecordsRead:    c.recordsRead.Load(),
		RunsWritten:    c.runsWritten.Load(),
		RecordsSpilled: c.recordsSpilled.Load(),
		RecordsMerged:  c.recordsMerged.Load(),
	}
	p.Percent = c.advancePercent(p)
	return p
}

// advancePercent computes the weighted percentage for p and raises the
// stored high-water mark to it. It returns the high-water mark.
func (c *counters) advancePercent(p Progress) float64 {
	var pct float64
	switch {
	case p.State == StateCompleted:
		pct = 100
	case p.Phase >= PhaseCommit:
		pct = buildWeight + mergeWeight
	case p.Phase == PhaseMerge:
		pct = buildWeight
		if p.RecordsSpilled > 0 {
			pct += mergeWeight * math.Min(1, float64(p.RecordsMerged)/float64(p.RecordsSpilled))
		}
	case p.Phase == PhaseBuild && p.SourceBytes > 0:
		pct = buildWeight * math.Min(1, float64(p.BytesRead)/float64(p.SourceBytes))
	}

	for {
		old := c.percent.Load()
		if pct <= math.Float64frombits(old) {
			return math.Float64frombits(old)
		}
		if c.percent.CompareAndSwap(old, math.Float64bits(pct)) {
			return pct
		}
	}
}
