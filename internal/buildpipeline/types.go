package buildpipeline

import (
	"sync"
	"time"
)

// Stage describes a high-level pipeline phase.
type Stage string

const (
	// StageLower runs the frontend over the units of a target.
	StageLower Stage = "lower"
	// StageEmit writes object files.
	StageEmit Stage = "emit"
	// StageLink runs the linker.
	StageLink Stage = "link"
	// StageStubs loads or generates ABI stubs.
	StageStubs Stage = "stubs"
	// StagePack writes a package file.
	StagePack Stage = "pack"
)

// Status captures progress state within a stage.
type Status string

const (
	// StatusQueued indicates the task is waiting to start.
	StatusQueued Status = "queued"
	// StatusWorking indicates the task is currently working.
	StatusWorking Status = "working"
	// StatusDone indicates the task is done.
	StatusDone Status = "done"
	// StatusError indicates the task encountered an error.
	StatusError Status = "error"
)

// Event reports progress for one item (a target triple, usually) or for
// the overall pipeline when Item is empty.
type Event struct {
	Item    string
	Stage   Stage
	Status  Status
	Err     error
	Elapsed time.Duration
}

// ProgressSink consumes progress events. Sinks must be safe for
// concurrent use; targets report from their own goroutines.
type ProgressSink interface {
	OnEvent(Event)
}

// Timings holds stage durations. Durations from parallel targets are
// added up, so they measure work rather than wall time.
type Timings struct {
	mu     sync.Mutex
	stages map[Stage]time.Duration
}

func (t *Timings) ensure() {
	if t.stages == nil {
		t.stages = make(map[Stage]time.Duration)
	}
}

// Set stores a duration for the given stage.
func (t *Timings) Set(stage Stage, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure()
	t.stages[stage] = dur
}

// Add accumulates dur into stage.
func (t *Timings) Add(stage Stage, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensure()
	t.stages[stage] += dur
}

// Merge adds every duration of other.
func (t *Timings) Merge(other *Timings) {
	if t == nil || other == nil || other == t {
		return
	}
	other.mu.Lock()
	snapshot := make(map[Stage]time.Duration, len(other.stages))
	for k, v := range other.stages {
		snapshot[k] = v
	}
	other.mu.Unlock()
	for k, v := range snapshot {
		t.Add(k, v)
	}
}

// Has reports whether a duration for stage is recorded.
func (t *Timings) Has(stage Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.stages[stage]
	return ok
}

// Duration returns the recorded duration for stage.
func (t *Timings) Duration(stage Stage) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stages[stage]
}

// Sum returns the sum of durations across the provided stages.
func (t *Timings) Sum(stages ...Stage) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var total time.Duration
	for _, stage := range stages {
		total += t.stages[stage]
	}
	return total
}
