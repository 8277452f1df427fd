package trace

import (
	"fmt"
	"io"
	"sync"
)

// Recorder keeps the most recent events in memory so they can be shown
// after a command fails.
type Recorder struct {
	mu    sync.Mutex
	buf   []Event
	total uint64 // events ever recorded
	level Level
}

// NewRecorder keeps the last size events at or above level.
func NewRecorder(size int, level Level) *Recorder {
	if size <= 0 {
		size = defaultRecorderSize
	}
	return &Recorder{buf: make([]Event, size), level: level}
}

func (r *Recorder) Emit(ev *Event) {
	if ev.Kind != KindHeartbeat && !r.level.ShouldEmit(ev.Scope) {
		return
	}
	r.mu.Lock()
	r.buf[r.total%uint64(len(r.buf))] = *ev
	r.total++
	r.mu.Unlock()
}

// Events returns the retained events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := uint64(len(r.buf))
	if r.total <= size {
		return append([]Event(nil), r.buf[:r.total]...)
	}
	start := r.total % size
	out := make([]Event, 0, size)
	out = append(out, r.buf[start:]...)
	return append(out, r.buf[:start]...)
}

// Dropped counts events that were overwritten.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if size := uint64(len(r.buf)); r.total > size {
		return r.total - size
	}
	return 0
}

// WriteTail writes the last n events as text; n <= 0 writes all of them.
func (r *Recorder) WriteTail(w io.Writer, n int) error {
	events := r.Events()
	skipped := r.Dropped()
	if n > 0 && len(events) > n {
		skipped += uint64(len(events) - n)
		events = events[len(events)-n:]
	}
	if skipped > 0 {
		if _, err := fmt.Fprintf(w, "... %d earlier events\n", skipped); err != nil {
			return err
		}
	}
	var line []byte
	for i := range events {
		line = appendText(line[:0], &events[i])
		if _, err := w.Write(line); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recorder) Flush() error  { return nil }
func (r *Recorder) Close() error  { return nil }
func (r *Recorder) Level() Level  { return r.level }
func (r *Recorder) Enabled() bool { return r.level > LevelOff }

// RecorderOf finds the Recorder in t, looking inside tees.
func RecorderOf(t Tracer) *Recorder {
	switch t := t.(type) {
	case *Recorder:
		return t
	case *tee:
		for _, s := range t.sinks {
			if r := RecorderOf(s); r != nil {
				return r
			}
		}
	}
	return nil
}
