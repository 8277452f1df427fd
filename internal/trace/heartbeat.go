package trace

import (
	"strconv"
	"sync"
	"time"
)

// Heartbeat emits a driver-scope event every interval. A beat with no
// other events since the previous one carries "idle <duration>" as its
// detail, which is how a hung llc or lld shows up in a trace.
type Heartbeat struct {
	tracer   Tracer
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	beats     uint64
	lastSeq   uint64
	idleSince time.Time
}

// StartHeartbeat returns nil when t is disabled or interval is not
// positive; Stop on a nil Heartbeat is a no-op.
func StartHeartbeat(t Tracer, interval time.Duration) *Heartbeat {
	if t == nil || !t.Enabled() || interval <= 0 {
		return nil
	}
	h := newHeartbeat(t, interval, time.Now())
	go h.run()
	return h
}

func newHeartbeat(t Tracer, interval time.Duration, now time.Time) *Heartbeat {
	return &Heartbeat{
		tracer:    t,
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		lastSeq:   seqCounter.Load(),
		idleSince: now,
	}
}

func (h *Heartbeat) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			h.beat(now)
		}
	}
}

func (h *Heartbeat) beat(now time.Time) {
	seq := seqCounter.Load()
	h.beats++
	ev := &Event{
		Time:  now,
		Kind:  KindHeartbeat,
		Scope: ScopeDriver,
		Name:  "heartbeat",
		Extra: map[string]string{
			"beat":   strconv.FormatUint(h.beats, 10),
			"events": strconv.FormatUint(seq-h.lastSeq, 10),
		},
	}
	if seq == h.lastSeq {
		ev.Detail = "idle " + now.Sub(h.idleSince).Round(time.Millisecond).String()
	} else {
		h.idleSince = now
	}
	ev.Seq = NextSeq()
	h.lastSeq = ev.Seq
	h.tracer.Emit(ev)
}

// Stop ends the heartbeat and waits for its goroutine.
func (h *Heartbeat) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}
