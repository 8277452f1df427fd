package trace

import "github.com/hashicorp/go-multierror"

type tee struct {
	level Level
	sinks []Tracer
}

// Tee sends every event to each sink. Flush and Close report all sink
// failures together.
func Tee(level Level, sinks ...Tracer) Tracer {
	return &tee{level: level, sinks: sinks}
}

func (t *tee) Emit(ev *Event) {
	for _, s := range t.sinks {
		cp := *ev
		s.Emit(&cp)
	}
}

func (t *tee) each(fn func(Tracer) error) error {
	var errs *multierror.Error
	for _, s := range t.sinks {
		if err := fn(s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (t *tee) Flush() error  { return t.each(Tracer.Flush) }
func (t *tee) Close() error  { return t.each(Tracer.Close) }
func (t *tee) Level() Level  { return t.level }
func (t *tee) Enabled() bool { return t.level > LevelOff }
