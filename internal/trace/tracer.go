package trace

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Tracer receives events. Implementations are safe for concurrent use.
type Tracer interface {
	Emit(ev *Event)
	Flush() error
	Close() error
	Level() Level
	Enabled() bool
}

// Mode selects where events go.
type Mode uint8

const (
	ModeStream Mode = iota + 1 // written as they happen
	ModeRing                   // kept in a Recorder only
	ModeBoth
)

var modeNames = [...]string{"", "stream", "ring", "both"}

func (m Mode) String() string {
	if m > 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// ParseMode accepts stream, ring or both.
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames[1:] {
		if strings.EqualFold(s, name) {
			return Mode(i + 1), nil
		}
	}
	return ModeStream, fmt.Errorf("invalid trace mode %q (expected stream|ring|both)", s)
}

const defaultRecorderSize = 4096

// Config describes the tracer New builds.
type Config struct {
	Level  Level
	Mode   Mode // zero means ModeStream
	Format Format
	// Output takes precedence over OutputPath. OutputPath "-" or "" is
	// stderr.
	Output     io.Writer
	OutputPath string
	RingSize   int
}

// New builds the tracer for cfg. LevelError records every scope in a
// Recorder and streams nothing, whatever the mode.
func New(cfg Config) (Tracer, error) {
	size := cfg.RingSize
	if size <= 0 {
		size = defaultRecorderSize
	}
	switch cfg.Level {
	case LevelOff:
		return Nop, nil
	case LevelError:
		return NewRecorder(size, LevelDebug), nil
	}

	mode := cfg.Mode
	if mode == 0 {
		mode = ModeStream
	}
	if mode == ModeRing {
		return NewRecorder(size, cfg.Level), nil
	}
	if mode != ModeStream && mode != ModeBoth {
		return nil, fmt.Errorf("unknown trace mode %v", mode)
	}
	stream, err := openStream(cfg)
	if err != nil {
		return nil, err
	}
	if mode == ModeStream {
		return stream, nil
	}
	return Tee(cfg.Level, stream, NewRecorder(size, cfg.Level)), nil
}

func openStream(cfg Config) (*StreamTracer, error) {
	format := cfg.Format
	if format == FormatAuto {
		format = formatFor(cfg.OutputPath)
	}
	switch {
	case cfg.Output != nil:
		return NewStreamTracer(cfg.Output, cfg.Level, format), nil
	case cfg.OutputPath == "" || cfg.OutputPath == "-":
		return NewStreamTracer(os.Stderr, cfg.Level, format), nil
	}
	// #nosec G304 -- trace path comes from the command line
	f, err := os.Create(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("open trace output: %w", err)
	}
	st := NewStreamTracer(bufio.NewWriter(f), cfg.Level, format)
	st.closer = f
	return st, nil
}

type off struct{}

func (off) Emit(*Event)   {}
func (off) Flush() error  { return nil }
func (off) Close() error  { return nil }
func (off) Level() Level  { return LevelOff }
func (off) Enabled() bool { return false }

// Nop discards everything.
var Nop Tracer = off{}
