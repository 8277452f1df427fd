package trace

import (
	"fmt"
	"strings"
)

// Level controls how much of a build is traced.
type Level uint8

const (
	LevelOff    Level = iota
	LevelError        // nothing streamed; the recorder is dumped on failure
	LevelPhase        // driver and target spans
	LevelDetail       // plus unit spans
	LevelDebug        // plus every external tool run
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel accepts a level name in any case.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level %q (expected %s)", s, strings.Join(levelNames[:], "|"))
}

// deepest is the finest scope a level lets through.
func (l Level) deepest() Scope {
	switch l {
	case LevelPhase:
		return ScopeTarget
	case LevelDetail:
		return ScopeUnit
	case LevelDebug:
		return ScopeTool
	}
	return 0
}

// ShouldEmit reports whether events at scope pass this level.
func (l Level) ShouldEmit(scope Scope) bool {
	return scope != 0 && scope <= l.deepest()
}
