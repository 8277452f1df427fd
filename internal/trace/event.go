package trace

import "time"

// Kind tells span boundaries, instants and heartbeats apart.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
)

var kindNames = [...]string{"", "begin", "end", "point", "heartbeat"}

func (k Kind) String() string {
	if k > 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Scope is the granularity of an event. Coarser scopes have lower values.
type Scope uint8

const (
	ScopeDriver Scope = iota + 1 // one CLI command
	ScopeTarget                  // one triple, or one stub pair
	ScopeUnit                    // lowering and emission of a unit
	ScopeTool                    // llc, lld, llvm-ifs, llvm-dlltool
)

var scopeNames = [...]string{"", "driver", "target", "unit", "tool"}

func (s Scope) String() string {
	if s > 0 && int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return "unknown"
}

// Event is one trace record.
type Event struct {
	Time     time.Time
	Seq      uint64
	Kind     Kind
	Scope    Scope
	SpanID   uint64
	ParentID uint64
	GID      uint64
	Name     string // "target:x86_64-unknown-linux-gnu", "unit:io", "llc"
	Detail   string
	Extra    map[string]string
}
