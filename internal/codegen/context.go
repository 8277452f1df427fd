// Package codegen is a thin builder over an in-memory LLVM IR tree.
//
// A Context is the arena of one compilation. Modules and Builders are created
// from it and disposed independently; the Context refuses to be disposed while
// any of them is still live, so no handle can outlive the arena it points into.
// Every Type, Function, BasicBlock and Value is a child of the Context and
// becomes unusable once it is disposed.
//
// The package does not verify IR. Type mismatches and unterminated blocks are
// reported by the emission backend.
package codegen

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/llir/llvm/ir/types"
)

var (
	// ErrDisposed is returned (or panicked with) when a handle is used after
	// its owner was disposed, or disposed twice.
	ErrDisposed = errors.New("codegen: use of disposed handle")
	// ErrLiveResources is returned when a Context is disposed before the
	// modules and builders allocated from it.
	ErrLiveResources = errors.New("codegen: context has live resources")
)

// Context owns every IR object of a single compilation.
// It must be used from one goroutine at a time.
type Context struct {
	mu       sync.Mutex
	disposed bool
	modules  map[*Module]struct{}
	builders map[*Builder]struct{}
	ints     map[uint64]*types.IntType
	seq      int
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{
		modules:  make(map[*Module]struct{}),
		builders: make(map[*Builder]struct{}),
		ints:     make(map[uint64]*types.IntType),
	}
}

// Dispose releases the context. It fails with ErrLiveResources while modules
// or builders created from it have not been disposed, and with ErrDisposed on
// the second call.
func (c *Context) Dispose() error {
	if c == nil {
		return ErrDisposed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if n := len(c.modules) + len(c.builders); n > 0 {
		return fmt.Errorf("%w: %s", ErrLiveResources, c.describeLive())
	}
	c.disposed = true
	c.ints = nil
	return nil
}

// Disposed reports whether Dispose has completed.
func (c *Context) Disposed() bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *Context) describeLive() string {
	names := make([]string, 0, len(c.modules))
	for m := range c.modules {
		names = append(names, "module "+m.name)
	}
	sort.Strings(names)
	if len(c.builders) > 0 {
		names = append(names, fmt.Sprintf("%d builder(s)", len(c.builders)))
	}
	return fmt.Sprintf("%v", names)
}

// live panics when the context is gone. Builder-style calls have no error
// return, so use-after-dispose is a programming error like a nil map write.
func (c *Context) live() {
	if c == nil || c.Disposed() {
		panic(ErrDisposed)
	}
}

func (c *Context) check() error {
	if c == nil || c.Disposed() {
		return ErrDisposed
	}
	return nil
}

func (c *Context) nextName(prefix string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return fmt.Sprintf("%s%d", prefix, c.seq)
}

// NewModule creates a module bound to this context.
func (c *Context) NewModule(name string) (*Module, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("codegen: module name is empty")
	}
	m := newModule(c, name)
	c.mu.Lock()
	c.modules[m] = struct{}{}
	c.mu.Unlock()
	return m, nil
}

// NewBuilder creates an instruction builder with no insertion point.
func (c *Context) NewBuilder() *Builder {
	c.live()
	b := &Builder{ctx: c}
	c.mu.Lock()
	c.builders[b] = struct{}{}
	c.mu.Unlock()
	return b
}

func (c *Context) release(m *Module, b *Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m != nil {
		delete(c.modules, m)
	}
	if b != nil {
		delete(c.builders, b)
	}
}
