package codegen

import (
	"fmt"
	"strings"
	"sync"

	"github.com/llir/llvm/ir"
)

// Module is a named IR unit inside one Context.
type Module struct {
	ctx  *Context
	name string

	mu       sync.Mutex
	disposed bool
	m        *ir.Module
	funcs    map[string]*Function
}

func newModule(c *Context, name string) *Module {
	m := ir.NewModule()
	m.SourceFilename = name
	return &Module{
		ctx:   c,
		name:  name,
		m:     m,
		funcs: make(map[string]*Function),
	}
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Context returns the owning context.
func (m *Module) Context() *Context { return m.ctx }

// Dispose releases the module. A second call returns ErrDisposed.
func (m *Module) Dispose() error {
	if m == nil {
		return ErrDisposed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	m.disposed = true
	m.m = nil
	m.funcs = nil
	m.ctx.release(m, nil)
	return nil
}

// Disposed reports whether the module or its context has been disposed.
func (m *Module) Disposed() bool {
	if m == nil || m.ctx.Disposed() {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

func (m *Module) live() {
	m.ctx.live()
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		panic(ErrDisposed)
	}
}

// SetTriple records the target triple in the module header.
func (m *Module) SetTriple(triple string) {
	m.live()
	m.m.TargetTriple = triple
}

// Triple returns the recorded target triple.
func (m *Module) Triple() string {
	m.live()
	return m.m.TargetTriple
}

// Layout is the part of a target data layout the module header needs.
type Layout interface {
	String() string
}

// SetDataLayout records the data layout string of a target machine.
func (m *Module) SetDataLayout(dl Layout) {
	m.live()
	m.m.DataLayout = dl.String()
}

// DataLayout returns the recorded data layout string.
func (m *Module) DataLayout() string {
	m.live()
	return m.m.DataLayout
}

// AddFunction declares a function with external linkage. Appending a block
// turns the declaration into a definition.
func (m *Module) AddFunction(name string, sig FuncType) *Function {
	m.live()
	if sig.ctx != m.ctx {
		panic(fmt.Sprintf("codegen: signature for %q belongs to another context", name))
	}
	params := make([]*ir.Param, 0, len(sig.sig.Params))
	for i, p := range sig.sig.Params {
		params = append(params, ir.NewParam(fmt.Sprintf("p%d", i), p))
	}
	f := m.m.NewFunc(name, sig.sig.RetType, params...)
	f.Sig.Variadic = sig.sig.Variadic
	fn := &Function{mod: m, f: f}
	m.mu.Lock()
	m.funcs[name] = fn
	m.mu.Unlock()
	return fn
}

// Function looks up a function by name.
func (m *Module) Function(name string) (*Function, bool) {
	m.live()
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.funcs[name]
	return fn, ok
}

// Functions returns functions in declaration order.
func (m *Module) Functions() []*Function {
	m.live()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Function, 0, len(m.m.Funcs))
	for _, f := range m.m.Funcs {
		if fn, ok := m.funcs[f.Name()]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// IR renders the module as textual LLVM IR.
func (m *Module) IR() (text string, err error) {
	if err := m.ctx.check(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return "", ErrDisposed
	}
	// llir panics while printing malformed trees (a block without terminator).
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("render module %s: %v", m.name, r)
		}
	}()
	var sb strings.Builder
	sb.WriteString(m.m.String())
	return sb.String(), nil
}

// Unterminated lists "function/block" pairs whose block has no terminator.
// The emission backend uses it to reject malformed modules.
func (m *Module) Unterminated() []string {
	m.live()
	var out []string
	for _, f := range m.m.Funcs {
		for _, b := range f.Blocks {
			if b.Term == nil {
				out = append(out, f.Name()+"/"+b.Name())
			}
		}
	}
	return out
}
