package codegen

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
)

// Linkage controls symbol visibility of a function.
type Linkage uint8

const (
	// LinkageExternal makes the symbol visible to other objects (default).
	LinkageExternal Linkage = iota
	// LinkageInternal keeps the symbol local to the object.
	LinkageInternal
	// LinkagePrivate hides the symbol from the symbol table.
	LinkagePrivate
	// LinkageWeak allows the symbol to be overridden at link time.
	LinkageWeak
)

func (l Linkage) String() string {
	switch l {
	case LinkageExternal:
		return "external"
	case LinkageInternal:
		return "internal"
	case LinkagePrivate:
		return "private"
	case LinkageWeak:
		return "weak"
	default:
		return "unknown"
	}
}

// Function is a function declared in a Module.
type Function struct {
	mod *Module
	f   *ir.Func
}

// Name returns the symbol name.
func (fn *Function) Name() string { return fn.f.Name() }

// Module returns the owning module.
func (fn *Function) Module() *Module { return fn.mod }

// Signature returns the function type.
func (fn *Function) Signature() FuncType {
	return FuncType{ctx: fn.mod.ctx, sig: fn.f.Sig}
}

// IsDeclaration reports whether the function has no body.
func (fn *Function) IsDeclaration() bool {
	fn.mod.live()
	return len(fn.f.Blocks) == 0
}

// SetLinkage changes the function's linkage.
func (fn *Function) SetLinkage(l Linkage) {
	fn.mod.live()
	switch l {
	case LinkageExternal:
		fn.f.Linkage = enum.LinkageNone
	case LinkageInternal:
		fn.f.Linkage = enum.LinkageInternal
	case LinkagePrivate:
		fn.f.Linkage = enum.LinkagePrivate
	case LinkageWeak:
		fn.f.Linkage = enum.LinkageWeak
	default:
		panic(fmt.Sprintf("codegen: unknown linkage %d", l))
	}
}

// Param returns the i-th parameter as a value.
func (fn *Function) Param(i int) Value {
	fn.mod.live()
	if i < 0 || i >= len(fn.f.Params) {
		panic(fmt.Sprintf("codegen: %s has no parameter %d", fn.f.Name(), i))
	}
	return Value{ctx: fn.mod.ctx, v: fn.f.Params[i]}
}

// Value returns the function itself as a callable value.
func (fn *Function) Value() Value {
	fn.mod.live()
	return Value{ctx: fn.mod.ctx, v: fn.f}
}

// AppendBlock adds a basic block at the end of the function.
func (fn *Function) AppendBlock(name string) *BasicBlock {
	fn.mod.live()
	if name == "" {
		name = fmt.Sprintf("bb%d", len(fn.f.Blocks))
	}
	return &BasicBlock{fn: fn, b: fn.f.NewBlock(name)}
}

// Blocks returns the function's blocks in insertion order.
func (fn *Function) Blocks() []*BasicBlock {
	fn.mod.live()
	out := make([]*BasicBlock, 0, len(fn.f.Blocks))
	for _, b := range fn.f.Blocks {
		out = append(out, &BasicBlock{fn: fn, b: b})
	}
	return out
}

// BasicBlock is a straight-line instruction sequence.
type BasicBlock struct {
	fn *Function
	b  *ir.Block
}

// Name returns the block label.
func (bb *BasicBlock) Name() string { return bb.b.Name() }

// Parent returns the function that owns the block.
func (bb *BasicBlock) Parent() *Function { return bb.fn }

// Terminated reports whether the block ends in a control transfer.
func (bb *BasicBlock) Terminated() bool {
	bb.fn.mod.live()
	return bb.b.Term != nil
}

// Len returns the number of non-terminator instructions.
func (bb *BasicBlock) Len() int {
	bb.fn.mod.live()
	return len(bb.b.Insts)
}
