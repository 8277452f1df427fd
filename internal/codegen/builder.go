package codegen

import (
	"fmt"
	"sync"

	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
)

// Value is an SSA value: a constant, parameter, function or instruction result.
type Value struct {
	ctx *Context
	v   value.Value
}

// Type returns the value's type.
func (v Value) Type() Type {
	v.ctx.live()
	return Type{ctx: v.ctx, t: v.v.Type()}
}

// String renders the value as an IR operand.
func (v Value) String() string {
	if v.v == nil {
		return "<nil>"
	}
	return v.v.String()
}

// ConstInt returns an integer constant of type t.
func (c *Context) ConstInt(t Type, x int64) Value {
	c.live()
	it, ok := t.t.(*types.IntType)
	if !ok {
		panic(fmt.Sprintf("codegen: ConstInt on non-integer type %s", t))
	}
	return Value{ctx: c, v: constant.NewInt(it, x)}
}

// Builder appends instructions at an insertion cursor.
type Builder struct {
	ctx *Context

	mu       sync.Mutex
	disposed bool
	block    *BasicBlock
}

// Dispose releases the builder. A second call returns ErrDisposed.
func (b *Builder) Dispose() error {
	if b == nil {
		return ErrDisposed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return ErrDisposed
	}
	b.disposed = true
	b.block = nil
	b.ctx.release(nil, b)
	return nil
}

func (b *Builder) cursor() *BasicBlock {
	b.ctx.live()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		panic(ErrDisposed)
	}
	if b.block == nil {
		panic("codegen: builder has no insertion block")
	}
	b.block.fn.mod.live()
	return b.block
}

// PositionAtEnd moves the cursor to the end of block.
func (b *Builder) PositionAtEnd(block *BasicBlock) {
	b.ctx.live()
	if block.fn.mod.ctx != b.ctx {
		panic("codegen: block belongs to another context")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		panic(ErrDisposed)
	}
	b.block = block
}

// Block returns the current insertion block, or nil.
func (b *Builder) Block() *BasicBlock {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block
}

// Call emits a call to fn. Calls returning a value get a fresh local name.
func (b *Builder) Call(fn *Function, args ...Value) Value {
	bb := b.cursor()
	ops := make([]value.Value, 0, len(args))
	for _, a := range args {
		ops = append(ops, a.v)
	}
	inst := bb.b.NewCall(fn.f, ops...)
	if _, void := fn.f.Sig.RetType.(*types.VoidType); !void {
		inst.SetName(b.ctx.nextName("t"))
	}
	return Value{ctx: b.ctx, v: inst}
}

// Ret terminates the current block returning v.
func (b *Builder) Ret(v Value) {
	bb := b.cursor()
	bb.b.NewRet(v.v)
}

// RetVoid terminates the current block with a void return.
func (b *Builder) RetVoid() {
	bb := b.cursor()
	bb.b.NewRet(nil)
}

// Unreachable terminates the current block with an unreachable marker.
func (b *Builder) Unreachable() {
	bb := b.cursor()
	bb.b.NewUnreachable()
}
