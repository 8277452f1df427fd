package codegen

import (
	"github.com/llir/llvm/ir/types"
)

// Type is an IR type allocated from a Context.
type Type struct {
	ctx *Context
	t   types.Type
}

// IsVoid reports whether t is the void type.
func (t Type) IsVoid() bool {
	_, ok := t.t.(*types.VoidType)
	return ok
}

// IntWidth returns the bit width of an integer type, or 0.
func (t Type) IntWidth() uint64 {
	if it, ok := t.t.(*types.IntType); ok {
		return it.BitSize
	}
	return 0
}

// String renders the type in IR syntax.
func (t Type) String() string {
	if t.t == nil {
		return "<nil>"
	}
	return t.t.String()
}

func (t Type) raw() types.Type {
	t.ctx.live()
	return t.t
}

// Void returns the void type.
func (c *Context) Void() Type {
	c.live()
	return Type{ctx: c, t: types.Void}
}

// Int returns the integer type of the given bit width. Widths are interned
// per context.
func (c *Context) Int(bits uint64) Type {
	c.live()
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.ints[bits]
	if !ok {
		it = types.NewInt(bits)
		c.ints[bits] = it
	}
	return Type{ctx: c, t: it}
}

// I8 is a shorthand for Int(8).
func (c *Context) I8() Type { return c.Int(8) }

// I32 is a shorthand for Int(32).
func (c *Context) I32() Type { return c.Int(32) }

// I64 is a shorthand for Int(64).
func (c *Context) I64() Type { return c.Int(64) }

// Pointer returns a pointer to elem.
func (c *Context) Pointer(elem Type) Type {
	c.live()
	return Type{ctx: c, t: types.NewPointer(elem.raw())}
}

// FuncType returns a function signature type.
func (c *Context) FuncType(ret Type, params []Type, variadic bool) FuncType {
	c.live()
	ps := make([]types.Type, 0, len(params))
	for _, p := range params {
		ps = append(ps, p.raw())
	}
	sig := types.NewFunc(ret.raw(), ps...)
	sig.Variadic = variadic
	return FuncType{ctx: c, sig: sig}
}

// FuncType is a function signature.
type FuncType struct {
	ctx *Context
	sig *types.FuncType
}

// Return returns the signature's result type.
func (f FuncType) Return() Type {
	return Type{ctx: f.ctx, t: f.sig.RetType}
}

// Params returns the parameter types.
func (f FuncType) Params() []Type {
	out := make([]Type, 0, len(f.sig.Params))
	for _, p := range f.sig.Params {
		out = append(out, Type{ctx: f.ctx, t: p})
	}
	return out
}

// Variadic reports whether the signature accepts extra arguments.
func (f FuncType) Variadic() bool { return f.sig.Variadic }

// String renders the signature in IR syntax, e.g. "i32 (i8*, ...)".
func (f FuncType) String() string {
	if f.sig == nil {
		return "<nil>"
	}
	return f.sig.LLString()
}
