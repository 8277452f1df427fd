package codegen

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedLayout string

func (l fixedLayout) String() string { return string(l) }

func buildAlloc(t *testing.T, c *Context) (*Module, *Builder) {
	t.Helper()
	m, err := c.NewModule("alloc")
	require.NoError(t, err)

	ptr := c.Pointer(c.I8())
	malloc := m.AddFunction("malloc", c.FuncType(ptr, []Type{c.I64()}, false))
	alloc := m.AddFunction("kiln_alloc", c.FuncType(ptr, []Type{c.I64()}, false))

	b := c.NewBuilder()
	entry := alloc.AppendBlock("entry")
	b.PositionAtEnd(entry)
	p := b.Call(malloc, alloc.Param(0))
	b.Ret(p)
	return m, b
}

func TestModuleRendersCallsAndReturns(t *testing.T) {
	c := NewContext()
	m, b := buildAlloc(t, c)
	m.SetTriple("x86_64-unknown-linux-gnu")
	m.SetDataLayout(fixedLayout("e-m:e-i64:64-n8:16:32:64-S128"))

	text, err := m.IR()
	require.NoError(t, err)
	assert.Contains(t, text, `target triple = "x86_64-unknown-linux-gnu"`)
	assert.Contains(t, text, `target datalayout = "e-m:e-i64:64-n8:16:32:64-S128"`)
	assert.Contains(t, text, "declare i8* @malloc(i64")
	assert.Contains(t, text, "define i8* @kiln_alloc(i64")
	assert.Contains(t, text, "call i8* @malloc(")
	assert.Contains(t, text, "ret i8*")
	assert.Empty(t, m.Unterminated())

	require.NoError(t, b.Dispose())
	require.NoError(t, m.Dispose())
	require.NoError(t, c.Dispose())
}

func TestBlocksKeepInsertionOrder(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("order")
	require.NoError(t, err)
	fn := m.AddFunction("f", c.FuncType(c.Void(), nil, false))
	for _, name := range []string{"entry", "second", "third"} {
		fn.AppendBlock(name)
	}
	var got []string
	for _, bb := range fn.Blocks() {
		got = append(got, bb.Name())
	}
	assert.Equal(t, []string{"entry", "second", "third"}, got)
	assert.Equal(t, []string{"f/entry", "f/second", "f/third"}, m.Unterminated())
	require.NoError(t, m.Dispose())
	require.NoError(t, c.Dispose())
}

func TestVariadicSignature(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("io")
	require.NoError(t, err)
	sig := c.FuncType(c.I32(), []Type{c.Pointer(c.I8())}, true)
	m.AddFunction("printf", sig)
	assert.True(t, sig.Variadic())
	text, err := m.IR()
	require.NoError(t, err)
	assert.Contains(t, text, "...)")
	require.NoError(t, m.Dispose())
	require.NoError(t, c.Dispose())
}

func TestVoidCallIsUnnamed(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("void")
	require.NoError(t, err)
	exit := m.AddFunction("exit", c.FuncType(c.Void(), []Type{c.I32()}, false))
	main := m.AddFunction("main", c.FuncType(c.Void(), nil, false))
	b := c.NewBuilder()
	b.PositionAtEnd(main.AppendBlock("entry"))
	b.Call(exit, c.ConstInt(c.I32(), 0))
	b.RetVoid()

	text, err := m.IR()
	require.NoError(t, err)
	assert.Contains(t, text, "call void @exit(i32 0)")
	assert.NotContains(t, text, "= call void")
	require.NoError(t, b.Dispose())
	require.NoError(t, m.Dispose())
	require.NoError(t, c.Dispose())
}

func TestContextRefusesDisposeWithLiveChildren(t *testing.T) {
	c := NewContext()
	m, b := buildAlloc(t, c)

	err := c.Dispose()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLiveResources))
	assert.True(t, strings.Contains(err.Error(), "module alloc"))

	require.NoError(t, m.Dispose())
	require.ErrorIs(t, c.Dispose(), ErrLiveResources)
	require.NoError(t, b.Dispose())
	require.NoError(t, c.Dispose())
	assert.True(t, c.Disposed())
}

func TestDoubleDispose(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("m")
	require.NoError(t, err)
	require.NoError(t, m.Dispose())
	assert.ErrorIs(t, m.Dispose(), ErrDisposed)
	require.NoError(t, c.Dispose())
	assert.ErrorIs(t, c.Dispose(), ErrDisposed)
}

func TestUseAfterDispose(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("m")
	require.NoError(t, err)
	fn := m.AddFunction("f", c.FuncType(c.Void(), nil, false))
	require.NoError(t, m.Dispose())

	assert.PanicsWithValue(t, ErrDisposed, func() { fn.AppendBlock("entry") })
	_, err = m.IR()
	assert.ErrorIs(t, err, ErrDisposed)

	require.NoError(t, c.Dispose())
	assert.PanicsWithValue(t, ErrDisposed, func() { c.I32() })
	_, err = c.NewModule("again")
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestFunctionLookupAndLinkage(t *testing.T) {
	c := NewContext()
	m, err := c.NewModule("m")
	require.NoError(t, err)
	fn := m.AddFunction("helper", c.FuncType(c.Void(), nil, false))
	fn.SetLinkage(LinkageInternal)
	b := c.NewBuilder()
	b.PositionAtEnd(fn.AppendBlock("entry"))
	b.RetVoid()

	got, ok := m.Function("helper")
	require.True(t, ok)
	assert.Same(t, fn, got)
	assert.False(t, got.IsDeclaration())
	_, ok = m.Function("missing")
	assert.False(t, ok)

	text, err := m.IR()
	require.NoError(t, err)
	assert.Contains(t, text, "define internal void @helper()")

	require.NoError(t, b.Dispose())
	require.NoError(t, m.Dispose())
	require.NoError(t, c.Dispose())
}
