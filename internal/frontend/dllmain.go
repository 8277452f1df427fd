package frontend

import (
	"fmt"

	"kiln/internal/codegen"
)

// AddDllMain defines the entry point the Windows loader calls for a DLL:
// `i32 name(ptr, i32, ptr)` returning 1, so attaching always succeeds.
func AddDllMain(env Env, name string) (fn *codegen.Function, err error) {
	c := env.Context
	ptr := c.Pointer(c.I8())
	sig := c.FuncType(c.I32(), []codegen.Type{ptr, c.I32(), ptr}, false)
	if existing, ok := env.Module.Function(name); ok {
		if !existing.IsDeclaration() {
			return nil, fmt.Errorf("%s is already defined", name)
		}
		if existing.Signature().String() != sig.String() {
			return nil, fmt.Errorf("%s is declared as %s", name, existing.Signature())
		}
		fn = existing
	} else {
		fn = env.Module.AddFunction(name, sig)
	}
	b := c.NewBuilder()
	defer func() {
		if derr := b.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}()
	b.PositionAtEnd(fn.AppendBlock("entry"))
	b.Ret(c.ConstInt(c.I32(), 1))
	return fn, nil
}
