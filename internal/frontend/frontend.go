// Package frontend is the seam between a language frontend and the native
// backend. A Frontend lowers one compilation unit into a codegen.Module
// that the backend then emits for a single target.
package frontend

import (
	"context"
	"fmt"

	"kiln/internal/codegen"
	"kiln/internal/target"
)

// Unit is one source unit handed to a frontend.
type Unit struct {
	// Name is the module name; it becomes the object file's base name.
	Name string
	// Path is used in diagnostics.
	Path   string
	Source []byte
}

// Env is what a frontend may use while lowering a unit for one target.
type Env struct {
	Context *codegen.Context
	Module  *codegen.Module
	Triple  target.Triple
	Layout  *target.DataLayout
}

// Frontend lowers units into IR.
type Frontend interface {
	Lower(ctx context.Context, unit Unit, env Env) error
}

// Error is a unit that could not be lowered.
type Error struct {
	Unit string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	where := e.Path
	if where == "" {
		where = e.Unit
	}
	if e.Err != nil && e.Msg == "" {
		return fmt.Sprintf("%s: %v", where, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", where, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", where, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func unitError(u Unit, format string, args ...any) *Error {
	return &Error{Unit: u.Name, Path: u.Path, Msg: fmt.Sprintf(format, args...)}
}
