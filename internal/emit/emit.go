// Package emit lowers IR modules to native object files.
package emit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"kiln/internal/codegen"
	"kiln/internal/target"
	"kiln/internal/toolexec"
	"kiln/internal/trace"
)

// ObjectArtifact is an emitted object file and the triple it targets.
type ObjectArtifact struct {
	Triple target.Triple
	Path   string
}

// Emitter writes modules through a Pipeline.
type Emitter struct {
	Pipeline Pipeline
}

// Default emits through `llc` found on PATH.
var Default = &Emitter{Pipeline: LLC{}}

// EmitObject is Default.EmitObject.
func EmitObject(ctx context.Context, m *target.Machine, mod *codegen.Module, path string) (ObjectArtifact, error) {
	return Default.EmitObject(ctx, m, mod, path)
}

// EmitObject writes mod as a native object for m's triple to path. The
// module is not modified. On failure no file is left at path.
func (e *Emitter) EmitObject(ctx context.Context, m *target.Machine, mod *codegen.Module, path string) (ObjectArtifact, error) {
	return e.emit(ctx, m, mod, path, FileObject)
}

// EmitAssembly writes mod as target assembly text to path.
func (e *Emitter) EmitAssembly(ctx context.Context, m *target.Machine, mod *codegen.Module, path string) (ObjectArtifact, error) {
	return e.emit(ctx, m, mod, path, FileAssembly)
}

func (e *Emitter) emit(ctx context.Context, m *target.Machine, mod *codegen.Module, path string, ft FileType) (ObjectArtifact, error) {
	if err := ctx.Err(); err != nil {
		return ObjectArtifact{}, err
	}
	if !m.Live() {
		return ObjectArtifact{}, target.ErrMachineDisposed
	}
	triple := m.Triple()
	fail := func(kind error, diag string, cause error) (ObjectArtifact, error) {
		return ObjectArtifact{}, &Error{
			Kind:       kind,
			Module:     mod.Name(),
			Triple:     triple.String(),
			Path:       path,
			Diagnostic: diag,
			Err:        cause,
		}
	}

	if mod.Disposed() {
		return fail(ErrCodegen, "", codegen.ErrDisposed)
	}
	if open := mod.Unterminated(); len(open) > 0 {
		return fail(ErrCodegen, "unterminated blocks: "+strings.Join(open, ", "), nil)
	}
	ir, err := mod.IR()
	if err != nil {
		return fail(ErrCodegen, "", err)
	}
	if declared := mod.Triple(); declared != "" {
		dt, err := target.ParseTriple(declared)
		if err != nil || !dt.Compatible(triple) {
			return fail(ErrCodegen, fmt.Sprintf("module triple %q does not match machine %s", declared, triple), err)
		}
	}

	ctx, span := trace.Start(ctx, trace.ScopeUnit, "emit:"+mod.Name())
	defer span.End("")

	// #nosec G304 -- output path is chosen by the build
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fail(ErrIO, "", err)
	}
	w := bufio.NewWriter(f)
	runErr := e.Pipeline.Run(ctx, jobFor(m, ft), strings.NewReader(ir), w)
	if runErr == nil {
		runErr = w.Flush()
		if runErr != nil {
			runErr = &fsError{runErr}
		}
	}
	closeErr := f.Close()
	if runErr == nil && closeErr != nil {
		runErr = &fsError{closeErr}
	}
	if runErr != nil {
		_ = os.Remove(path)
		span.WithExtra("error", runErr.Error())
		var exitErr *toolexec.ExitError
		var fsErr *fsError
		switch {
		case errors.As(runErr, &exitErr):
			return fail(classify(exitErr.Stderr), exitErr.Stderr, nil)
		case errors.As(runErr, &fsErr):
			return fail(ErrIO, "", fsErr.err)
		default:
			return fail(ErrCodegen, "", fmt.Errorf("%s: %w", e.Pipeline.Name(), runErr))
		}
	}
	return ObjectArtifact{Triple: triple, Path: path}, nil
}

type fsError struct{ err error }

func (e *fsError) Error() string { return e.err.Error() }
func (e *fsError) Unwrap() error { return e.err }
