package emit

import (
	"context"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/codegen"
	"kiln/internal/target"
	"kiln/internal/toolexec"
)

type fakePipeline struct {
	out  string
	err  error
	jobs []Job
	ir   string
}

func (p *fakePipeline) Name() string { return "fake" }

func (p *fakePipeline) Run(_ context.Context, job Job, ir io.Reader, out io.Writer) error {
	p.jobs = append(p.jobs, job)
	data, err := io.ReadAll(ir)
	if err != nil {
		return err
	}
	p.ir = string(data)
	if _, err := io.WriteString(out, p.out); err != nil {
		return err
	}
	return p.err
}

func machine(t *testing.T, triple string) *target.Machine {
	t.Helper()
	m, err := target.CreateFromDescriptor(target.Descriptor{Triple: triple})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })
	return m
}

// exitModule builds `void kiln_exit(i32)` calling the C library's exit.
func exitModule(t *testing.T, terminated bool) *codegen.Module {
	t.Helper()
	c := codegen.NewContext()
	mod, err := c.NewModule("exit")
	require.NoError(t, err)
	exit := mod.AddFunction("exit", c.FuncType(c.Void(), []codegen.Type{c.I32()}, false))
	fn := mod.AddFunction("kiln_exit", c.FuncType(c.Void(), []codegen.Type{c.I32()}, false))
	b := c.NewBuilder()
	b.PositionAtEnd(fn.AppendBlock("entry"))
	b.Call(exit, fn.Param(0))
	if terminated {
		b.Unreachable()
	}
	t.Cleanup(func() {
		_ = b.Dispose()
		_ = mod.Dispose()
		_ = c.Dispose()
	})
	return mod
}

func TestEmitObjectWritesPipelineOutput(t *testing.T) {
	p := &fakePipeline{out: "\x7fELF-object"}
	e := &Emitter{Pipeline: p}
	path := filepath.Join(t.TempDir(), "exit.o")
	mod := exitModule(t, true)

	art, err := e.EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), mod, path)
	require.NoError(t, err)
	assert.Equal(t, path, art.Path)
	assert.Equal(t, "x86_64-unknown-linux-gnu", art.Triple.String())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\x7fELF-object", string(data))

	require.Len(t, p.jobs, 1)
	assert.Equal(t, FileObject, p.jobs[0].FileType)
	assert.Equal(t, "generic", p.jobs[0].CPU)
	assert.Equal(t, target.RelocPIC, p.jobs[0].Reloc)
	assert.Contains(t, p.ir, "call void @exit(i32 %p0)")
	assert.Empty(t, mod.Triple(), "emission must not modify the module")
}

func TestEmitRejectsUnterminatedBlocks(t *testing.T) {
	p := &fakePipeline{}
	e := &Emitter{Pipeline: p}
	path := filepath.Join(t.TempDir(), "exit.o")

	_, err := e.EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), exitModule(t, false), path)
	require.ErrorIs(t, err, ErrCodegen)
	assert.Contains(t, err.Error(), "kiln_exit/entry")
	assert.Empty(t, p.jobs)
	assert.NoFileExists(t, path)
}

func TestEmitMapsUnsupportedFileType(t *testing.T) {
	p := &fakePipeline{
		out: "partial",
		err: &toolexec.ExitError{Tool: "llc", Code: 1, Stderr: "LLVM ERROR: target does not support generation of this file type\n"},
	}
	e := &Emitter{Pipeline: p}
	path := filepath.Join(t.TempDir(), "exit.o")

	_, err := e.EmitObject(context.Background(), machine(t, "aarch64-apple-darwin"), exitModule(t, true), path)
	require.ErrorIs(t, err, ErrCodegenUnsupported)
	assert.NoFileExists(t, path)

	var emitErr *Error
	require.True(t, errors.As(err, &emitErr))
	assert.Contains(t, emitErr.Diagnostic, "file type")
}

func TestEmitMapsBackendRejection(t *testing.T) {
	p := &fakePipeline{err: &toolexec.ExitError{Tool: "llc", Code: 1, Stderr: "error: invalid type for call"}}
	e := &Emitter{Pipeline: p}

	_, err := e.EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), exitModule(t, true), filepath.Join(t.TempDir(), "x.o"))
	require.ErrorIs(t, err, ErrCodegen)
	assert.NotErrorIs(t, err, ErrCodegenUnsupported)
	assert.Contains(t, err.Error(), "invalid type for call")
}

func TestEmitUnwritablePath(t *testing.T) {
	p := &fakePipeline{}
	e := &Emitter{Pipeline: p}
	path := filepath.Join(t.TempDir(), "missing", "dir", "x.o")

	_, err := e.EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), exitModule(t, true), path)
	require.ErrorIs(t, err, ErrIO)
	assert.Empty(t, p.jobs, "pipeline must not run when the output cannot be opened")
}

func TestEmitObservesCancellationBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &fakePipeline{}
	_, err := (&Emitter{Pipeline: p}).EmitObject(ctx, machine(t, "x86_64-unknown-linux-gnu"), exitModule(t, true), filepath.Join(t.TempDir(), "x.o"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.jobs)
}

func TestEmitRejectsForeignModuleTriple(t *testing.T) {
	mod := exitModule(t, true)
	mod.SetTriple("aarch64-apple-darwin")
	_, err := (&Emitter{Pipeline: &fakePipeline{}}).EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), mod, filepath.Join(t.TempDir(), "x.o"))
	require.ErrorIs(t, err, ErrCodegen)
}

func TestLLCArgs(t *testing.T) {
	args := LLC{}.Args(Job{
		Triple:   "aarch64-apple-darwin",
		CPU:      "apple-m1",
		Features: "+neon",
		Reloc:    target.RelocPIC,
		Opt:      2,
		FileType: FileObject,
	})
	assert.Equal(t, []string{
		"-mtriple=aarch64-apple-darwin", "-mcpu=apple-m1", "-mattr=+neon",
		"-relocation-model=pic", "-O=2", "-filetype=obj", "-o", "-", "-",
	}, args)

	clang := Clang{}.Args(Job{Triple: "x86_64-pc-windows-msvc", CPU: "generic", Reloc: target.RelocStatic, FileType: FileAssembly})
	assert.Equal(t, "--target=x86_64-pc-windows-msvc", clang[0])
	assert.Contains(t, clang, "-S")
	assert.Contains(t, clang, "-fno-pic")
	assert.NotContains(t, strings.Join(clang, " "), "-mcpu")
}

func TestEmitWithLLC(t *testing.T) {
	llc, ok := toolexec.Lookup("llc")
	if !ok {
		t.Skip("llc not found in PATH")
	}
	e := &Emitter{Pipeline: LLC{Path: llc}}
	path := filepath.Join(t.TempDir(), "exit.o")
	_, err := e.EmitObject(context.Background(), machine(t, "x86_64-unknown-linux-gnu"), exitModule(t, true), path)
	require.NoError(t, err)

	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, elf.EM_X86_64, f.Machine)
	assert.Equal(t, elf.ET_REL, f.Type)
	syms, err := f.Symbols()
	require.NoError(t, err)
	var names []string
	for _, s := range syms {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "kiln_exit")
	assert.Contains(t, names, "exit")
}
