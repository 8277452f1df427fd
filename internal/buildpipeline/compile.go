// Package buildpipeline drives units through the backend: lowering and
// emission per target, then linking against the target's stub libraries.
package buildpipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"kiln/internal/codegen"
	"kiln/internal/emit"
	"kiln/internal/frontend"
	"kiln/internal/link"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// CompileRequest compiles every unit for one target.
type CompileRequest struct {
	Triple   target.Triple
	CPU      string
	Features string
	OptLevel target.OptLevel

	Units    []frontend.Unit
	Frontend frontend.Frontend
	Emitter  *emit.Emitter
	// OutDir receives one <unit>.o per unit.
	OutDir string
	// DllMain adds a module defining the Windows DLL entry point.
	DllMain bool

	Progress ProgressSink
}

// CompileResult lists the objects written for the target.
type CompileResult struct {
	Objects []emit.ObjectArtifact
	Timings *Timings
}

const dllMainUnit = "kiln.dllmain"

// CompileTarget lowers and emits every unit with a single codegen Context.
// A failing unit does not stop the others; all failures are returned
// together. Cancellation is observed between units.
func CompileTarget(ctx context.Context, req *CompileRequest) (res CompileResult, err error) {
	res.Timings = &Timings{}
	if req == nil {
		return res, fmt.Errorf("missing compile request")
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	item := req.Triple.String()
	emitter := req.Emitter
	if emitter == nil {
		emitter = emit.Default
	}
	fe := req.Frontend
	if fe == nil {
		fe = frontend.Decl{}
	}

	ctx, span := trace.Start(ctx, trace.ScopeTarget, "compile:"+item)
	defer span.End("")

	machine, err := target.CreateFromDescriptor(
		target.Descriptor{Triple: item, CPU: req.CPU, Features: req.Features},
		target.WithOptLevel(int(req.OptLevel)),
	)
	if err != nil {
		EmitStage(req.Progress, item, StageLower, StatusError, err, 0)
		return res, err
	}
	defer func() { _ = machine.Dispose() }()
	layout, err := machine.DataLayout()
	if err != nil {
		return res, err
	}
	defer func() { _ = layout.Dispose() }()

	if err := os.MkdirAll(req.OutDir, 0o750); err != nil {
		return res, fmt.Errorf("create object dir: %w", err)
	}

	c := codegen.NewContext()
	defer func() {
		if derr := c.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}()

	units := req.Units
	if req.DllMain {
		units = append(append([]frontend.Unit(nil), units...), frontend.Unit{Name: dllMainUnit})
	}

	var errs *multierror.Error
	for _, u := range units {
		if cerr := ctx.Err(); cerr != nil {
			errs = multierror.Append(errs, cerr)
			break
		}
		obj, uerr := compileUnit(ctx, c, machine, layout, fe, emitter, req, u, res.Timings)
		if uerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", item, uerr))
			continue
		}
		res.Objects = append(res.Objects, obj)
	}
	if err := errs.ErrorOrNil(); err != nil {
		EmitStage(req.Progress, item, StageEmit, StatusError, err, 0)
		return res, err
	}
	span.WithExtra("objects", fmt.Sprint(len(res.Objects)))
	return res, nil
}

func compileUnit(ctx context.Context, c *codegen.Context, machine *target.Machine, layout *target.DataLayout,
	fe frontend.Frontend, emitter *emit.Emitter, req *CompileRequest, u frontend.Unit, timings *Timings) (obj emit.ObjectArtifact, err error) {
	mod, err := c.NewModule(u.Name)
	if err != nil {
		return obj, err
	}
	defer func() {
		if derr := mod.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}()
	mod.SetTriple(req.Triple.String())
	mod.SetDataLayout(layout)

	item := req.Triple.String()
	env := frontend.Env{Context: c, Module: mod, Triple: req.Triple, Layout: layout}
	start := time.Now()
	EmitStage(req.Progress, item, StageLower, StatusWorking, nil, 0)
	if u.Name == dllMainUnit && u.Source == nil {
		_, err = frontend.AddDllMain(env, link.DllEntry)
	} else {
		err = fe.Lower(ctx, u, env)
	}
	timings.Add(StageLower, time.Since(start))
	if err != nil {
		return obj, err
	}

	start = time.Now()
	EmitStage(req.Progress, item, StageEmit, StatusWorking, nil, 0)
	obj, err = emitter.EmitObject(ctx, machine, mod, filepath.Join(req.OutDir, u.Name+".o"))
	timings.Add(StageEmit, time.Since(start))
	return obj, err
}

// IsCancelled reports whether err stems from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
