package buildpipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"kiln/internal/emit"
	"kiln/internal/frontend"
	"kiln/internal/link"
	"kiln/internal/project"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// BuildRequest configures `kiln build` for a package definition.
type BuildRequest struct {
	Manifest *project.Manifest
	// Targets overrides the manifest's target list when non-empty.
	Targets []target.Triple

	Frontend frontend.Frontend
	Emitter  *emit.Emitter
	Linker   link.Driver
	Stubs    StubSource
	Stdlib   StdlibSource

	OutputRoot string
	Profile    string
	KeepTmp    bool
	Jobs       int

	Progress ProgressSink
}

// BuildResult captures build artefacts and timings.
type BuildResult struct {
	// Outputs maps each triple to its artifact: the linked file, or the
	// object directory for "objects" packages.
	Outputs map[string]string
	TmpDir  string
	Timings *Timings
}

// Build compiles the package for each target in parallel and links the
// result when the package kind asks for it. Failures of individual
// targets are collected; the other targets still finish.
func Build(ctx context.Context, req *BuildRequest) (BuildResult, error) {
	result := BuildResult{Outputs: map[string]string{}, Timings: &Timings{}}
	if req == nil || req.Manifest == nil {
		return result, fmt.Errorf("missing build request")
	}
	m := req.Manifest
	targets := req.Targets
	if len(targets) == 0 {
		targets = m.Targets
	}
	profile := req.Profile
	if profile == "" {
		profile = "debug"
	}
	opt := target.OptLevel(0)
	if profile == "release" {
		opt = 3
	}
	root := req.OutputRoot
	if root == "" {
		root = m.Root
	}
	outDir := filepath.Join(root, "target", profile)
	result.TmpDir = filepath.Join(outDir, ".tmp")

	ctx, span := trace.Start(ctx, trace.ScopeDriver, "build:"+m.Name())
	defer span.End("")

	units, err := LoadUnits(m)
	if err != nil {
		return result, err
	}
	needsLink := m.Kind() != project.KindObjects
	if needsLink && req.Stubs == nil {
		return result, fmt.Errorf("linking %s needs a stub set", m.Name())
	}

	items := make([]string, len(targets))
	for i, t := range targets {
		items[i] = t.String()
	}
	EmitQueued(req.Progress, items)

	var (
		mu   sync.Mutex
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	if req.Jobs > 0 {
		g.SetLimit(req.Jobs)
	}
	for _, t := range targets {
		g.Go(func() error {
			out, terr := buildTarget(gctx, req, units, t, outDir, opt, result.Timings)
			mu.Lock()
			defer mu.Unlock()
			if terr != nil {
				errs = multierror.Append(errs, terr)
				EmitStage(req.Progress, t.String(), StageLink, StatusError, terr, 0)
				return nil
			}
			result.Outputs[t.String()] = out
			EmitStage(req.Progress, t.String(), StageLink, StatusDone, nil, 0)
			return nil
		})
	}
	_ = g.Wait()
	if !req.KeepTmp && needsLink {
		_ = os.RemoveAll(result.TmpDir)
	}
	return result, errs.ErrorOrNil()
}

func buildTarget(ctx context.Context, req *BuildRequest, units []frontend.Unit, t target.Triple, outDir string, opt target.OptLevel, timings *Timings) (string, error) {
	m := req.Manifest
	triple := t.String()
	kind := link.Executable
	if m.Kind() == project.KindLibrary {
		kind = link.SharedLibrary
	}

	objDir := filepath.Join(outDir, ".tmp", triple)
	if m.Kind() == project.KindObjects {
		objDir = filepath.Join(outDir, triple, "objects")
	}
	cres, err := CompileTarget(ctx, &CompileRequest{
		Triple:   t,
		OptLevel: opt,
		Units:    units,
		Frontend: req.Frontend,
		Emitter:  req.Emitter,
		OutDir:   objDir,
		DllMain:  kind == link.SharedLibrary && t.OS == target.OSWindows,
		Progress: req.Progress,
	})
	timings.Merge(cres.Timings)
	if err != nil {
		return "", err
	}
	if m.Kind() == project.KindObjects {
		return objDir, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	start := time.Now()
	EmitStage(req.Progress, triple, StageStubs, StatusWorking, nil, 0)
	stubs, err := req.Stubs.Libraries(t)
	timings.Add(StageStubs, time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%s: %w", triple, err)
	}
	var (
		stdlib       []string
		stdlibTriple target.Triple
	)
	if req.Stdlib != nil {
		stdlibTriple, stdlib, err = req.Stdlib.ObjectsFor(t)
		if err != nil {
			return "", fmt.Errorf("%s: %w", triple, err)
		}
	}

	dir := filepath.Join(outDir, triple)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	output := filepath.Join(dir, OutputName(m.Name(), m.Version.Major, t, kind))
	entry := ""
	if kind == link.Executable {
		entry = m.Entry()
	}
	err = LinkTarget(ctx, &LinkRequest{
		Triple:       t,
		Objects:      cres.Objects,
		Stdlib:       stdlib,
		StdlibTriple: stdlibTriple,
		Stubs:        stubs,
		Output:       output,
		Kind:         kind,
		Entry:        entry,
		Driver:       req.Linker,
		Progress:     req.Progress,
		Timings:      timings,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", triple, err)
	}
	return output, nil
}

// LoadUnits reads the manifest's unit files.
func LoadUnits(m *project.Manifest) ([]frontend.Unit, error) {
	files, sources, _, err := m.ReadUnits()
	if err != nil {
		return nil, err
	}
	units := make([]frontend.Unit, len(files))
	for i, f := range files {
		units[i] = frontend.Unit{Name: f.Name(), Path: f.Rel, Source: sources[i]}
	}
	return units, nil
}
