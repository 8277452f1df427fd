// Package pack builds and reads kiln packages: per-target objects of a
// set of units together with the ABI stubs of every target, so another
// host can link for those targets without their SDKs.
package pack

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"kiln/internal/buildpipeline"
	"kiln/internal/emit"
	"kiln/internal/frontend"
	"kiln/internal/stub"
	"kiln/internal/target"
	"kiln/internal/trace"
)

// Request describes one package.
type Request struct {
	Name    string
	Version semver.Version
	Kind    string
	Units   []frontend.Unit
	// Source is recorded in the manifest; usually the digest of Units.
	Source  string
	Targets []target.Triple
	Stubs   buildpipeline.StubSource
	// StubPairs overrides the (os, arch) pairs whose stubs are bundled.
	// Empty means every supported pair, independent of Targets.
	StubPairs []stub.Pair
	// OutDir receives <name>-<version>.kpk.
	OutDir string
}

// Builder compiles and bundles packages.
type Builder struct {
	Frontend frontend.Frontend
	Emitter  *emit.Emitter
	Jobs     int
	Progress buildpipeline.ProgressSink

	// Now and Getenv default to time.Now and os.Getenv.
	Now    func() time.Time
	Getenv func(string) string
}

// Result is a written package.
type Result struct {
	Path     string
	Manifest *Manifest
	Timings  *buildpipeline.Timings
}

// Build compiles the units for every target, collects the stubs of every
// supported (os, arch) pair and writes the package. The file appears at its final
// path only when every step succeeded; on failure nothing is left behind
// and the error is a *Error.
func (b *Builder) Build(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, &Error{Err: fmt.Errorf("missing package request")}
	}
	fail := func(triple string, err error) (*Result, error) {
		return nil, &Error{Package: req.Name, Triple: triple, Err: err}
	}
	switch {
	case req.Name == "":
		return fail("", fmt.Errorf("package has no name"))
	case len(req.Targets) == 0:
		return fail("", fmt.Errorf("no targets declared"))
	case req.Stubs == nil:
		return fail("", fmt.Errorf("no stub source"))
	}
	if err := ctx.Err(); err != nil {
		return fail("", err)
	}
	ctx, span := trace.Start(ctx, trace.ScopeDriver, "pack:"+req.Name)
	defer span.End("")
	timings := &buildpipeline.Timings{}

	staging, err := os.MkdirTemp("", "kiln-pack-*")
	if err != nil {
		return fail("", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	targets, err := b.compileTargets(ctx, req, staging, timings)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return fail("", err)
	}

	start := time.Now()
	m := &Manifest{
		Name:    req.Name,
		Version: req.Version.String(),
		Kind:    req.Kind,
		Created: b.created(),
		Source:  req.Source,
	}
	var files []payloadFile
	for _, t := range req.Targets {
		triple := t.String()
		entry := TargetEntry{Triple: triple}
		for _, obj := range targets[triple] {
			// #nosec G304 -- objects were written to our staging directory
			data, err := os.ReadFile(obj.Path)
			if err != nil {
				return fail(triple, err)
			}
			name := filepath.Base(obj.Path)
			entry.Objects = append(entry.Objects, newEntry(name, data))
			files = append(files, payloadFile{name: objectPath(triple, name), data: data})
		}
		m.Targets = append(m.Targets, entry)
	}

	buildpipeline.EmitStage(b.Progress, "", buildpipeline.StageStubs, buildpipeline.StatusWorking, nil, 0)
	pairs := req.StubPairs
	if len(pairs) == 0 {
		pairs = stub.SupportedPairs()
	}
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return fail("", err)
		}
		libs, err := req.Stubs.Libraries(target.Triple{OS: pair.OS, Arch: pair.Arch})
		if err != nil {
			return fail(pair.String(), err)
		}
		if len(libs) == 0 {
			return fail(pair.String(), fmt.Errorf("%w: empty stub set", stub.ErrSetMissing))
		}
		se := StubEntry{Pair: pair.String()}
		for _, lib := range libs {
			data := lib.Data
			if data == nil {
				// #nosec G304 -- stub paths come from the stub set
				data, err = os.ReadFile(lib.Path)
				if err != nil {
					return fail(pair.String(), err)
				}
			}
			se.Libraries = append(se.Libraries, newEntry(lib.Name, data))
			files = append(files, payloadFile{name: stubPath(se.Pair, lib.Name), data: data})
		}
		m.Stubs = append(m.Stubs, se)
	}
	timings.Add(buildpipeline.StageStubs, time.Since(start))

	start = time.Now()
	buildpipeline.EmitStage(b.Progress, "", buildpipeline.StagePack, buildpipeline.StatusWorking, nil, 0)
	path, err := writeAtomic(ctx, req.OutDir, m, files)
	timings.Add(buildpipeline.StagePack, time.Since(start))
	if err != nil {
		buildpipeline.EmitStage(b.Progress, "", buildpipeline.StagePack, buildpipeline.StatusError, err, 0)
		return fail("", err)
	}
	buildpipeline.EmitStage(b.Progress, "", buildpipeline.StagePack, buildpipeline.StatusDone, nil, time.Since(start))
	span.WithExtra("path", path)
	return &Result{Path: path, Manifest: m, Timings: timings}, nil
}

// compileTargets runs every target in parallel. All target failures are
// reported together.
func (b *Builder) compileTargets(ctx context.Context, req *Request, staging string, timings *buildpipeline.Timings) (map[string][]emit.ObjectArtifact, error) {
	items := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		items[i] = t.String()
	}
	buildpipeline.EmitQueued(b.Progress, items)

	var (
		mu   sync.Mutex
		errs *multierror.Error
		out  = map[string][]emit.ObjectArtifact{}
	)
	g, gctx := errgroup.WithContext(ctx)
	if b.Jobs > 0 {
		g.SetLimit(b.Jobs)
	}
	for _, t := range req.Targets {
		g.Go(func() error {
			triple := t.String()
			res, err := buildpipeline.CompileTarget(gctx, &buildpipeline.CompileRequest{
				Triple:   t,
				OptLevel: 2,
				Units:    req.Units,
				Frontend: b.Frontend,
				Emitter:  b.Emitter,
				OutDir:   filepath.Join(staging, "targets", triple),
				Progress: b.Progress,
			})
			timings.Merge(res.Timings)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
				return nil
			}
			out[triple] = res.Objects
			buildpipeline.EmitStage(b.Progress, triple, buildpipeline.StageEmit, buildpipeline.StatusDone, nil, 0)
			return nil
		})
	}
	_ = g.Wait()
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &Error{Package: req.Name, Err: err}
	}
	return out, nil
}

// created honours SOURCE_DATE_EPOCH so rebuilding identical inputs
// yields an identical package.
func (b *Builder) created() int64 {
	getenv := b.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv("SOURCE_DATE_EPOCH")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return now().Unix()
}

// writeAtomic writes the package to a temporary file in dir and renames
// it into place.
func writeAtomic(ctx context.Context, dir string, m *Manifest, files []payloadFile) (path string, err error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	final := filepath.Join(dir, m.FileName())
	tmp, err := os.CreateTemp(dir, "."+m.FileName()+".*.tmp")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	bw := bufio.NewWriter(tmp)
	if err := write(bw, m, files); err != nil {
		return "", err
	}
	if err := bw.Flush(); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}
