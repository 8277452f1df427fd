package buildpipeline

import (
	"context"
	"strconv"
	"time"

	"kiln/internal/emit"
	"kiln/internal/link"
	"kiln/internal/stub"
	"kiln/internal/target"
)

// StubSource provides the stub libraries to link a triple against.
// *stub.Set implements it, as does an unpacked package.
type StubSource interface {
	Libraries(t target.Triple) ([]stub.Library, error)
}

// StdlibSource provides prebuilt objects for a triple, together with the
// triple they were declared for. *pack.Unpacked implements it.
type StdlibSource interface {
	ObjectsFor(t target.Triple) (target.Triple, []string, error)
}

// LinkRequest links one target's objects.
type LinkRequest struct {
	Triple  target.Triple
	Objects []emit.ObjectArtifact
	Stubs   []stub.Library
	Output  string
	Kind    link.OutputKind
	Entry   string
	Driver  link.Driver

	Stdlib       []string
	// StdlibTriple is the triple Stdlib was built for; zero means Triple.
	StdlibTriple target.Triple

	Progress ProgressSink
	Timings  *Timings
}

// LinkTarget builds the link job (objects, then standard library objects,
// then stubs) and runs it.
func LinkTarget(ctx context.Context, req *LinkRequest) error {
	item := req.Triple.String()
	job := &link.Job{
		Triple: req.Triple,
		Output: req.Output,
		Kind:   req.Kind,
		Entry:  req.Entry,
	}
	for _, o := range req.Objects {
		job.Inputs = append(job.Inputs, link.Input{Path: o.Path, Triple: o.Triple, Kind: link.InputObject})
	}
	stdTriple := req.StdlibTriple
	if stdTriple == (target.Triple{}) {
		stdTriple = req.Triple
	}
	for _, p := range req.Stdlib {
		job.Inputs = append(job.Inputs, link.Input{Path: p, Triple: stdTriple, Kind: link.InputStdlib})
	}
	for _, l := range req.Stubs {
		job.Inputs = append(job.Inputs, link.Input{
			Path:   l.Path,
			Triple: target.Triple{Arch: l.Arch, OS: l.OS},
			Kind:   link.InputStub,
		})
	}
	start := time.Now()
	EmitStage(req.Progress, item, StageLink, StatusWorking, nil, 0)
	err := req.Driver.Run(ctx, job)
	req.Timings.Add(StageLink, time.Since(start))
	if err != nil {
		EmitStage(req.Progress, item, StageLink, StatusError, err, 0)
	}
	return err
}

// OutputName returns the platform file name for a linked artifact.
// Shared libraries of a package past major version 0 carry the major in
// their name, so libstd-v1.so and libstd-v2.so can sit side by side.
func OutputName(name string, major uint64, t target.Triple, kind link.OutputKind) string {
	if kind == link.Executable {
		if t.OS == target.OSWindows {
			return name + ".exe"
		}
		return name
	}
	if major > 0 {
		name += "-v" + strconv.FormatUint(major, 10)
	}
	switch t.OS {
	case target.OSWindows:
		return name + ".dll"
	case target.OSDarwin:
		return "lib" + name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}
