package emit

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"kiln/internal/target"
	"kiln/internal/toolexec"
)

// FileType is the artifact kind a pipeline produces.
type FileType string

const (
	FileObject   FileType = "obj"
	FileAssembly FileType = "asm"
)

// Job is everything a pipeline needs besides the IR text.
type Job struct {
	Triple   string
	CPU      string
	Features string
	Reloc    target.RelocModel
	Opt      target.OptLevel
	FileType FileType
}

func jobFor(m *target.Machine, ft FileType) Job {
	return Job{
		Triple:   m.Triple().String(),
		CPU:      m.CPU(),
		Features: m.Features(),
		Reloc:    m.RelocModel(),
		Opt:      m.OptLevel(),
		FileType: ft,
	}
}

// Pipeline turns textual IR into machine code. Every Run is a fresh
// pipeline: nothing is cached between calls.
type Pipeline interface {
	Name() string
	Run(ctx context.Context, job Job, ir io.Reader, out io.Writer) error
}

// LLC drives `llc`, reading IR on stdin and writing the artifact to stdout.
type LLC struct {
	Path string // defaults to "llc"
}

func (LLC) Name() string { return "llc" }

func (p LLC) Args(job Job) []string {
	args := []string{
		"-mtriple=" + job.Triple,
		"-mcpu=" + job.CPU,
	}
	if job.Features != "" {
		args = append(args, "-mattr="+job.Features)
	}
	args = append(args,
		"-relocation-model="+string(job.Reloc),
		"-O="+strconv.Itoa(int(job.Opt)),
		"-filetype="+string(job.FileType),
		"-o", "-", "-",
	)
	return args
}

func (p LLC) Run(ctx context.Context, job Job, ir io.Reader, out io.Writer) error {
	path := p.Path
	if path == "" {
		path = "llc"
	}
	return toolexec.Run(ctx, toolexec.Cmd{Path: path, Args: p.Args(job), Stdin: ir, Stdout: out})
}

// Clang drives `clang -x ir`. It accepts the same IR but resolves the
// target's default CPU itself when none is given.
type Clang struct {
	Path string // defaults to "clang"
}

func (Clang) Name() string { return "clang" }

func (p Clang) Args(job Job) []string {
	args := []string{"--target=" + job.Triple, "-x", "ir"}
	if job.FileType == FileAssembly {
		args = append(args, "-S")
	} else {
		args = append(args, "-c")
	}
	if job.CPU != "" && job.CPU != "generic" {
		args = append(args, "-mcpu="+job.CPU)
	}
	if job.Features != "" {
		for _, f := range strings.Split(job.Features, ",") {
			args = append(args, "-Xclang", "-target-feature", "-Xclang", strings.TrimSpace(f))
		}
	}
	if job.Reloc == target.RelocPIC {
		args = append(args, "-fPIC")
	} else {
		args = append(args, "-fno-pic")
	}
	args = append(args, fmt.Sprintf("-O%d", job.Opt), "-o", "-", "-")
	return args
}

func (p Clang) Run(ctx context.Context, job Job, ir io.Reader, out io.Writer) error {
	path := p.Path
	if path == "" {
		path = "clang"
	}
	return toolexec.Run(ctx, toolexec.Cmd{Path: path, Args: p.Args(job), Stdin: ir, Stdout: out})
}

// PipelineByName returns the pipeline for a configuration value.
func PipelineByName(name, path string) (Pipeline, error) {
	switch name {
	case "", "llc":
		return LLC{Path: path}, nil
	case "clang":
		return Clang{Path: path}, nil
	default:
		return nil, fmt.Errorf("unknown codegen pipeline %q (expected: llc|clang)", name)
	}
}
