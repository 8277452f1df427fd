// Package stub generates ABI stub libraries: files that carry a system
// library's exported symbol table and nothing else, so a program can be
// linked for a target without that target's SDK.
//
// Stub content is a pure function of (os, arch) and the checked-in
// descriptions; two runs produce identical bytes.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"kiln/internal/objfile"
	"kiln/internal/target"
	"kiln/internal/toolexec"
	"kiln/internal/trace"
)

// Library is one generated stub.
type Library struct {
	OS     string        `msgpack:"os"`
	Arch   string        `msgpack:"arch"`
	Name   string        `msgpack:"name"`
	Format target.Format `msgpack:"format"`
	Digest string        `msgpack:"digest"`
	// Path is set once the library is on disk.
	Path string `msgpack:"-"`
	Data []byte `msgpack:"-"`
}

// Pair is an (os, arch) combination with its own stub set.
type Pair struct {
	OS   string
	Arch string
}

func (p Pair) String() string { return p.OS + "-" + p.Arch }

// PairOf returns the stub pair of a triple.
func PairOf(t target.Triple) Pair { return Pair{OS: t.OS, Arch: t.Arch} }

// PairsOf returns the distinct pairs of triples, sorted.
func PairsOf(triples []target.Triple) []Pair {
	seen := map[Pair]bool{}
	var out []Pair
	for _, t := range triples {
		p := PairOf(t)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SupportedPairs returns the pairs of every supported target triple. A
// package or a provisioned stub directory carries all of them.
func SupportedPairs() []Pair { return PairsOf(target.Supported()) }

// Mode selects how stubs are produced.
type Mode string

const (
	// ModeNative writes ELF stubs and import libraries in-process.
	ModeNative Mode = "native"
	// ModeLLVM runs llvm-ifs and llvm-dlltool.
	ModeLLVM Mode = "llvm"
)

// Tools locates the external generators used by ModeLLVM.
type Tools struct {
	LLVMIfs     string
	LLVMDlltool string
}

// Provisioner turns descriptions into stub libraries.
type Provisioner struct {
	Mode  Mode
	Tools Tools
	// FS holds the descriptions; defaults to the embedded ones.
	FS fs.FS
	// Jobs bounds GenerateAll concurrency; zero means one per pair.
	Jobs int
}

// NewProvisioner returns a provisioner over the embedded descriptions.
func NewProvisioner(mode Mode, tools Tools) *Provisioner {
	return &Provisioner{Mode: mode, Tools: tools}
}

func (p *Provisioner) fsys() fs.FS {
	if p.FS != nil {
		return p.FS
	}
	return Descriptions()
}

var osArches = map[string][]string{
	target.OSLinux:   {target.ArchX86_64, target.ArchAArch64, target.ArchI686},
	target.OSDarwin:  {target.ArchX86_64, target.ArchAArch64},
	target.OSWindows: {target.ArchX86_64, target.ArchAArch64, target.ArchI686},
}

var descExt = map[string]string{
	target.OSLinux:   ".ifs",
	target.OSDarwin:  ".tbd",
	target.OSWindows: ".def",
}

// Generate produces every stub library for (goos, arch), sorted by name.
func (p *Provisioner) Generate(ctx context.Context, goos, arch string) ([]Library, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	arches, ok := osArches[goos]
	if !ok || !contains(arches, arch) {
		return nil, fmt.Errorf("%w: no stub set for %s-%s", target.ErrTargetNotFound, goos, arch)
	}
	ctx, span := trace.Start(ctx, trace.ScopeTarget, "stubs:"+goos+"-"+arch)
	defer span.End("")

	fsys := p.fsys()
	matches, err := fs.Glob(fsys, path.Join(goos, "*"+descExt[goos]))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, &GenerationError{OS: goos, Arch: arch, Library: goos, Err: errors.New("no descriptions found")}
	}
	var versions map[string]map[string]string
	if goos == target.OSLinux {
		versions, err = loadVersions(fsys)
		if err != nil {
			return nil, &GenerationError{OS: goos, Arch: arch, Library: "versions.yaml", Err: err}
		}
	}

	out := make([]Library, 0, len(matches))
	for _, m := range matches {
		data, err := fs.ReadFile(fsys, m)
		if err != nil {
			return nil, &GenerationError{OS: goos, Arch: arch, Library: path.Base(m), Err: err}
		}
		var lib Library
		switch goos {
		case target.OSLinux:
			lib, err = p.genELF(ctx, arch, data, versions)
		case target.OSDarwin:
			lib, err = genTBD(arch, path.Base(m), data)
		case target.OSWindows:
			lib, err = p.genImportLib(ctx, arch, data)
		}
		if err != nil {
			var gerr *GenerationError
			if !errors.As(err, &gerr) {
				gerr = &GenerationError{Library: path.Base(m), Err: err}
			}
			gerr.OS, gerr.Arch = goos, arch
			if gerr.Library == "" {
				gerr.Library = path.Base(m)
			}
			return nil, gerr
		}
		lib.OS, lib.Arch = goos, arch
		sum := sha256.Sum256(lib.Data)
		lib.Digest = hex.EncodeToString(sum[:])
		out = append(out, lib)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	span.WithExtra("libraries", fmt.Sprint(len(out)))
	return out, nil
}

func loadVersions(fsys fs.FS) (map[string]map[string]string, error) {
	data, err := fs.ReadFile(fsys, "linux/versions.yaml")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v map[string]map[string]string
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse versions.yaml: %w", err)
	}
	return v, nil
}

func (p *Provisioner) genELF(ctx context.Context, arch string, data []byte, versions map[string]map[string]string) (Library, error) {
	desc, err := ParseIFS(data)
	if err != nil {
		return Library{}, err
	}
	bits := 64
	if arch == target.ArchI686 {
		bits = 32
	}
	resolved, err := desc.Resolve(arch, bits, binary.LittleEndian)
	if err != nil {
		return Library{}, &GenerationError{Library: desc.SoName, Err: err}
	}
	lib := Library{Name: desc.SoName, Format: target.FormatELF}

	if p.Mode == ModeLLVM {
		text, err := resolved.Marshal()
		if err != nil {
			return Library{}, &GenerationError{Library: desc.SoName, Err: err}
		}
		lib.Data, err = p.runTool(ctx, p.Tools.LLVMIfs, "llvm-ifs", desc.SoName, "in.ifs", text, func(in, out string) []string {
			return []string{"--input-format=IFS", "--output-elf=" + out, in}
		})
		return lib, err
	}

	elfStub, err := resolved.ELF(versions[desc.SoName][arch])
	if err != nil {
		return Library{}, &GenerationError{Library: desc.SoName, Err: err}
	}
	lib.Data, err = elfStub.Bytes()
	if err != nil {
		return Library{}, &GenerationError{Library: desc.SoName, Err: err}
	}
	return lib, nil
}

// genTBD passes the checked-in TBD through unchanged once it is known to
// cover the requested architecture.
func genTBD(arch, name string, data []byte) (Library, error) {
	tbd, err := ParseTBD(data)
	if err != nil {
		return Library{}, err
	}
	tt, err := TBDTarget(arch)
	if err != nil {
		return Library{}, err
	}
	if !tbd.Covers(tt) {
		return Library{}, fmt.Errorf("%s does not export symbols for %s", name, tt)
	}
	return Library{Name: name, Format: target.FormatMachO, Data: append([]byte(nil), data...)}, nil
}

var dlltoolMachine = map[string]string{
	target.ArchX86_64:  "i386:x86-64",
	target.ArchI686:    "i386",
	target.ArchAArch64: "arm64",
}

func (p *Provisioner) genImportLib(ctx context.Context, arch string, data []byte) (Library, error) {
	def, err := ParseDef(data)
	if err != nil {
		return Library{}, err
	}
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSuffix(def.Library, ".dll"), ".DLL")) + ".lib"
	lib := Library{Name: name, Format: target.FormatCOFF}

	if p.Mode == ModeLLVM {
		lib.Data, err = p.runTool(ctx, p.Tools.LLVMDlltool, "llvm-dlltool", name, "in.def", data, func(in, out string) []string {
			return []string{"-m", dlltoolMachine[arch], "-d", in, "-l", out}
		})
		return lib, err
	}

	machine, ok := objfile.COFFMachine(arch)
	if !ok {
		return Library{}, &GenerationError{Library: name, Err: fmt.Errorf("no COFF machine for %s", arch)}
	}
	lib.Data, err = def.ImportLibrary(machine, arch == target.ArchI686).Bytes()
	if err != nil {
		return Library{}, &GenerationError{Library: name, Err: err}
	}
	return lib, nil
}

// runTool writes input to a scratch directory, runs the generator and
// reads back its output. A nonzero exit is fatal.
func (p *Provisioner) runTool(ctx context.Context, toolPath, tool, lib, inName string, input []byte, args func(in, out string) []string) ([]byte, error) {
	if toolPath == "" {
		toolPath = tool
	}
	dir, err := os.MkdirTemp("", "kiln-stub-*")
	if err != nil {
		return nil, &GenerationError{Library: lib, Tool: tool, Err: err}
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in := filepath.Join(dir, inName)
	out := filepath.Join(dir, "out")
	if err := os.WriteFile(in, input, 0o600); err != nil {
		return nil, &GenerationError{Library: lib, Tool: tool, Err: err}
	}
	if err := toolexec.Run(ctx, toolexec.Cmd{Path: toolPath, Args: args(in, out), Dir: dir}); err != nil {
		gerr := &GenerationError{Library: lib, Tool: tool, Err: err}
		var exitErr *toolexec.ExitError
		if errors.As(err, &exitErr) {
			gerr.Diagnostic = exitErr.Stderr
		}
		return nil, gerr
	}
	// #nosec G304 -- path is inside our scratch directory
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &GenerationError{Library: lib, Tool: tool, Err: fmt.Errorf("generator produced no output: %w", err)}
	}
	return data, nil
}

// PairLibraries is the generated set of one pair.
type PairLibraries struct {
	Pair      Pair
	Libraries []Library
}

// GenerateAll generates every pair concurrently. Pairs are independent; the
// first failure cancels the pairs not yet started. Results keep input order.
func (p *Provisioner) GenerateAll(ctx context.Context, pairs []Pair) ([]PairLibraries, error) {
	out := make([]PairLibraries, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	if p.Jobs > 0 {
		g.SetLimit(p.Jobs)
	}
	for i, pair := range pairs {
		g.Go(func() error {
			libs, err := p.Generate(gctx, pair.OS, pair.Arch)
			if err != nil {
				return err
			}
			out[i] = PairLibraries{Pair: pair, Libraries: libs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
