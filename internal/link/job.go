package link

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"kiln/internal/objfile"
	"kiln/internal/target"
)

// ErrTripleMismatch is returned by Validate when an input was built for a
// different target than the job.
var ErrTripleMismatch = errors.New("link input does not match target")

// InputKind says where a link input came from.
type InputKind uint8

const (
	InputObject InputKind = iota
	InputStub
	InputStdlib
)

func (k InputKind) String() string {
	switch k {
	case InputObject:
		return "object"
	case InputStub:
		return "stub"
	case InputStdlib:
		return "stdlib"
	default:
		return "input"
	}
}

// Input is one file handed to the linker, tagged with the triple it was
// produced for.
type Input struct {
	Path   string
	Triple target.Triple
	Kind   InputKind
}

// OutputKind selects executable or shared library output.
type OutputKind uint8

const (
	Executable OutputKind = iota
	SharedLibrary
)

// Job is a fully described link.
type Job struct {
	Triple target.Triple
	// Flavor is derived from Triple when zero.
	Flavor Flavor
	Inputs []Input
	Output string
	Kind   OutputKind
	// Entry is the entry symbol without platform prefix. Executables
	// default to "main".
	Entry string
	// Extra arguments appended after the generated ones.
	Extra []string
}

func (j *Job) flavor() (Flavor, error) {
	want, err := FlavorFor(j.Triple)
	if err != nil {
		return 0, err
	}
	if j.Flavor != 0 && j.Flavor != want {
		return 0, fmt.Errorf("flavor %s does not match %s (want %s)", j.Flavor, j.Triple, want)
	}
	return want, nil
}

// Validate checks the job before any linker runs: every input must be
// declared for a compatible triple, and its header must agree with the
// declaration.
func (j *Job) Validate() error {
	fl, err := j.flavor()
	if err != nil {
		return err
	}
	if j.Output == "" {
		return errors.New("link job has no output path")
	}
	if len(j.Inputs) == 0 {
		return errors.New("link job has no inputs")
	}
	for _, in := range j.Inputs {
		if !in.Triple.Compatible(j.Triple) {
			return fmt.Errorf("%w: %s %s is for %s, linking for %s",
				ErrTripleMismatch, in.Kind, in.Path, in.Triple, j.Triple)
		}
		info, err := objfile.IdentifyFile(in.Path)
		if err != nil {
			return fmt.Errorf("read %s %s: %w", in.Kind, in.Path, err)
		}
		if info.Kind == objfile.KindUnknown {
			continue
		}
		if info.Format != "" && info.Format != fl.Format() {
			return fmt.Errorf("%w: %s %s is a %s file, linking %s for %s",
				ErrTripleMismatch, in.Kind, in.Path, info.Kind, fl.Format(), j.Triple)
		}
		if len(info.Archs) > 0 && !info.HasArch(j.Triple.Arch) {
			return fmt.Errorf("%w: %s %s contains %s code, linking for %s",
				ErrTripleMismatch, in.Kind, in.Path, strings.Join(info.Archs, ","), j.Triple)
		}
	}
	return nil
}

// Args renders the flavor-specific command line, without `-flavor`.
func (j *Job) Args() ([]string, error) {
	fl, err := j.flavor()
	if err != nil {
		return nil, err
	}
	entry := j.Entry
	if entry == "" && j.Kind == Executable {
		entry = "main"
	}
	var args []string
	switch fl {
	case FlavorMachO:
		args, err = j.machoArgs(entry)
	case FlavorELF:
		args, err = j.elfArgs(entry)
	case FlavorCOFF:
		args, err = j.coffArgs(entry)
	}
	if err != nil {
		return nil, err
	}
	for _, in := range j.Inputs {
		args = append(args, in.Path)
	}
	return append(args, j.Extra...), nil
}

var machoArch = map[string]string{
	target.ArchX86_64:  "x86_64",
	target.ArchAArch64: "arm64",
}

func (j *Job) machoArgs(entry string) ([]string, error) {
	arch, ok := machoArch[j.Triple.Arch]
	if !ok {
		return nil, fmt.Errorf("no Mach-O architecture for %s", j.Triple)
	}
	minOS := "10.12.0"
	if j.Triple.Arch == target.ArchAArch64 {
		minOS = "11.0.0"
	}
	args := []string{
		"-o", j.Output,
		"-arch", arch,
		"-platform_version", "macos", minOS, minOS,
	}
	if j.Kind == SharedLibrary {
		args = append(args, "-dylib", "-install_name", "@rpath/"+filepath.Base(j.Output))
	} else {
		args = append(args, "-e", "_"+entry)
	}
	return args, nil
}

var (
	elfEmulation = map[string]string{
		target.ArchX86_64:  "elf_x86_64",
		target.ArchI686:    "elf_i386",
		target.ArchAArch64: "aarch64linux",
	}
	elfInterpreter = map[string]string{
		target.ArchX86_64:  "/lib64/ld-linux-x86-64.so.2",
		target.ArchI686:    "/lib/ld-linux.so.2",
		target.ArchAArch64: "/lib/ld-linux-aarch64.so.1",
	}
)

func (j *Job) elfArgs(entry string) ([]string, error) {
	emu, ok := elfEmulation[j.Triple.Arch]
	if !ok {
		return nil, fmt.Errorf("no ELF emulation for %s", j.Triple)
	}
	args := []string{"-o", j.Output, "-m", emu, "--hash-style=both"}
	if j.Kind == SharedLibrary {
		args = append(args, "-shared", "-soname", filepath.Base(j.Output))
		if entry != "" {
			args = append(args, "--entry="+entry)
		}
	} else {
		args = append(args, "-pie", "--dynamic-linker="+elfInterpreter[j.Triple.Arch], "--entry="+entry)
	}
	return args, nil
}

var coffMachine = map[string]string{
	target.ArchX86_64:  "x64",
	target.ArchI686:    "x86",
	target.ArchAArch64: "arm64",
}

func (j *Job) coffArgs(entry string) ([]string, error) {
	machine, ok := coffMachine[j.Triple.Arch]
	if !ok {
		return nil, fmt.Errorf("no COFF machine for %s", j.Triple)
	}
	args := []string{
		"/out:" + j.Output,
		"/machine:" + machine,
		"/nodefaultlib",
		"/nologo",
	}
	if j.Kind == SharedLibrary {
		if entry == "" {
			entry = DllEntry
		}
		args = append(args, "/dll", "/noimplib", "/entry:"+coffSymbol(j.Triple, entry))
	} else {
		args = append(args, "/subsystem:console", "/entry:"+coffSymbol(j.Triple, entry))
	}
	return args, nil
}

// DllEntry is the entry point generated for Windows shared libraries.
const DllEntry = "_DllMainCRTStartup"

// coffSymbol adds the C mangling prefix on 32-bit x86.
func coffSymbol(t target.Triple, name string) string {
	if t.Arch == target.ArchI686 {
		return "_" + name
	}
	return name
}

// Run validates the job, renders its arguments and links.
func (d Driver) Run(ctx context.Context, j *Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	args, err := j.Args()
	if err != nil {
		return err
	}
	fl, _ := j.flavor()
	return d.Link(ctx, fl, args)
}

// Run is DefaultDriver.Run.
func Run(ctx context.Context, j *Job) error {
	return DefaultDriver.Run(ctx, j)
}
