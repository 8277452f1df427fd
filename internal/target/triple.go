package target

import (
	"fmt"
	"runtime"
	"strings"
)

// Architectures known to the toolchain. Which of them are usable depends on
// the backends compiled in.
const (
	ArchX86_64  = "x86_64"
	ArchI686    = "i686"
	ArchAArch64 = "aarch64"
)

// Operating systems with an ABI stub set.
const (
	OSLinux   = "linux"
	OSDarwin  = "darwin"
	OSWindows = "windows"
)

// Format is an object file / link ABI format.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "mach-o"
	FormatCOFF  Format = "coff"
)

// Triple is a parsed `<arch>-<vendor>-<os>[-<abi>]` target triple.
type Triple struct {
	Arch   string
	Vendor string
	OS     string
	Env    string
}

var archAliases = map[string]string{
	"x86_64":  ArchX86_64,
	"amd64":   ArchX86_64,
	"x64":     ArchX86_64,
	"i686":    ArchI686,
	"i586":    ArchI686,
	"i386":    ArchI686,
	"x86":     ArchI686,
	"aarch64": ArchAArch64,
	"arm64":   ArchAArch64,
}

// ParseTriple parses and normalizes a target triple. Architecture and OS
// aliases are folded (amd64, arm64, macos, win32...).
func ParseTriple(s string) (Triple, error) {
	raw := strings.TrimSpace(s)
	parts := strings.Split(raw, "-")
	if len(parts) < 3 || len(parts) > 4 {
		return Triple{}, fmt.Errorf("invalid target triple %q (expected <arch>-<vendor>-<os>[-<abi>])", s)
	}
	for _, p := range parts {
		if p == "" {
			return Triple{}, fmt.Errorf("invalid target triple %q: empty component", s)
		}
	}
	t := Triple{
		Arch:   strings.ToLower(parts[0]),
		Vendor: strings.ToLower(parts[1]),
		OS:     normalizeOS(strings.ToLower(parts[2])),
	}
	if alias, ok := archAliases[t.Arch]; ok {
		t.Arch = alias
	}
	if len(parts) == 4 {
		t.Env = strings.ToLower(parts[3])
	}
	return t, nil
}

// MustParseTriple is ParseTriple for constant inputs.
func MustParseTriple(s string) Triple {
	t, err := ParseTriple(s)
	if err != nil {
		panic(err)
	}
	return t
}

func normalizeOS(os string) string {
	switch {
	case os == "win32" || os == "windows":
		return OSWindows
	case os == "macos" || strings.HasPrefix(os, "macosx") || strings.HasPrefix(os, "darwin"):
		return OSDarwin
	case strings.HasPrefix(os, "linux"):
		return OSLinux
	default:
		return os
	}
}

// String renders the triple in canonical form.
func (t Triple) String() string {
	s := t.Arch + "-" + t.Vendor + "-" + t.OS
	if t.Env != "" {
		s += "-" + t.Env
	}
	return s
}

// Pair returns the "<os>-<arch>" key used for stub sets.
func (t Triple) Pair() string {
	return t.OS + "-" + t.Arch
}

// Format returns the object format the triple's OS links with.
func (t Triple) Format() (Format, error) {
	switch t.OS {
	case OSLinux:
		return FormatELF, nil
	case OSDarwin:
		return FormatMachO, nil
	case OSWindows:
		return FormatCOFF, nil
	default:
		return "", fmt.Errorf("no object format for OS %q", t.OS)
	}
}

// Compatible reports whether artifacts for t can be linked into a t2 image.
// Vendors are ignored; environments must agree when both are present.
func (t Triple) Compatible(t2 Triple) bool {
	if t.Arch != t2.Arch || t.OS != t2.OS {
		return false
	}
	return t.Env == "" || t2.Env == "" || t.Env == t2.Env
}

// PointerBits returns the natural pointer width of the architecture.
func (t Triple) PointerBits() int {
	if t.Arch == ArchI686 {
		return 32
	}
	return 64
}

// IsUnix reports whether the OS is Unix-like.
func (t Triple) IsUnix() bool {
	return t.OS == OSLinux || t.OS == OSDarwin
}

// Host returns the triple of the running process. It is informational only:
// nothing in the backend derives a target or linker flavor from it.
func Host() Triple {
	arch := runtime.GOARCH
	if alias, ok := archAliases[arch]; ok {
		arch = alias
	} else if arch == "386" {
		arch = ArchI686
	}
	switch runtime.GOOS {
	case "darwin":
		return Triple{Arch: arch, Vendor: "apple", OS: OSDarwin}
	case "windows":
		return Triple{Arch: arch, Vendor: "pc", OS: OSWindows, Env: "msvc"}
	default:
		return Triple{Arch: arch, Vendor: "unknown", OS: runtime.GOOS, Env: "gnu"}
	}
}
