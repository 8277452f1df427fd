// Package target resolves target triples to code generation machines.
//
// Backends for each architecture are compiled in or out with build tags
// (kiln_no_x86, kiln_no_aarch64). Registration happens once per process, on
// the first lookup, no matter how many goroutines race to it.
package target

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrTargetNotFound is returned when a triple names an architecture or OS
// that is not compiled into this build.
var ErrTargetNotFound = errors.New("target not found")

// backend describes one compiled-in architecture.
type backend struct {
	arch string
	// layouts maps an OS to its data layout string. Missing OSes are
	// unsupported for this arch.
	layouts map[string]string
	cpus    []string
}

// compiledIn is filled by the arch_*.go files at package init. It is static:
// which files contribute is decided at build time.
var compiledIn []*backend

func register(b *backend) { compiledIn = append(compiledIn, b) }

var (
	initOnce  sync.Once
	initCount atomic.Int32
	registry  map[string]*Target
)

// Initialize registers every compiled-in backend. It is safe to call from
// many goroutines; registration runs exactly once. Lookups call it
// implicitly.
func Initialize() {
	initOnce.Do(func() {
		initCount.Add(1)
		reg := make(map[string]*Target, len(compiledIn))
		for _, b := range compiledIn {
			reg[b.arch] = &Target{backend: b}
		}
		registry = reg
	})
}

// Target is a registered architecture backend.
type Target struct {
	backend *backend
}

// Arch returns the architecture the target generates code for.
func (t *Target) Arch() string { return t.backend.arch }

// OSes returns the operating systems the backend has an ABI for.
func (t *Target) OSes() []string {
	out := make([]string, 0, len(t.backend.layouts))
	for os := range t.backend.layouts {
		out = append(out, os)
	}
	sort.Strings(out)
	return out
}

// KnownCPU reports whether cpu is a processor name the backend recognises.
// The empty string and "generic" always are.
func (t *Target) KnownCPU(cpu string) bool {
	if cpu == "" || cpu == "generic" {
		return true
	}
	for _, c := range t.backend.cpus {
		if c == cpu {
			return true
		}
	}
	return false
}

// Resolve finds the backend for triple.
func Resolve(triple string) (*Target, error) {
	tr, err := ParseTriple(triple)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTargetNotFound, err)
	}
	return ResolveTriple(tr)
}

// ResolveTriple is Resolve for an already parsed triple.
func ResolveTriple(tr Triple) (*Target, error) {
	Initialize()
	t, ok := registry[tr.Arch]
	if !ok {
		return nil, fmt.Errorf("%w: no backend for architecture %q in %s (compiled in: %s)",
			ErrTargetNotFound, tr.Arch, tr, strings.Join(Arches(), ", "))
	}
	if _, ok := t.backend.layouts[tr.OS]; !ok {
		return nil, fmt.Errorf("%w: %s backend has no ABI for OS %q", ErrTargetNotFound, tr.Arch, tr.OS)
	}
	return t, nil
}

// Arches lists compiled-in architectures, sorted.
func Arches() []string {
	Initialize()
	out := make([]string, 0, len(registry))
	for a := range registry {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// distribution is the list of triples kiln ships stub sets and standard
// library packages for.
var distribution = []string{
	"x86_64-unknown-linux-gnu",
	"aarch64-unknown-linux-gnu",
	"i686-unknown-linux-gnu",
	"x86_64-apple-darwin",
	"aarch64-apple-darwin",
	"x86_64-pc-windows-msvc",
	"aarch64-pc-windows-msvc",
}

// Supported returns the distribution triples whose backend is compiled in.
func Supported() []Triple {
	Initialize()
	out := make([]Triple, 0, len(distribution))
	for _, s := range distribution {
		tr := MustParseTriple(s)
		if _, err := ResolveTriple(tr); err == nil {
			out = append(out, tr)
		}
	}
	return out
}
