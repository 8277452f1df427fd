package target

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrMachineDisposed is returned when a disposed Machine or DataLayout is
// used or disposed again.
var ErrMachineDisposed = errors.New("target: machine disposed")

// RelocModel selects how code addresses symbols.
type RelocModel string

const (
	RelocPIC    RelocModel = "pic"
	RelocStatic RelocModel = "static"
)

// OptLevel is the backend optimisation level, 0 to 3.
type OptLevel int

// Descriptor is an immutable (triple, cpu, features) request.
type Descriptor struct {
	Triple   string
	CPU      string
	Features string
}

// Machine is a configured code generator for one triple. It is owned by its
// creator and released with Dispose.
type Machine struct {
	target   *Target
	triple   Triple
	cpu      string
	features string
	reloc    RelocModel
	opt      OptLevel
	layout   string

	mu       sync.Mutex
	disposed bool
}

// MachineOption customises CreateMachine.
type MachineOption func(*Machine)

// WithRelocModel overrides the default position-independent relocation model.
func WithRelocModel(r RelocModel) MachineOption {
	return func(m *Machine) { m.reloc = r }
}

// WithOptLevel sets the optimisation level (clamped to 0..3).
func WithOptLevel(level int) MachineOption {
	return func(m *Machine) {
		switch {
		case level < 0:
			level = 0
		case level > 3:
			level = 3
		}
		m.opt = OptLevel(level)
	}
}

// CreateMachine builds a machine for triple. Empty cpu and features select
// the generic processor; the host CPU is never queried.
func CreateMachine(t *Target, triple, cpu, features string, opts ...MachineOption) (*Machine, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil target", ErrTargetNotFound)
	}
	tr, err := ParseTriple(triple)
	if err != nil {
		return nil, err
	}
	if tr.Arch != t.Arch() {
		return nil, fmt.Errorf("triple %s does not match %s target", tr, t.Arch())
	}
	layout, ok := t.backend.layouts[tr.OS]
	if !ok {
		return nil, fmt.Errorf("%w: %s backend has no ABI for OS %q", ErrTargetNotFound, tr.Arch, tr.OS)
	}
	if cpu == "" {
		cpu = "generic"
	}
	if !t.KnownCPU(cpu) {
		return nil, fmt.Errorf("unknown %s cpu %q", t.Arch(), cpu)
	}
	if err := checkFeatures(features); err != nil {
		return nil, err
	}
	m := &Machine{
		target:   t,
		triple:   tr,
		cpu:      cpu,
		features: features,
		reloc:    RelocPIC,
		opt:      2,
		layout:   layout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CreateFromDescriptor resolves d.Triple and creates its machine.
func CreateFromDescriptor(d Descriptor, opts ...MachineOption) (*Machine, error) {
	t, err := Resolve(d.Triple)
	if err != nil {
		return nil, err
	}
	return CreateMachine(t, d.Triple, d.CPU, d.Features, opts...)
}

func checkFeatures(features string) error {
	if features == "" {
		return nil
	}
	for _, f := range strings.Split(features, ",") {
		f = strings.TrimSpace(f)
		if len(f) < 2 || (f[0] != '+' && f[0] != '-') {
			return fmt.Errorf("malformed feature %q in %q (want +name or -name)", f, features)
		}
	}
	return nil
}

func (m *Machine) live() error {
	if m == nil {
		return ErrMachineDisposed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrMachineDisposed
	}
	return nil
}

// Triple returns the normalized triple.
func (m *Machine) Triple() Triple { return m.triple }

// CPU returns the selected processor.
func (m *Machine) CPU() string { return m.cpu }

// Features returns the feature string as given.
func (m *Machine) Features() string { return m.features }

// RelocModel returns the relocation model.
func (m *Machine) RelocModel() RelocModel { return m.reloc }

// OptLevel returns the optimisation level.
func (m *Machine) OptLevel() OptLevel { return m.opt }

// Live reports whether the machine can still be used.
func (m *Machine) Live() bool { return m.live() == nil }

// DataLayout derives a fresh layout snapshot. The caller owns and disposes it
// independently of the machine.
func (m *Machine) DataLayout() (*DataLayout, error) {
	if err := m.live(); err != nil {
		return nil, err
	}
	return ParseDataLayout(m.layout)
}

// Dispose releases the machine. A second call returns ErrMachineDisposed.
func (m *Machine) Dispose() error {
	if m == nil {
		return ErrMachineDisposed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrMachineDisposed
	}
	m.disposed = true
	return nil
}
