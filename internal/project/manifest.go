// Package project loads package definitions (kiln.toml).
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/blang/semver"

	"kiln/internal/target"
)

// Kind is what a package builds into.
type Kind string

const (
	KindLibrary    Kind = "library"
	KindExecutable Kind = "executable"
	// KindObjects stops after emission; nothing is linked.
	KindObjects Kind = "objects"
)

// Manifest is a loaded kiln.toml.
type Manifest struct {
	Path    string
	Root    string
	Config  Config
	Version semver.Version
	Targets []target.Triple
}

// Config mirrors the TOML document.
type Config struct {
	Package PackageConfig `toml:"package"`
	Build   BuildConfig   `toml:"build"`
}

type PackageConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Kind    Kind   `toml:"kind"`
}

type BuildConfig struct {
	Units   []string `toml:"units"`
	Targets []string `toml:"targets"`
	Entry   string   `toml:"entry"`
}

// Name returns the package name.
func (m *Manifest) Name() string { return m.Config.Package.Name }

// Kind returns the package kind.
func (m *Manifest) Kind() Kind { return m.Config.Package.Kind }

// Entry returns the entry symbol for executables.
func (m *Manifest) Entry() string {
	if e := strings.TrimSpace(m.Config.Build.Entry); e != "" {
		return e
	}
	return "main"
}

// LoadManifest finds kiln.toml from startDir upward and loads it.
func LoadManifest(startDir string) (*Manifest, bool, error) {
	path, ok, err := FindManifest(startDir)
	if err != nil || !ok {
		return nil, ok, err
	}
	m, err := Load(path)
	return m, true, err
}

// Load reads and validates a package definition.
func Load(path string) (*Manifest, error) {
	// #nosec G304 -- manifest path comes from the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse validates a package definition read from path.
func Parse(path string, data []byte) (*Manifest, error) {
	var cfg Config
	meta, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if !meta.IsDefined("package") {
		return nil, fmt.Errorf("%s: missing [package]", path)
	}
	if strings.TrimSpace(cfg.Package.Name) == "" {
		return nil, fmt.Errorf("%s: missing [package].name", path)
	}
	if strings.ContainsAny(cfg.Package.Name, `/\ `) {
		return nil, fmt.Errorf("%s: [package].name %q must not contain slashes or spaces", path, cfg.Package.Name)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m := &Manifest{Path: path, Root: filepath.Dir(path), Config: cfg}
	if cfg.Package.Version == "" {
		return nil, fmt.Errorf("%s: missing [package].version", path)
	}
	m.Version, err = semver.Parse(strings.TrimPrefix(cfg.Package.Version, "v"))
	if err != nil {
		return nil, fmt.Errorf("%s: [package].version: %w", path, err)
	}
	switch cfg.Package.Kind {
	case "":
		m.Config.Package.Kind = KindLibrary
	case KindLibrary, KindExecutable, KindObjects:
	default:
		return nil, fmt.Errorf("%s: [package].kind must be library, executable or objects, got %q", path, cfg.Package.Kind)
	}
	if len(cfg.Build.Units) == 0 {
		return nil, fmt.Errorf("%s: missing [build].units", path)
	}
	if len(cfg.Build.Targets) == 0 {
		return nil, fmt.Errorf("%s: missing [build].targets", path)
	}
	seen := map[string]bool{}
	for _, raw := range cfg.Build.Targets {
		t, err := target.ParseTriple(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: [build].targets: %w", path, err)
		}
		if seen[t.String()] {
			continue
		}
		seen[t.String()] = true
		m.Targets = append(m.Targets, t)
	}
	return m, nil
}
