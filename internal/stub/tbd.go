package stub

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"kiln/internal/target"
)

// TBD is the part of a text-based dylib stub (TAPI v4) the toolchain checks.
type TBD struct {
	Version     int         `yaml:"tbd-version"`
	Targets     []string    `yaml:"targets"`
	InstallName string      `yaml:"install-name"`
	Exports     []TBDExport `yaml:"exports"`
}

// TBDExport is one exports section.
type TBDExport struct {
	Targets []string `yaml:"targets"`
	Symbols []string `yaml:"symbols"`
	Objc    []string `yaml:"objc-classes"`
}

// ParseTBD reads and validates a TBD v4 document.
func ParseTBD(data []byte) (*TBD, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse TBD: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse TBD: empty document")
	}
	root := doc.Content[0]
	if root.Tag != "!tapi-tbd" {
		return nil, fmt.Errorf("parse TBD: unexpected document tag %q", root.Tag)
	}
	root.Tag = ""
	var out TBD
	if err := root.Decode(&out); err != nil {
		return nil, fmt.Errorf("parse TBD: %w", err)
	}
	if out.Version != 4 {
		return nil, fmt.Errorf("parse TBD: unsupported tbd-version %d", out.Version)
	}
	if out.InstallName == "" {
		return nil, fmt.Errorf("parse TBD: install-name is required")
	}
	return &out, nil
}

// TBDTarget returns the TAPI target name for arch on macOS.
func TBDTarget(arch string) (string, error) {
	switch arch {
	case target.ArchX86_64:
		return "x86_64-macos", nil
	case target.ArchAArch64:
		return "arm64-macos", nil
	default:
		return "", fmt.Errorf("no macOS target for %s", arch)
	}
}

// Covers reports whether the stub lists target and exports at least one
// symbol for it.
func (t *TBD) Covers(tapiTarget string) bool {
	if !contains(t.Targets, tapiTarget) {
		return false
	}
	for _, e := range t.Exports {
		if contains(e.Targets, tapiTarget) && len(e.Symbols)+len(e.Objc) > 0 {
			return true
		}
	}
	return false
}

// SymbolsFor lists exported symbols for a TAPI target.
func (t *TBD) SymbolsFor(tapiTarget string) []string {
	var out []string
	for _, e := range t.Exports {
		if contains(e.Targets, tapiTarget) {
			out = append(out, e.Symbols...)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
