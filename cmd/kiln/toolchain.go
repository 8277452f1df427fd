package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/emit"
	"kiln/internal/link"
	"kiln/internal/stub"
	"kiln/internal/target"
)

// toolchain is the configured set of external tools.
type toolchain struct {
	cfg     config.Config
	emitter *emit.Emitter
	linker  link.Driver
}

// loadToolchain reads the configuration and applies the command's
// --jobs flag when it has one.
func loadToolchain(cmd *cobra.Command) (*toolchain, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("jobs"); f != nil && f.Changed {
		jobs, err := cmd.Flags().GetInt("jobs")
		if err != nil {
			return nil, err
		}
		cfg.Build.Jobs = jobs
	}
	toolPath := cfg.Tools.LLC
	if cfg.Codegen.Pipeline == "clang" {
		toolPath = cfg.Tools.Clang
	}
	pipeline, err := emit.PipelineByName(cfg.Codegen.Pipeline, toolPath)
	if err != nil {
		return nil, err
	}
	return &toolchain{
		cfg:     cfg,
		emitter: &emit.Emitter{Pipeline: pipeline},
		linker:  link.Driver{Path: cfg.Tools.LLD},
	}, nil
}

func (tc *toolchain) provisioner() *stub.Provisioner {
	p := stub.NewProvisioner(stub.Mode(tc.cfg.Stubs.Generator), stub.Tools{
		LLVMIfs:     tc.cfg.Tools.LLVMIfs,
		LLVMDlltool: tc.cfg.Tools.LLVMDlltool,
	})
	p.Jobs = tc.cfg.Build.Jobs
	return p
}

// stubsDir returns --stubs when given, else the configured directory.
func (tc *toolchain) stubsDir(cmd *cobra.Command) (string, error) {
	if f := cmd.Flags().Lookup("stubs"); f != nil && f.Value.String() != "" {
		return f.Value.String(), nil
	}
	return tc.cfg.StubsDir()
}

// parseTargets parses --target values. An empty list means fallback.
func parseTargets(values []string, fallback []target.Triple) ([]target.Triple, error) {
	if len(values) == 0 {
		return fallback, nil
	}
	seen := map[string]bool{}
	out := make([]target.Triple, 0, len(values))
	for _, v := range values {
		t, err := target.ParseTriple(v)
		if err != nil {
			return nil, fmt.Errorf("--target %q: %w", v, err)
		}
		if _, err := target.ResolveTriple(t); err != nil {
			return nil, err
		}
		if !seen[t.String()] {
			seen[t.String()] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func tripleNames(ts []target.Triple) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
