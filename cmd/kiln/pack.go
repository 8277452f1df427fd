package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kiln/internal/buildpipeline"
	"kiln/internal/pack"
	"kiln/internal/stub"
	"kiln/internal/target"
)

var packCmd = &cobra.Command{
	Use:   "pack [flags] [path]",
	Short: "Bundle a package's objects and stubs for every target",
	Long: `Compile the package for every target and bundle the objects together with
the ABI stubs of each target into <name>-<version>.kpk. The file is written
only if every unit compiled and every target has a stub set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPack,
}

func runPack(cmd *cobra.Command, args []string) error {
	outDir, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	targetValues, err := cmd.Flags().GetStringSlice("target")
	if err != nil {
		return err
	}
	allTargets, err := cmd.Flags().GetBool("all-targets")
	if err != nil {
		return err
	}
	generate, err := cmd.Flags().GetBool("generate-stubs")
	if err != nil {
		return err
	}
	tui, err := wantTUI(cmd)
	if err != nil {
		return err
	}

	manifest, err := loadManifestArg(args)
	if err != nil {
		return err
	}
	fallback := manifest.Targets
	if allTargets {
		fallback = target.Supported()
	}
	targets, err := parseTargets(targetValues, fallback)
	if err != nil {
		return err
	}
	tc, err := loadToolchain(cmd)
	if err != nil {
		return err
	}
	units, err := buildpipeline.LoadUnits(manifest)
	if err != nil {
		return err
	}
	_, _, digest, err := manifest.ReadUnits()
	if err != nil {
		return err
	}

	stubsDir, err := tc.stubsDir(cmd)
	if err != nil {
		return err
	}
	if generate {
		if _, err := tc.provisioner().Provision(cmd.Context(), stubsDir, stub.SupportedPairs(), nil); err != nil {
			return err
		}
	}
	set, err := stub.OpenSet(stubsDir)
	if err != nil {
		if errors.Is(err, stub.ErrSetMissing) {
			return &pack.Error{Package: manifest.Name(), Err: err}
		}
		return err
	}

	b := &pack.Builder{Emitter: tc.emitter, Jobs: tc.cfg.Build.Jobs}
	req := &pack.Request{
		Name:    manifest.Name(),
		Version: manifest.Version,
		Kind:    string(manifest.Kind()),
		Units:   units,
		Source:  digest.String(),
		Targets: targets,
		Stubs:   set,
		OutDir:  outDir,
	}
	out := cmd.OutOrStdout()
	var res *pack.Result
	if tui {
		res, err = runPackWithUI(cmd.Context(), out, "kiln pack "+manifest.Name(), tripleNames(targets), b, req)
	} else {
		res, err = b.Build(cmd.Context(), req)
	}
	if err != nil {
		return err
	}
	if showTimings(cmd) {
		if err := printStageTimings(out, res.Timings); err != nil {
			return err
		}
	}
	if !quiet(cmd) {
		fmt.Fprintf(out, "%s %s (%d targets, %d stub sets)\n",
			color.New(color.FgGreen, color.Bold).Sprint("packed"), res.Path, len(res.Manifest.Targets), len(res.Manifest.Stubs))
	}
	return nil
}

func init() {
	packCmd.Flags().StringP("output", "o", ".", "directory receiving the package file")
	packCmd.Flags().StringSlice("target", nil, "target triple to include (repeatable, default: the manifest's targets)")
	packCmd.Flags().Bool("all-targets", false, "include every supported target")
	packCmd.Flags().String("stubs", "", "stub set directory (default: the configured one)")
	packCmd.Flags().Bool("generate-stubs", false, "generate the stub sets of every supported target before packing")
	packCmd.Flags().Int("jobs", 0, "targets compiled in parallel (default: configuration)")
	packCmd.Flags().String("ui", "auto", "user interface (auto|on|off)")
}
