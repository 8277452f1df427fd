package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"kiln/internal/buildpipeline"
	"kiln/internal/pack"
	"kiln/internal/project"
	"kiln/internal/stub"
	"kiln/internal/toolexec"
)

const noManifestMessage = "no " + project.ManifestName + " found (run `kiln init` to create one)"

var buildCmd = &cobra.Command{
	Use:   "build [flags] [path]",
	Short: "Build a package definition",
	Long: `Build the package described by kiln.toml: every unit is lowered and emitted
for each target, then linked against the target's ABI stubs when the package
kind is executable or library.`,
	Args: cobra.MaximumNArgs(1),
	RunE: buildExecution,
}

func buildExecution(cmd *cobra.Command, args []string) error {
	release, err := cmd.Flags().GetBool("release")
	if err != nil {
		return err
	}
	keepTmp, err := cmd.Flags().GetBool("keep-tmp")
	if err != nil {
		return err
	}
	printCommands, err := cmd.Flags().GetBool("print-commands")
	if err != nil {
		return err
	}
	targetValues, err := cmd.Flags().GetStringSlice("target")
	if err != nil {
		return err
	}
	stdlibPath, err := cmd.Flags().GetString("stdlib")
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
	targets, err := parseTargets(targetValues, manifest.Targets)
	if err != nil {
		return err
	}
	tc, err := loadToolchain(cmd)
	if err != nil {
		return err
	}

	req := &buildpipeline.BuildRequest{
		Manifest: manifest,
		Targets:  targets,
		Emitter:  tc.emitter,
		Linker:   tc.linker,
		KeepTmp:  keepTmp,
		Jobs:     tc.cfg.Build.Jobs,
		Profile:  "debug",
	}
	if release {
		req.Profile = "release"
	}
	if manifest.Kind() != project.KindObjects {
		if err := attachLinkInputs(cmd, tc, req, stdlibPath); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	if printCommands {
		ctx = toolexec.WithEcho(ctx, cmd.ErrOrStderr())
	}
	out := cmd.OutOrStdout()
	var res buildpipeline.BuildResult
	if tui && !printCommands {
		res, err = runBuildWithUI(ctx, out, "kiln build "+manifest.Name(), tripleNames(targets), req)
	} else {
		res, err = buildpipeline.Build(ctx, req)
	}
	if showTimings(cmd) {
		if perr := printStageTimings(out, res.Timings); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}

	if keepTmp {
		fmt.Fprintf(out, "tmp dir: %s\n", formatPathForOutput(manifest.Root, res.TmpDir))
	}
	if quiet(cmd) {
		return nil
	}
	triples := make([]string, 0, len(res.Outputs))
	for t := range res.Outputs {
		triples = append(triples, t)
	}
	sort.Strings(triples)
	built := color.New(color.FgGreen, color.Bold).Sprint("built")
	for _, t := range triples {
		fmt.Fprintf(out, "%s %s %s\n", built, t, formatPathForOutput(manifest.Root, res.Outputs[t]))
	}
	return nil
}

// attachLinkInputs picks the stub source and standard library objects.
// A --stdlib package provides both; otherwise the configured stub set is
// used.
func attachLinkInputs(cmd *cobra.Command, tc *toolchain, req *buildpipeline.BuildRequest, stdlibPath string) error {
	if stdlibPath != "" {
		cacheDir, err := tc.cfg.CacheDir()
		if err != nil {
			return err
		}
		cache := &pack.Cache{Root: filepath.Join(cacheDir, "packages")}
		unpacked, err := cache.Resolve(stdlibPath)
		if err != nil {
			return err
		}
		req.Stdlib = unpacked
		req.Stubs = unpacked
	}
	if f := cmd.Flags().Lookup("stubs"); req.Stubs != nil && (f == nil || !f.Changed) {
		return nil
	}
	dir, err := tc.stubsDir(cmd)
	if err != nil {
		return err
	}
	set, err := stub.OpenSet(dir)
	if err != nil {
		if errors.Is(err, stub.ErrSetMissing) {
			return fmt.Errorf("%w (run `kiln stubs -o %s` first)", err, dir)
		}
		return err
	}
	req.Stubs = set
	return nil
}

func loadManifestArg(args []string) (*project.Manifest, error) {
	start := "."
	if len(args) > 0 && args[0] != "" {
		start = args[0]
	}
	if st, err := os.Stat(start); err == nil && !st.IsDir() {
		return project.Load(start)
	}
	manifest, ok, err := project.LoadManifest(start)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New(noManifestMessage)
	}
	return manifest, nil
}

func showTimings(cmd *cobra.Command) bool {
	v, err := cmd.Root().PersistentFlags().GetBool("timings")
	return err == nil && v
}

func formatPathForOutput(root, path string) string {
	if root == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	if strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func init() {
	buildCmd.Flags().Bool("release", false, "optimize for release")
	buildCmd.Flags().StringSlice("target", nil, "target triple to build (repeatable, default: the manifest's targets)")
	buildCmd.Flags().String("stubs", "", "stub set directory (default: the configured one)")
	buildCmd.Flags().String("stdlib", "", "standard library package (.kpk) to link against")
	buildCmd.Flags().Int("jobs", 0, "targets built in parallel (default: configuration)")
	buildCmd.Flags().String("ui", "auto", "user interface (auto|on|off)")
	buildCmd.Flags().Bool("keep-tmp", false, "preserve intermediate objects under target/<profile>/.tmp")
	buildCmd.Flags().Bool("print-commands", false, "print external tool command lines")
}
