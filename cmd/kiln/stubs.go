package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"kiln/internal/stub"
	"kiln/internal/target"
)

var stubsCmd = &cobra.Command{
	Use:   "stubs",
	Short: "Generate ABI stub sets",
	Long: `Generate the stub libraries of every (os, arch) pair of the given targets
(default: every supported target) into a stub set directory. Any generator
failure aborts the run.`,
	Args: cobra.NoArgs,
	RunE: runStubs,
}

func runStubs(cmd *cobra.Command, _ []string) error {
	outDir, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}
	targetValues, err := cmd.Flags().GetStringSlice("target")
	if err != nil {
		return err
	}
	generator, err := cmd.Flags().GetString("generator")
	if err != nil {
		return err
	}
	targets, err := parseTargets(targetValues, target.Supported())
	if err != nil {
		return err
	}
	tc, err := loadToolchain(cmd)
	if err != nil {
		return err
	}
	if generator != "" {
		tc.cfg.Stubs.Generator = generator
		if err := tc.cfg.Validate(); err != nil {
			return err
		}
	}
	if outDir == "" {
		if outDir, err = tc.stubsDir(cmd); err != nil {
			return err
		}
	}

	pairs := stub.PairsOf(targets)
	out := cmd.OutOrStdout()
	var bar *progressbar.ProgressBar
	if !quiet(cmd) {
		bar = progressbar.NewOptions(len(pairs),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("stubs"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	set, err := tc.provisioner().Provision(cmd.Context(), outDir, pairs, func(stub.Pair) {
		if bar != nil {
			_ = bar.Add(1)
		}
	})
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	if quiet(cmd) {
		return nil
	}
	ok := color.New(color.FgGreen, color.Bold).Sprint("stubs")
	for _, p := range pairs {
		libs, err := set.Load(p)
		if err != nil {
			return err
		}
		names := make([]string, len(libs))
		for i, l := range libs {
			names[i] = l.Name
		}
		fmt.Fprintf(out, "%s %-16s %v\n", ok, p, names)
	}
	fmt.Fprintf(out, "wrote %s\n", set.Root())
	return nil
}

func init() {
	stubsCmd.Flags().StringP("output", "o", "", "stub set directory (default: the configured one)")
	stubsCmd.Flags().StringSlice("target", nil, "target triple (repeatable, default: every supported target)")
	stubsCmd.Flags().String("generator", "", "stub generator (native|llvm, default: configuration)")
	stubsCmd.Flags().Int("jobs", 0, "pairs generated in parallel (default: configuration)")
}
