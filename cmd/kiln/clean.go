package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/project"
)

var cleanCmd = &cobra.Command{
	Use:   "clean [path]",
	Short: "Remove build outputs",
	Long: `Remove the target directory of the package containing path.
With --profile only that profile's outputs go. --packages also empties the
cache of extracted .kpk packages.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().String("profile", "", "remove only this profile (debug|release)")
	cleanCmd.Flags().Bool("packages", false, "also remove extracted packages from the cache")
}

func runClean(cmd *cobra.Command, args []string) error {
	profile, err := cmd.Flags().GetString("profile")
	if err != nil {
		return err
	}
	purgePackages, err := cmd.Flags().GetBool("packages")
	if err != nil {
		return err
	}
	switch profile {
	case "", "debug", "release":
	default:
		return fmt.Errorf("unknown profile %q (expected debug or release)", profile)
	}

	start := "."
	if len(args) > 0 {
		start = args[0]
	}
	root, err := packageRoot(start)
	if err != nil {
		return err
	}
	dirs := []string{filepath.Join(root, "target", profile)}
	if purgePackages {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cache, err := cfg.CacheDir()
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.Join(cache, "packages"))
	}

	out := cmd.OutOrStdout()
	for _, dir := range dirs {
		removed, err := removeDir(dir)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(out, "nothing to remove at %s\n", formatPathForOutput(root, dir))
			continue
		}
		fmt.Fprintf(out, "removed %s\n", formatPathForOutput(root, dir))
	}
	return nil
}

// packageRoot is the directory holding the kiln.toml above start, or start
// itself outside a package.
func packageRoot(start string) (string, error) {
	info, err := os.Stat(start)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		start = filepath.Dir(start)
	}
	root, ok, err := project.FindProjectRoot(start)
	if err != nil || ok {
		return root, err
	}
	return filepath.Abs(start)
}

func removeDir(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("%s is not a directory", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove %s: %w", dir, err)
	}
	return true, nil
}
