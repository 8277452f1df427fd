package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/project"
)

var initCmd = &cobra.Command{
	Use:   "init [path|name]",
	Short: "Initialize a new package definition",
	Long: `Initialize a new package by creating kiln.toml and a first unit
(src/main.ku). If [path|name] is omitted, initializes the current directory.
If a non-existing name is provided, a directory will be created.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("kind", string(project.KindLibrary), "package kind (executable|library|objects)")
}

// runInit creates kiln.toml and src/main.ku in the target directory. It
// refuses to overwrite an existing manifest; an existing unit is kept.
func runInit(cmd *cobra.Command, args []string) error {
	kind, err := cmd.Flags().GetString("kind")
	if err != nil {
		return err
	}
	switch project.Kind(kind) {
	case project.KindExecutable, project.KindLibrary, project.KindObjects:
	default:
		return fmt.Errorf("invalid --kind %q (expected executable|library|objects)", kind)
	}

	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	target := wd
	if len(args) > 0 && args[0] != "." {
		target = args[0]
		if !filepath.IsAbs(target) {
			target = filepath.Join(wd, target)
		}
	}

	if st, err := os.Stat(target); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", target, err)
		}
	} else if !st.IsDir() {
		return fmt.Errorf("%q is not a directory", target)
	}

	name := strings.ReplaceAll(strings.TrimSpace(filepath.Base(target)), " ", "-")
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "kiln-package"
	}

	manifestPath := filepath.Join(target, project.ManifestName)
	if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("package already initialized: %s exists", manifestPath)
	}
	if err := os.WriteFile(manifestPath, []byte(defaultManifest(name, kind)), 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	unitPath := filepath.Join(target, "src", "main.ku")
	createdUnit := false
	if _, err := os.Stat(unitPath); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(unitPath), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(unitPath, []byte(defaultUnit(kind)), 0o600); err != nil {
			return fmt.Errorf("failed to write unit: %w", err)
		}
		createdUnit = true
	}

	rel := target
	if r, err := filepath.Rel(wd, target); err == nil {
		rel = r
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized kiln package in %s\n", rel)
	fmt.Fprintf(out, "  - %s\n", project.ManifestName)
	if createdUnit {
		fmt.Fprintf(out, "  - src/main.ku\n")
	} else {
		fmt.Fprintf(out, "  - src/main.ku (existing)\n")
	}
	return nil
}

func defaultManifest(name, kind string) string {
	return fmt.Sprintf(`[package]
name = %q
version = "0.1.0"
kind = %q

[build]
units = ["src/**/*.ku"]
targets = [
  "x86_64-unknown-linux-gnu",
  "aarch64-apple-darwin",
  "x86_64-pc-windows-msvc",
]
`, name, kind)
}

func defaultUnit(kind string) string {
	if kind != string(project.KindExecutable) {
		return `[[extern]]
name = "malloc"
ret = "ptr"
params = ["usize"]

[[func]]
name = "alloc"
ret = "ptr"
params = ["usize"]
body = [
  { call = "malloc", args = ["%0"], as = "p" },
  { ret = "$p" },
]
`
	}
	return `[[extern]]
name = "exit"
params = ["i32"]
when = ["unix"]

[[extern]]
name = "ExitProcess"
params = ["i32"]
when = ["windows"]

[[func]]
name = "main"
when = ["unix"]
body = [
  { call = "exit", args = ["i32:0"] },
  { unreachable = true },
]

[[func]]
name = "main"
when = ["windows"]
body = [
  { call = "ExitProcess", args = ["i32:0"] },
  { unreachable = true },
]
`
}
