package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"kiln/internal/project"
	"kiln/internal/stub"
	"kiln/internal/target"
)

const goodUnit = `
[[extern]]
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

const brokenUnit = `
[[func]]
name = "broken"
body = [
  { call = "undeclared_fn" },
  { ret = "" },
]
`

// testEnv isolates configuration and points llc at a script that writes a
// placeholder object, so packaging runs without LLVM installed.
func testEnv(t *testing.T) (stubsDir string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	tmp := t.TempDir()
	llc := filepath.Join(tmp, "llc")
	if err := os.WriteFile(llc, []byte("#!/bin/sh\ncat >/dev/null\nprintf OBJ\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	stubsDir = filepath.Join(tmp, "stubs")
	provisionStubs(t, stubsDir, stub.SupportedPairs()...)
	t.Setenv("KILN_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("KILN_CACHE_DIR", filepath.Join(tmp, "cache"))
	t.Setenv("KILN_LLC", llc)
	t.Setenv("KILN_STUBS_DIR", stubsDir)
	t.Setenv("KILN_JOBS", "")
	return stubsDir
}

func provisionStubs(t *testing.T, dir string, pairs ...stub.Pair) {
	t.Helper()
	if _, err := stub.NewProvisioner(stub.ModeNative, stub.Tools{}).Provision(context.Background(), dir, pairs, nil); err != nil {
		t.Fatal(err)
	}
}

func writeProject(t *testing.T, units map[string]string) string {
	t.Helper()
	root := t.TempDir()
	manifest := `[package]
name = "std"
version = "0.2.0"
kind = "objects"

[build]
units = ["src/*.ku"]
targets = ["x86_64-unknown-linux-gnu"]
`
	if err := os.WriteFile(filepath.Join(root, project.ManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, src := range units {
		if err := os.WriteFile(filepath.Join(root, "src", name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

// resetFlags restores every flag to its default; cobra keeps values
// between executions of the same command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func run(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	resetFlags(rootCmd)
	var out, errOut bytes.Buffer
	code = execute(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestPackWritesPackage(t *testing.T) {
	testEnv(t)
	root := writeProject(t, map[string]string{"alloc.ku": goodUnit})
	outDir := t.TempDir()

	code, stdout, stderr := run(t, "pack", root, "-o", outDir, "--ui", "off")
	if code != 0 {
		t.Fatalf("pack exited %d: %s", code, stderr)
	}
	want := filepath.Join(outDir, "std-0.2.0.kpk")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("package not written: %v", err)
	}
	if !strings.Contains(stdout, "packed") {
		t.Errorf("stdout = %q, want a packed line", stdout)
	}
	summary := fmt.Sprintf("(1 targets, %d stub sets)", len(stub.SupportedPairs()))
	if !strings.Contains(stdout, summary) {
		t.Errorf("stdout = %q, want %q", stdout, summary)
	}
}

func TestPackUnitErrorLeavesNoPackage(t *testing.T) {
	testEnv(t)
	root := writeProject(t, map[string]string{"alloc.ku": goodUnit, "broken.ku": brokenUnit})
	outDir := t.TempDir()

	code, _, stderr := run(t, "pack", root, "-o", outDir, "--ui", "off")
	if code != 1 {
		t.Fatalf("pack exited %d, want 1", code)
	}
	if !strings.Contains(stderr, "undeclared_fn") {
		t.Errorf("stderr = %q, want the unit diagnostic", stderr)
	}
	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir has %d entries after a failed pack", len(entries))
	}
}

func TestPackMissingStubSetFails(t *testing.T) {
	testEnv(t)
	// Only the package's own target is provisioned; a package needs all.
	partial := filepath.Join(t.TempDir(), "stubs")
	provisionStubs(t, partial, stub.Pair{OS: target.OSLinux, Arch: target.ArchX86_64})
	t.Setenv("KILN_STUBS_DIR", partial)
	root := writeProject(t, map[string]string{"alloc.ku": goodUnit})
	outDir := t.TempDir()

	code, _, stderr := run(t, "pack", root, "-o", outDir, "--ui", "off")
	if code != 1 {
		t.Fatalf("pack exited %d, want 1", code)
	}
	if !strings.Contains(stderr, "stub set missing") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestFailedPackDumpsRecentTrace(t *testing.T) {
	testEnv(t)
	root := writeProject(t, map[string]string{"broken.ku": brokenUnit})

	code, _, stderr := run(t, "pack", root, "-o", t.TempDir(), "--ui", "off", "--trace-level", "error")
	if code != 1 {
		t.Fatalf("pack exited %d, want 1", code)
	}
	if !strings.Contains(stderr, "recent trace events:") || !strings.Contains(stderr, "driver:pack:std") {
		t.Errorf("stderr = %q, want a trace dump", stderr)
	}

	code, _, stderr = run(t, "pack", root, "-o", t.TempDir(), "--ui", "off")
	if code != 1 || strings.Contains(stderr, "recent trace events:") {
		t.Errorf("untraced failure dumped events: %q", stderr)
	}
}

func TestCleanRemovesOneProfile(t *testing.T) {
	testEnv(t)
	root := writeProject(t, map[string]string{"alloc.ku": goodUnit})
	for _, profile := range []string{"debug", "release"} {
		if err := os.MkdirAll(filepath.Join(root, "target", profile), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	code, stdout, stderr := run(t, "clean", filepath.Join(root, "src"), "--profile", "debug")
	if code != 0 {
		t.Fatalf("clean exited %d: %s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(root, "target", "debug")); !os.IsNotExist(err) {
		t.Errorf("debug outputs survived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "target", "release")); err != nil {
		t.Errorf("release outputs removed: %v", err)
	}
	if !strings.Contains(stdout, "removed") {
		t.Errorf("stdout = %q", stdout)
	}

	if code, _, _ := run(t, "clean", root, "--profile", "fast"); code != 1 {
		t.Errorf("unknown profile accepted")
	}
}

func TestBuildObjectsKind(t *testing.T) {
	testEnv(t)
	root := writeProject(t, map[string]string{"alloc.ku": goodUnit})

	code, stdout, stderr := run(t, "build", root, "--ui", "off")
	if code != 0 {
		t.Fatalf("build exited %d: %s", code, stderr)
	}
	obj := filepath.Join(root, "target", "debug", "x86_64-unknown-linux-gnu", "objects", "alloc.o")
	data, err := os.ReadFile(obj)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "OBJ" {
		t.Errorf("object = %q", data)
	}
	if !strings.Contains(stdout, "x86_64-unknown-linux-gnu") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestTargetsReportsPointerSize(t *testing.T) {
	code, stdout, stderr := run(t, "targets")
	if code != 0 {
		t.Fatalf("targets exited %d: %s", code, stderr)
	}
	rows := map[string][]string{}
	for _, line := range strings.Split(stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 4 {
			rows[fields[0]] = fields[1:]
		}
	}
	for triple, want := range map[string][]string{
		"x86_64-unknown-linux-gnu": {"8", "gnu", "elf"},
		"i686-unknown-linux-gnu":   {"4", "gnu", "elf"},
	} {
		got, ok := rows[triple]
		if !ok {
			t.Fatalf("%s missing from output:\n%s", triple, stdout)
		}
		if got[0] != want[0] {
			t.Errorf("%s pointer size = %s, want %s", triple, got[0], want[0])
		}
	}
}

func TestInitCreatesLoadablePackage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hello")
	code, _, stderr := run(t, "init", dir, "--kind", "executable")
	if code != 0 {
		t.Fatalf("init exited %d: %s", code, stderr)
	}
	m, err := project.Load(filepath.Join(dir, project.ManifestName))
	if err != nil {
		t.Fatal(err)
	}
	if m.Name() != "hello" || m.Kind() != project.KindExecutable {
		t.Errorf("manifest = %s/%s", m.Name(), m.Kind())
	}
	if _, err := os.Stat(filepath.Join(dir, "src", "main.ku")); err != nil {
		t.Error(err)
	}

	code, _, stderr = run(t, "init", dir)
	if code != 1 || !strings.Contains(stderr, "already initialized") {
		t.Errorf("second init: code %d, stderr %q", code, stderr)
	}
}

func TestParseTargets(t *testing.T) {
	fallback := []target.Triple{target.MustParseTriple("x86_64-unknown-linux-gnu")}
	got, err := parseTargets(nil, fallback)
	if err != nil || len(got) != 1 {
		t.Fatalf("fallback: %v %v", got, err)
	}
	got, err = parseTargets([]string{"aarch64-apple-darwin", "aarch64-apple-darwin"}, fallback)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].OS != target.OSDarwin {
		t.Errorf("got %v", got)
	}
	if _, err := parseTargets([]string{"sparc-sun-solaris"}, nil); err == nil {
		t.Error("expected an error for an unsupported target")
	}
}

func TestVersionFullReportsTools(t *testing.T) {
	testEnv(t)
	code, stdout, stderr := run(t, "version", "--full", "--format", "json")
	if code != 0 {
		t.Fatalf("version exited %d: %s", code, stderr)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if info.Tool != "kiln" || info.GitCommit == "" || len(info.Arches) == 0 {
		t.Fatalf("incomplete info: %+v", info)
	}
	var llc string
	for _, tool := range info.Tools {
		if tool.Name == "llc" {
			llc = tool.Path
		}
	}
	if filepath.Base(llc) != "llc" || !filepath.IsAbs(llc) {
		t.Errorf("llc resolved to %q, want the configured script", llc)
	}

	if code, _, _ := run(t, "version", "--format", "yaml"); code != 1 {
		t.Errorf("unknown format accepted")
	}
}
