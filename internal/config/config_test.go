package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := load(envOf(map[string]string{"XDG_CONFIG_HOME": t.TempDir()}))
	require.NoError(t, err)
	assert.Equal(t, "llc", cfg.Codegen.Pipeline)
	assert.Equal(t, "native", cfg.Stubs.Generator)
	assert.Positive(t, cfg.Build.Jobs)
	assert.Empty(t, cfg.Path)
}

func TestFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln", "config.toml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`
[tools]
llc = "/opt/llvm/bin/llc"
lld = "/opt/llvm/bin/lld"

[codegen]
pipeline = "clang"

[build]
jobs = 3
cache_dir = "/var/cache/kiln"
`), 0o644))

	cfg, err := load(envOf(map[string]string{
		"XDG_CONFIG_HOME": dir,
		"KILN_LLD":        "/usr/bin/ld.lld",
		"KILN_JOBS":       "8",
	}))
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "/opt/llvm/bin/llc", cfg.Tools.LLC)
	assert.Equal(t, "/usr/bin/ld.lld", cfg.Tools.LLD)
	assert.Equal(t, "clang", cfg.Codegen.Pipeline)
	assert.Equal(t, 8, cfg.Build.Jobs)

	cache, err := cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/kiln", cache)
	stubs, err := cfg.StubsDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/var/cache/kiln", "stubs"), stubs)
}

func TestExplicitConfigMustExist(t *testing.T) {
	_, err := load(envOf(map[string]string{"KILN_CONFIG": filepath.Join(t.TempDir(), "nope.toml")}))
	assert.Error(t, err)
}

func TestInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.toml")
	require.NoError(t, os.WriteFile(path, []byte("[stubs]\ngenerator = \"magic\"\n"), 0o644))
	_, err := load(envOf(map[string]string{"KILN_CONFIG": path}))
	assert.ErrorContains(t, err, "stubs.generator")

	require.NoError(t, os.WriteFile(path, []byte("[tools]\nas = \"gas\"\n"), 0o644))
	_, err = load(envOf(map[string]string{"KILN_CONFIG": path}))
	assert.ErrorContains(t, err, "unknown key")

	_, err = load(envOf(map[string]string{"XDG_CONFIG_HOME": t.TempDir(), "KILN_JOBS": "many"}))
	assert.ErrorContains(t, err, "KILN_JOBS")
}
