// Package config loads the toolchain configuration: where the external LLVM
// tools live, which emission pipeline and stub generator to use, and build
// defaults.
//
// Lookup order: $KILN_CONFIG, else $XDG_CONFIG_HOME/kiln/config.toml (or
// ~/.config/kiln/config.toml). A missing file is not an error. Environment
// variables override the file; CLI flags override both.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the toolchain configuration.
type Config struct {
	Tools   Tools   `toml:"tools"`
	Codegen Codegen `toml:"codegen"`
	Stubs   Stubs   `toml:"stubs"`
	Build   Build   `toml:"build"`

	// Path is the file the configuration was read from, if any.
	Path string `toml:"-"`
}

// Tools holds explicit paths to external tools. Empty means PATH lookup.
type Tools struct {
	LLC         string `toml:"llc"`
	Clang       string `toml:"clang"`
	LLD         string `toml:"lld"`
	LLVMIfs     string `toml:"llvm_ifs"`
	LLVMDlltool string `toml:"llvm_dlltool"`
}

type Codegen struct {
	// Pipeline is "llc" or "clang".
	Pipeline string `toml:"pipeline"`
}

type Stubs struct {
	// Generator is "native" or "llvm".
	Generator string `toml:"generator"`
	// Dir is the stub set directory used when linking.
	Dir string `toml:"dir"`
}

type Build struct {
	Jobs     int    `toml:"jobs"`
	CacheDir string `toml:"cache_dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Codegen: Codegen{Pipeline: "llc"},
		Stubs:   Stubs{Generator: "native"},
		Build:   Build{Jobs: runtime.NumCPU()},
	}
}

// Load reads the configuration file (if any) and applies environment
// overrides.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	path, explicit := configPath(getenv)
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configPath(getenv func(string) string) (string, bool) {
	if p := getenv("KILN_CONFIG"); p != "" {
		return p, true
	}
	if dir := getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kiln", "config.toml"), false
	}
	if home := getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", "kiln", "config.toml"), false
	}
	return "", false
}

func (c *Config) readFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	c.Path = path
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Tools.LLC, "KILN_LLC")
	set(&c.Tools.Clang, "KILN_CLANG")
	set(&c.Tools.LLD, "KILN_LLD")
	set(&c.Tools.LLVMIfs, "KILN_LLVM_IFS")
	set(&c.Tools.LLVMDlltool, "KILN_LLVM_DLLTOOL")
	set(&c.Build.CacheDir, "KILN_CACHE_DIR")
	set(&c.Stubs.Dir, "KILN_STUBS_DIR")
	if v := strings.TrimSpace(getenv("KILN_JOBS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KILN_JOBS: %w", err)
		}
		c.Build.Jobs = n
	}
	return nil
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch c.Codegen.Pipeline {
	case "llc", "clang":
	default:
		return fmt.Errorf("codegen.pipeline must be llc or clang, got %q", c.Codegen.Pipeline)
	}
	switch c.Stubs.Generator {
	case "native", "llvm":
	default:
		return fmt.Errorf("stubs.generator must be native or llvm, got %q", c.Stubs.Generator)
	}
	if c.Build.Jobs < 0 {
		return fmt.Errorf("build.jobs must not be negative")
	}
	return nil
}

// CacheDir returns the package cache directory.
func (c *Config) CacheDir() (string, error) {
	if c.Build.CacheDir != "" {
		return c.Build.CacheDir, nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "kiln"), nil
}

// StubsDir returns the stub set directory.
func (c *Config) StubsDir() (string, error) {
	if c.Stubs.Dir != "" {
		return c.Stubs.Dir, nil
	}
	cache, err := c.CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cache, "stubs"), nil
}
