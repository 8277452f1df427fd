package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/config"
	"kiln/internal/target"
	"kiln/internal/toolexec"
	"kiln/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show kiln build information",
	Long: `Show the kiln version. --full adds build metadata, the architectures
compiled in and where each external tool resolves to.`,
	Args: cobra.NoArgs,
	RunE: runVersion,
}

func init() {
	versionCmd.Flags().Bool("hash", false, "include git commit hash")
	versionCmd.Flags().Bool("date", false, "include build timestamp")
	versionCmd.Flags().Bool("full", false, "include build metadata, architectures and tools")
	versionCmd.Flags().String("format", "pretty", "output format (pretty|json)")
}

// versionInfo is what `kiln version` reports; empty fields are omitted.
type versionInfo struct {
	Tool      string      `json:"tool"`
	Version   string      `json:"version"`
	GitCommit string      `json:"git_commit,omitempty"`
	BuildDate string      `json:"build_date,omitempty"`
	Arches    []string    `json:"arches,omitempty"`
	Tools     []toolEntry `json:"tools,omitempty"`
}

type toolEntry struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	hash, _ := flags.GetBool("hash")
	date, _ := flags.GetBool("date")
	full, _ := flags.GetBool("full")
	format, _ := flags.GetString("format")

	info := versionInfo{Tool: "kiln", Version: version.Version}
	if hash || full {
		info.GitCommit = orUnknown(version.GitCommit)
	}
	if date || full {
		info.BuildDate = orUnknown(version.BuildDate)
	}
	if full {
		info.Arches = target.Arches()
		tools, err := resolveTools()
		if err != nil {
			return err
		}
		info.Tools = tools
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "pretty":
	default:
		return fmt.Errorf("unsupported format %q (must be pretty or json)", format)
	}

	if info.GitCommit == "" && info.BuildDate == "" {
		fmt.Fprintln(out, version.Summary())
		return nil
	}
	fmt.Fprintf(out, "kiln %s\n", version.Colored())
	if info.GitCommit != "" {
		fmt.Fprintf(out, "commit: %s\n", info.GitCommit)
	}
	if info.BuildDate != "" {
		fmt.Fprintf(out, "built:  %s\n", info.BuildDate)
	}
	if len(info.Arches) > 0 {
		fmt.Fprintf(out, "arches: %s\n", strings.Join(info.Arches, ", "))
	}
	for _, t := range info.Tools {
		fmt.Fprintf(out, "%-13s %s\n", t.Name+":", orMissing(t.Path))
	}
	return nil
}

// resolveTools reports where each external tool would be taken from: the
// configured path, else the first match on PATH.
func resolveTools() ([]toolEntry, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	tools := []struct{ name, configured string }{
		{"llc", cfg.Tools.LLC},
		{"clang", cfg.Tools.Clang},
		{"lld", cfg.Tools.LLD},
		{"llvm-ifs", cfg.Tools.LLVMIfs},
		{"llvm-dlltool", cfg.Tools.LLVMDlltool},
	}
	out := make([]toolEntry, 0, len(tools))
	for _, t := range tools {
		e := toolEntry{Name: t.name, Path: t.configured}
		if e.Path == "" {
			e.Path, _ = toolexec.Lookup(t.name)
		}
		out = append(out, e)
	}
	return out, nil
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "unknown"
	}
	return s
}

func orMissing(s string) string {
	if s == "" {
		return "not found"
	}
	return s
}
