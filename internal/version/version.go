// Package version holds build information for the kiln CLI.
// The variables can be overridden at build time via -ldflags.
package version

import (
	"strings"

	"github.com/blang/semver"
	"github.com/fatih/color"
)

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)
	versionPatchColor = color.New(color.FgBlue, color.Bold)
)

var (
	// Version is the semantic version of the CLI.
	Version = "0.1.0-dev"

	// GitCommit is an optional git commit hash.
	GitCommit = ""

	// BuildDate is an optional build date in ISO-8601.
	BuildDate = ""
)

// Semver parses Version. A leading "v" is accepted.
func Semver() (semver.Version, error) {
	return semver.ParseTolerant(Version)
}

// Colored renders Version with its components highlighted. Versions that
// do not parse are returned unchanged.
func Colored() string {
	v, err := Semver()
	if err != nil {
		return Version
	}
	out := versionMajorColor.Sprint(v.Major) + "." +
		versionMinorColor.Sprint(v.Minor) + "." +
		versionPatchColor.Sprint(v.Patch)
	if len(v.Pre) > 0 {
		pre := make([]string, len(v.Pre))
		for i, p := range v.Pre {
			pre[i] = p.String()
		}
		out += "-" + strings.Join(pre, ".")
	}
	if len(v.Build) > 0 {
		out += "+" + strings.Join(v.Build, ".")
	}
	return out
}

// Summary is the one-line description printed by `kiln version`.
func Summary() string {
	s := "kiln " + Colored()
	if GitCommit != "" {
		commit := GitCommit
		if len(commit) > 12 {
			commit = commit[:12]
		}
		s += " (" + commit + ")"
	}
	if BuildDate != "" {
		s += " built " + BuildDate
	}
	return s
}
