package version

import (
	"testing"

	"github.com/fatih/color"
)

func withVersion(t *testing.T, v, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, GitCommit, BuildDate
	origNoColor := color.NoColor
	t.Cleanup(func() {
		Version, GitCommit, BuildDate = origVersion, origCommit, origDate
		color.NoColor = origNoColor
	})
	Version, GitCommit, BuildDate = v, commit, date
	color.NoColor = true
}

func TestVersion_DefaultParses(t *testing.T) {
	v, err := Semver()
	if err != nil {
		t.Fatalf("default version %q does not parse: %v", Version, err)
	}
	if v.Major != 0 || v.Minor != 1 {
		t.Errorf("default version = %s, want 0.1.x", v)
	}
}

func TestVersion_Colored(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0.1.0", "0.1.0"},
		{"v1.2.3", "1.2.3"},
		{"2.0.0-alpha.1", "2.0.0-alpha.1"},
		{"1.2.3-rc.1+build.123", "1.2.3-rc.1+build.123"},
		{"not-a-version", "not-a-version"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			withVersion(t, tt.in, "", "")
			if got := Colored(); got != tt.want {
				t.Errorf("Colored() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVersion_Summary(t *testing.T) {
	withVersion(t, "1.0.0", "", "")
	if got := Summary(); got != "kiln 1.0.0" {
		t.Errorf("Summary() = %q", got)
	}

	withVersion(t, "1.0.0", "1234567890abcdef1234", "2026-01-15T10:30:00Z")
	want := "kiln 1.0.0 (1234567890ab) built 2026-01-15T10:30:00Z"
	if got := Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}
