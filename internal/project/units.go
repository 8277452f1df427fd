package project

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// UnitFile is a unit source matched by [build].units.
type UnitFile struct {
	// Rel is the slash-separated path relative to the package root.
	Rel  string
	Path string
	// Base is the literal directory prefix of the pattern that matched
	// Rel, e.g. "src" for "src/**/*.ku".
	Base string
}

// Name returns the unit's module name: Rel below Base without extension,
// with slashes replaced so it is usable as a file name. src/mem/alloc.ku
// matched by src/**/*.ku is "mem.alloc".
func (u UnitFile) Name() string {
	rel := u.Rel
	if u.Base != "" {
		rel = strings.TrimPrefix(rel, u.Base+"/")
	}
	return strings.ReplaceAll(strings.TrimSuffix(rel, path.Ext(rel)), "/", ".")
}

// patternBase returns the leading directory segments of pattern that
// contain no glob metacharacters.
func patternBase(pattern string) string {
	segs := strings.Split(pattern, "/")
	n := 0
	for n < len(segs)-1 && !strings.ContainsAny(segs[n], "*?[\\") {
		n++
	}
	return strings.Join(segs[:n], "/")
}

// Units expands the unit patterns relative to the package root. A `**`
// segment matches any number of directories. The result is sorted and
// duplicate-free; a pattern matching nothing is an error.
func (m *Manifest) Units() ([]UnitFile, error) {
	var all []string
	err := filepath.WalkDir(m.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != m.Root && (strings.HasPrefix(d.Name(), ".") || d.Name() == "target") {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(m.Root, p)
		if err != nil {
			return err
		}
		all = append(all, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(all)

	seen := map[string]bool{}
	names := map[string]string{}
	var out []UnitFile
	for _, pattern := range m.Config.Build.Units {
		pattern = path.Clean(filepath.ToSlash(strings.TrimSpace(pattern)))
		base := patternBase(pattern)
		matched := false
		for _, rel := range all {
			ok, err := MatchGlob(pattern, rel)
			if err != nil {
				return nil, fmt.Errorf("%s: [build].units: %w", m.Path, err)
			}
			if !ok {
				continue
			}
			matched = true
			if seen[rel] {
				continue
			}
			seen[rel] = true
			u := UnitFile{Rel: rel, Path: filepath.Join(m.Root, filepath.FromSlash(rel)), Base: base}
			if prev, dup := names[u.Name()]; dup {
				return nil, fmt.Errorf("%s: [build].units: %s and %s both name unit %q", m.Path, prev, rel, u.Name())
			}
			names[u.Name()] = rel
			out = append(out, u)
		}
		if !matched {
			return nil, fmt.Errorf("%s: [build].units pattern %q matches no files", m.Path, pattern)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, nil
}

// ReadUnits reads every unit file and returns them with the combined
// digest of their paths and contents.
func (m *Manifest) ReadUnits() ([]UnitFile, [][]byte, Digest, error) {
	units, err := m.Units()
	if err != nil {
		return nil, nil, Digest{}, err
	}
	sources := make([][]byte, len(units))
	parts := make([]Digest, 0, 2*len(units))
	for i, u := range units {
		// #nosec G304 -- unit paths come from walking the package root
		data, err := os.ReadFile(u.Path)
		if err != nil {
			return nil, nil, Digest{}, err
		}
		sources[i] = data
		parts = append(parts, DigestOf([]byte(u.Rel)), DigestOf(data))
	}
	return units, sources, Combine(parts...), nil
}

// MatchGlob matches a slash-separated name against a pattern in path.Match
// syntax extended with `**` segments.
func MatchGlob(pattern, name string) (bool, error) {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, name []string) (bool, error) {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(name); i++ {
				ok, err := matchSegments(pat[1:], name[i:])
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
		if len(name) == 0 {
			return false, nil
		}
		ok, err := path.Match(pat[0], name[0])
		if err != nil || !ok {
			return false, err
		}
		pat, name = pat[1:], name[1:]
	}
	return len(name) == 0, nil
}
