package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// ManifestName is the package definition file name.
const ManifestName = "kiln.toml"

// FindManifest returns the kiln.toml nearest to startDir, searching
// startDir and then each parent. ok is false when none exists.
func FindManifest(startDir string) (path string, ok bool, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, err
	}
	for ; ; dir = filepath.Dir(dir) {
		path = filepath.Join(dir, ManifestName)
		_, err := os.Stat(path)
		switch {
		case err == nil:
			return path, true, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", false, err
		}
		if filepath.Dir(dir) == dir {
			return "", false, nil
		}
	}
}

// FindProjectRoot is FindManifest's directory.
func FindProjectRoot(startDir string) (root string, ok bool, err error) {
	path, ok, err := FindManifest(startDir)
	if !ok {
		return "", false, err
	}
	return filepath.Dir(path), true, nil
}
