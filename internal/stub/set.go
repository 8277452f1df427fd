package stub

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/target"
)

// Current schema version - increment when the index format changes
const setSchemaVersion uint16 = 1

const (
	indexName = "index.mp"
	lockName  = ".lock"
)

// ErrSetMissing is returned when a stub set has no entry for a pair.
var ErrSetMissing = errors.New("stub set missing")

type setIndex struct {
	Schema    uint16
	Pair      string
	Libraries []Library
}

// Set is an on-disk stub set: one directory per pair, each with the
// libraries and a msgpack index of their digests.
type Set struct {
	root string
}

// OpenSet opens an existing stub set directory.
func OpenSet(root string) (*Set, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetMissing, err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrSetMissing, root)
	}
	return &Set{root: root}, nil
}

// Root returns the set directory.
func (s *Set) Root() string { return s.root }

func (s *Set) lock() *flock.Flock {
	return flock.New(filepath.Join(s.root, lockName))
}

// WriteSet replaces the pair's directory under root. The new contents are
// staged next to it and renamed into place, so readers see the old set or
// the new one, never a mix.
func WriteSet(root string, pl PairLibraries) (err error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	s := &Set{root: root}
	lock := s.lock()
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock stub set: %w", err)
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	name := pl.Pair.String()
	tmp, err := os.MkdirTemp(root, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	idx := setIndex{Schema: setSchemaVersion, Pair: name}
	for _, lib := range pl.Libraries {
		if strings.ContainsAny(lib.Name, `/\`) {
			return fmt.Errorf("bad library name %q", lib.Name)
		}
		if err := os.WriteFile(filepath.Join(tmp, lib.Name), lib.Data, 0o644); err != nil {
			return err
		}
		lib.Path = ""
		lib.Data = nil
		idx.Libraries = append(idx.Libraries, lib)
	}
	data, err := msgpack.Marshal(&idx)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, indexName), data, 0o644); err != nil {
		return err
	}

	final := filepath.Join(root, name)
	old := ""
	if _, statErr := os.Stat(final); statErr == nil {
		old = filepath.Join(root, ".old-"+name)
		_ = os.RemoveAll(old)
		if err := os.Rename(final, old); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return err
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// Pairs lists the pairs present in the set.
func (s *Set) Pairs() ([]Pair, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []Pair
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), indexName)); err != nil {
			continue
		}
		goos, arch, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		out = append(out, Pair{OS: goos, Arch: arch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Load reads the libraries of pair and verifies their digests.
func (s *Set) Load(p Pair) (libs []Library, err error) {
	lock := s.lock()
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock stub set: %w", err)
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	dir := filepath.Join(s.root, p.String())
	// #nosec G304 -- index path is derived from the set root
	raw, err := os.ReadFile(filepath.Join(dir, indexName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no %s stubs in %s", ErrSetMissing, p, s.root)
	}
	if err != nil {
		return nil, err
	}
	var idx setIndex
	if err := msgpack.NewDecoder(bytes.NewReader(raw)).Decode(&idx); err != nil {
		return nil, fmt.Errorf("decode %s index: %w", p, err)
	}
	if idx.Schema != setSchemaVersion {
		return nil, fmt.Errorf("%w: %s index has schema %d, want %d", ErrSetMissing, p, idx.Schema, setSchemaVersion)
	}
	for _, lib := range idx.Libraries {
		lib.Path = filepath.Join(dir, lib.Name)
		// #nosec G304 -- library names are validated on write
		lib.Data, err = os.ReadFile(lib.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSetMissing, p, err)
		}
		sum := sha256.Sum256(lib.Data)
		if hex.EncodeToString(sum[:]) != lib.Digest {
			return nil, fmt.Errorf("stub %s for %s is corrupt (digest mismatch)", lib.Name, p)
		}
		libs = append(libs, lib)
	}
	return libs, nil
}

// Libraries returns the stubs to link a triple against.
func (s *Set) Libraries(t target.Triple) ([]Library, error) {
	return s.Load(PairOf(t))
}

// Provision generates pairs and writes them to root. done is called after
// each pair is on disk.
func (p *Provisioner) Provision(ctx context.Context, root string, pairs []Pair, done func(Pair)) (*Set, error) {
	results, err := p.GenerateAll(ctx, pairs)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := WriteSet(root, r); err != nil {
			return nil, fmt.Errorf("write %s stubs: %w", r.Pair, err)
		}
		if done != nil {
			done(r.Pair)
		}
	}
	return OpenSet(root)
}
