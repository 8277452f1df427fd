package pack

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"kiln/internal/stub"
	"kiln/internal/target"
)

// manifestFile is written next to the extracted payload.
const manifestFile = "manifest.mp"

// ErrTargetMissing reports a triple the package was not built for.
var ErrTargetMissing = errors.New("package has no objects for target")

// Unpacked is an extracted package. It serves as the standard library
// objects and stub set of a build.
type Unpacked struct {
	Dir      string
	Manifest *Manifest
}

// Unpack verifies the payload and extracts it into dir. The contents are
// staged in a sibling directory and renamed into place, replacing any
// previous extraction.
func (p *Package) Unpack(dir string) (u *Unpacked, err error) {
	// #nosec G304 -- package path is chosen by the user
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, payload, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return nil, err
	}
	tmp, err := os.MkdirTemp(parent, ".unpack-"+filepath.Base(dir)+"-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()
	if err := extract(payload, m, tmp); err != nil {
		return nil, fmt.Errorf("%s: %w", p.Path, err)
	}
	meta, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), meta, 0o644); err != nil {
		return nil, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		return nil, err
	}
	return &Unpacked{Dir: dir, Manifest: m}, nil
}

// OpenUnpacked reads an extraction made by Unpack.
func OpenUnpacked(dir string) (*Unpacked, error) {
	// #nosec G304 -- manifest lives in the extraction directory
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return &Unpacked{Dir: dir, Manifest: &m}, nil
}

// entry finds the target entry that can serve t. An exact triple wins;
// otherwise any compatible one is used.
func (u *Unpacked) entry(t target.Triple) (TargetEntry, bool) {
	if e, ok := u.Manifest.Target(t.String()); ok {
		return e, true
	}
	for _, e := range u.Manifest.Targets {
		pt, err := target.ParseTriple(e.Triple)
		if err == nil && pt.Compatible(t) {
			return e, true
		}
	}
	return TargetEntry{}, false
}

// Objects returns the object paths built for t, in manifest order.
func (u *Unpacked) Objects(t target.Triple) ([]string, error) {
	_, out, err := u.ObjectsFor(t)
	return out, err
}

// ObjectsFor is Objects plus the triple the manifest declares for them,
// which may differ from t in vendor or environment.
func (u *Unpacked) ObjectsFor(t target.Triple) (target.Triple, []string, error) {
	e, ok := u.entry(t)
	if !ok {
		return target.Triple{}, nil, fmt.Errorf("%w: %s has no %s objects", ErrTargetMissing, u.Manifest.FileName(), t)
	}
	built, err := target.ParseTriple(e.Triple)
	if err != nil {
		return target.Triple{}, nil, fmt.Errorf("%s: target %q: %w", u.Manifest.FileName(), e.Triple, err)
	}
	out := make([]string, 0, len(e.Objects))
	for _, o := range e.Objects {
		out = append(out, filepath.Join(u.Dir, filepath.FromSlash(objectPath(e.Triple, o.Name))))
	}
	return built, out, nil
}

// Stubs returns the stub libraries of t's (os, arch) pair.
func (u *Unpacked) Stubs(t target.Triple) ([]stub.Library, error) {
	pair := stub.PairOf(t)
	se, ok := u.Manifest.StubPair(pair.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s has no %s stubs", stub.ErrSetMissing, u.Manifest.FileName(), pair)
	}
	format, err := t.Format()
	if err != nil {
		return nil, err
	}
	out := make([]stub.Library, 0, len(se.Libraries))
	for _, l := range se.Libraries {
		out = append(out, stub.Library{
			OS:     pair.OS,
			Arch:   pair.Arch,
			Name:   l.Name,
			Format: format,
			Digest: l.Digest,
			Path:   filepath.Join(u.Dir, filepath.FromSlash(stubPath(se.Pair, l.Name))),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Libraries is Stubs; it lets an unpacked package stand in for a stub set.
func (u *Unpacked) Libraries(t target.Triple) ([]stub.Library, error) {
	return u.Stubs(t)
}

// Cache keeps one extraction per package name and version under Root.
type Cache struct {
	Root string
}

// Resolve returns the extraction of the package at path, unpacking it
// unless an identical one is already cached. Concurrent resolvers of the
// same package serialize on a lock file.
func (c *Cache) Resolve(path string) (u *Unpacked, err error) {
	pkg, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(c.Root, 0o750); err != nil {
		return nil, err
	}
	key := pkg.Manifest.Name + "-" + pkg.Manifest.Version
	lock := flock.New(filepath.Join(c.Root, "."+key+".lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("lock package cache: %w", err)
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	dir := filepath.Join(c.Root, key)
	if cached, err := OpenUnpacked(dir); err == nil && sameManifest(cached.Manifest, pkg.Manifest) {
		return cached, nil
	}
	return pkg.Unpack(dir)
}

func sameManifest(a, b *Manifest) bool {
	ra, err := msgpack.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := msgpack.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ra, rb)
}
