package pack

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blang/semver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/emit"
	"kiln/internal/frontend"
	"kiln/internal/stub"
	"kiln/internal/target"
)

// fakePipeline stands in for llc: it writes a marker naming the triple.
type fakePipeline struct{}

func (fakePipeline) Name() string { return "fake" }

func (fakePipeline) Run(_ context.Context, job emit.Job, ir io.Reader, out io.Writer) error {
	if _, err := io.Copy(io.Discard, ir); err != nil {
		return err
	}
	_, err := io.WriteString(out, "OBJ "+job.Triple)
	return err
}

const allocUnit = `
[[extern]]
name = "malloc"
ret = "ptr"
params = ["usize"]

[[func]]
name = "kiln_alloc"
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
  { call = "no_such_function" },
  { ret = "" },
]
`

var (
	linuxX64 = target.Triple{Arch: target.ArchX86_64, Vendor: "pc", OS: target.OSLinux, Env: "gnu"}
	winX64   = target.Triple{Arch: target.ArchX86_64, Vendor: "pc", OS: target.OSWindows, Env: "msvc"}
)

// stubSet provisions pairs, or every supported pair when none are given.
func stubSet(t *testing.T, pairs ...stub.Pair) *stub.Set {
	t.Helper()
	if len(pairs) == 0 {
		pairs = stub.SupportedPairs()
	}
	set, err := stub.NewProvisioner(stub.ModeNative, stub.Tools{}).Provision(context.Background(), t.TempDir(), pairs, nil)
	require.NoError(t, err)
	return set
}

func newBuilder(epoch string) *Builder {
	return &Builder{
		Emitter: &emit.Emitter{Pipeline: fakePipeline{}},
		Getenv: func(key string) string {
			if key == "SOURCE_DATE_EPOCH" {
				return epoch
			}
			return ""
		},
		Now: func() time.Time { return time.Unix(42, 0) },
	}
}

func newRequest(t *testing.T, stubs *stub.Set, units ...frontend.Unit) *Request {
	t.Helper()
	if len(units) == 0 {
		units = []frontend.Unit{{Name: "alloc", Path: "std/alloc.ku", Source: []byte(allocUnit)}}
	}
	return &Request{
		Name:    "std",
		Version: semver.MustParse("0.3.0"),
		Kind:    "library",
		Units:   units,
		Source:  "deadbeef",
		Targets: []target.Triple{linuxX64, winX64},
		Stubs:   stubs,
		OutDir:  t.TempDir(),
	}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no package or temporary file may remain")
}

func TestBuildWritesPackage(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set)

	res, err := newBuilder("").Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(req.OutDir, "std-0.3.0.kpk"), res.Path)
	assert.Equal(t, int64(42), res.Manifest.Created)

	pkg, err := Open(res.Path)
	require.NoError(t, err)
	m := pkg.Manifest
	assert.Equal(t, "std", m.Name)
	assert.Equal(t, "0.3.0", m.Version)
	assert.Equal(t, "deadbeef", m.Source)
	require.Len(t, m.Targets, 2)
	linux, ok := m.Target(linuxX64.String())
	require.True(t, ok)
	require.Len(t, linux.Objects, 1)
	assert.Equal(t, "alloc.o", linux.Objects[0].Name)

	win, ok := m.StubPair("windows-x86_64")
	require.True(t, ok)
	var names []string
	for _, l := range win.Libraries {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"kernel32.lib", "ucrtbase.lib"}, names)
	_, ok = m.StubPair("linux-x86_64")
	assert.True(t, ok)
}

func TestBuildBundlesEverySupportedStubPair(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set)
	req.Targets = []target.Triple{linuxX64}

	res, err := newBuilder("").Build(context.Background(), req)
	require.NoError(t, err)
	m := res.Manifest
	require.Len(t, m.Targets, 1)
	pairs := stub.SupportedPairs()
	require.Len(t, m.Stubs, len(pairs))
	for _, p := range pairs {
		entry, ok := m.StubPair(p.String())
		if assert.True(t, ok, "missing stubs for %s", p) {
			assert.NotEmpty(t, entry.Libraries, p.String())
		}
	}
}

func TestUnpackServesObjectsAndStubs(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set)
	req.StubPairs = []stub.Pair{stub.PairOf(linuxX64), stub.PairOf(winX64)}
	res, err := newBuilder("").Build(context.Background(), req)
	require.NoError(t, err)

	cache := &Cache{Root: t.TempDir()}
	u, err := cache.Resolve(res.Path)
	require.NoError(t, err)

	objs, err := u.Objects(linuxX64)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	data, err := os.ReadFile(objs[0])
	require.NoError(t, err)
	assert.Equal(t, "OBJ x86_64-pc-linux-gnu", string(data))

	// A vendor-less triple is still served by the compatible entry.
	objs, err = u.Objects(target.Triple{Arch: target.ArchX86_64, OS: target.OSLinux})
	require.NoError(t, err)
	assert.Len(t, objs, 1)
	built, objs, err := u.ObjectsFor(target.Triple{Arch: target.ArchX86_64, Vendor: "unknown", OS: target.OSLinux, Env: "gnu"})
	require.NoError(t, err)
	assert.Len(t, objs, 1)
	assert.Equal(t, linuxX64, built, "the declared triple, not the requested one")

	libs, err := u.Libraries(linuxX64)
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, "libc.so.6", libs[0].Name)
	assert.Equal(t, target.FormatELF, libs[0].Format)
	want, err := set.Libraries(linuxX64)
	require.NoError(t, err)
	got, err := os.ReadFile(libs[0].Path)
	require.NoError(t, err)
	assert.Equal(t, want[0].Data, got, "stubs must round-trip byte for byte")

	_, err = u.Objects(target.Triple{Arch: target.ArchAArch64, OS: target.OSDarwin})
	assert.ErrorIs(t, err, ErrTargetMissing)
	_, err = u.Stubs(target.Triple{Arch: target.ArchAArch64, OS: target.OSDarwin})
	assert.ErrorIs(t, err, stub.ErrSetMissing)
}

func TestCacheReusesIdenticalPackage(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set)
	res, err := newBuilder("100").Build(context.Background(), req)
	require.NoError(t, err)

	cache := &Cache{Root: t.TempDir()}
	first, err := cache.Resolve(res.Path)
	require.NoError(t, err)
	marker := filepath.Join(first.Dir, "marker")
	require.NoError(t, os.WriteFile(marker, nil, 0o644))

	second, err := cache.Resolve(res.Path)
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)
	assert.FileExists(t, marker)

	// A rebuilt package with the same name and version replaces the cache.
	_, err = newBuilder("200").Build(context.Background(), req)
	require.NoError(t, err)
	third, err := cache.Resolve(res.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(200), third.Manifest.Created)
	assert.NoFileExists(t, marker)
}

func TestBuildIsDeterministic(t *testing.T) {
	set := stubSet(t)

	var outputs [][]byte
	for range 2 {
		res, err := newBuilder("1700000000").Build(context.Background(), newRequest(t, set))
		require.NoError(t, err)
		data, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.True(t, bytes.Equal(outputs[0], outputs[1]), "same inputs must give the same package bytes")
}

func TestBuildFailsAtomicallyOnUnitError(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set,
		frontend.Unit{Name: "alloc", Path: "std/alloc.ku", Source: []byte(allocUnit)},
		frontend.Unit{Name: "broken", Path: "std/broken.ku", Source: []byte(brokenUnit)},
	)

	res, err := newBuilder("").Build(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrPackagingFailure)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "std", perr.Package)
	assert.Contains(t, err.Error(), "no_such_function")
	assertEmptyDir(t, req.OutDir)
}

func TestBuildFailsOnMissingStubSet(t *testing.T) {
	set := stubSet(t, stub.PairOf(linuxX64))
	req := newRequest(t, set)

	_, err := newBuilder("").Build(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPackagingFailure)
	assert.ErrorIs(t, err, stub.ErrSetMissing)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	var firstMissing string
	for _, p := range stub.SupportedPairs() {
		if p != stub.PairOf(linuxX64) {
			firstMissing = p.String()
			break
		}
	}
	assert.Equal(t, firstMissing, perr.Triple)
	assertEmptyDir(t, req.OutDir)
}

func TestBuildCancelled(t *testing.T) {
	set := stubSet(t)
	req := newRequest(t, set)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newBuilder("").Build(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assertEmptyDir(t, req.OutDir)
}

func TestBuildRejectsIncompleteRequest(t *testing.T) {
	b := newBuilder("")
	_, err := b.Build(context.Background(), &Request{Name: "std"})
	assert.ErrorIs(t, err, ErrPackagingFailure)
	assert.Contains(t, err.Error(), "no targets")

	_, err = b.Build(context.Background(), &Request{Name: "std", Targets: []target.Triple{linuxX64}})
	assert.Contains(t, err.Error(), "no stub source")
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.kpk")
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04 definitely a zip"), 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadPackage)

	require.NoError(t, os.WriteFile(path, []byte(Magic+"\x09\x00\x00\x00\x00"), 0o644))
	_, err = Open(path)
	require.ErrorIs(t, err, ErrBadPackage)
	assert.Contains(t, err.Error(), "format version 9")
}

func TestUnpackDetectsTampering(t *testing.T) {
	m := &Manifest{
		Name:    "std",
		Version: "1.0.0",
		Targets: []TargetEntry{{
			Triple:  linuxX64.String(),
			Objects: []Entry{newEntry("a.o", []byte("original"))},
		}},
	}
	files := []payloadFile{{name: objectPath(linuxX64.String(), "a.o"), data: []byte("tampered")}}
	var buf bytes.Buffer
	require.NoError(t, write(&buf, m, files))
	path := filepath.Join(t.TempDir(), m.FileName())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	pkg, err := Open(path)
	require.NoError(t, err)
	dest := filepath.Join(t.TempDir(), "out")
	_, err = pkg.Unpack(dest)
	require.ErrorIs(t, err, ErrBadPackage)
	assert.Contains(t, err.Error(), "digest mismatch")
	assert.NoDirExists(t, dest)
}

func TestUnpackDetectsMissingEntry(t *testing.T) {
	m := &Manifest{
		Name:    "std",
		Version: "1.0.0",
		Stubs: []StubEntry{{
			Pair:      "linux-x86_64",
			Libraries: []Entry{newEntry("libc.so.6", []byte("elf"))},
		}},
	}
	var buf bytes.Buffer
	require.NoError(t, write(&buf, m, nil))
	path := filepath.Join(t.TempDir(), m.FileName())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	pkg, err := Open(path)
	require.NoError(t, err)
	_, err = pkg.Unpack(filepath.Join(t.TempDir(), "out"))
	require.ErrorIs(t, err, ErrBadPackage)
	assert.Contains(t, err.Error(), "missing from the payload")
}
