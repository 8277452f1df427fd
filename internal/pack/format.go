package pack

import (
	"archive/tar"
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fortio.org/safecast"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Package files start with the magic, a format version byte and the
// big-endian length of the msgpack manifest. The payload after the
// manifest is a zstd-compressed tar stream.
const (
	Magic         = "\x7FKPK"
	FormatVersion = 1
	// Ext is the package file extension.
	Ext = ".kpk"

	maxManifestSize = 16 << 20
)

// ErrBadPackage reports a file that is not a readable package.
var ErrBadPackage = errors.New("not a kiln package")

// Manifest describes a package's contents.
type Manifest struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
	Kind    string `msgpack:"kind"`
	// Created is a Unix timestamp; SOURCE_DATE_EPOCH pins it.
	Created int64 `msgpack:"created"`
	// Source is the digest of the unit sources the package was built from.
	Source  string        `msgpack:"source,omitempty"`
	Targets []TargetEntry `msgpack:"targets"`
	Stubs   []StubEntry   `msgpack:"stubs"`
}

// TargetEntry lists the objects built for one triple.
type TargetEntry struct {
	Triple  string  `msgpack:"triple"`
	Objects []Entry `msgpack:"objects"`
}

// StubEntry lists the stub libraries of one (os, arch) pair.
type StubEntry struct {
	Pair      string  `msgpack:"pair"`
	Libraries []Entry `msgpack:"libraries"`
}

// Entry is one file in the payload.
type Entry struct {
	Name   string `msgpack:"name"`
	Size   int64  `msgpack:"size"`
	Digest string `msgpack:"sha256"`
}

// Target returns the entry for triple.
func (m *Manifest) Target(triple string) (TargetEntry, bool) {
	for _, t := range m.Targets {
		if t.Triple == triple {
			return t, true
		}
	}
	return TargetEntry{}, false
}

// StubPair returns the stub entry for an "<os>-<arch>" pair.
func (m *Manifest) StubPair(pair string) (StubEntry, bool) {
	for _, s := range m.Stubs {
		if s.Pair == pair {
			return s, true
		}
	}
	return StubEntry{}, false
}

// FileName returns "<name>-<version>.kpk".
func (m *Manifest) FileName() string {
	return m.Name + "-" + m.Version + Ext
}

func objectPath(triple, name string) string { return path.Join("targets", triple, "objects", name) }

func stubPath(pair, name string) string { return path.Join("stubs", pair, name) }

// entries maps every payload path to its manifest entry.
func (m *Manifest) entries() map[string]Entry {
	out := map[string]Entry{}
	for _, t := range m.Targets {
		for _, e := range t.Objects {
			out[objectPath(t.Triple, e.Name)] = e
		}
	}
	for _, s := range m.Stubs {
		for _, e := range s.Libraries {
			out[stubPath(s.Pair, e.Name)] = e
		}
	}
	return out
}

// payloadFile is a file to put in the payload.
type payloadFile struct {
	name string
	data []byte
}

func newEntry(name string, data []byte) Entry {
	sum := sha256.Sum256(data)
	return Entry{Name: name, Size: int64(len(data)), Digest: hex.EncodeToString(sum[:])}
}

// write renders a package: header, manifest, compressed payload. Files are
// written in sorted order with fixed ownership and the manifest's creation
// time, so equal inputs produce equal packages.
func write(w io.Writer, m *Manifest, files []payloadFile) error {
	meta, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	size, err := safecast.Conv[uint32](len(meta))
	if err != nil {
		return fmt.Errorf("manifest too large: %w", err)
	}
	var hdr [len(Magic) + 1 + 4]byte
	copy(hdr[:], Magic)
	hdr[len(Magic)] = FormatVersion
	binary.BigEndian.PutUint32(hdr[len(Magic)+1:], size)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(meta); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return err
	}
	tw := tar.NewWriter(zw)
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	mtime := time.Unix(m.Created, 0).UTC()
	for _, f := range files {
		h := &tar.Header{
			Name:     f.name,
			Mode:     0o644,
			Size:     int64(len(f.data)),
			ModTime:  mtime,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(h); err != nil {
			return err
		}
		if _, err := tw.Write(f.data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

// readHeader reads the header and manifest and returns the payload reader.
func readHeader(r io.Reader) (*Manifest, io.Reader, error) {
	br := bufio.NewReader(r)
	var hdr [len(Magic) + 1 + 4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadPackage, err)
	}
	if !bytes.Equal(hdr[:len(Magic)], []byte(Magic)) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrBadPackage)
	}
	if v := hdr[len(Magic)]; v != FormatVersion {
		return nil, nil, fmt.Errorf("%w: format version %d, want %d", ErrBadPackage, v, FormatVersion)
	}
	size := binary.BigEndian.Uint32(hdr[len(Magic)+1:])
	if size > maxManifestSize {
		return nil, nil, fmt.Errorf("%w: manifest of %d bytes", ErrBadPackage, size)
	}
	meta := make([]byte, size)
	if _, err := io.ReadFull(br, meta); err != nil {
		return nil, nil, fmt.Errorf("%w: truncated manifest", ErrBadPackage)
	}
	var m Manifest
	if err := msgpack.Unmarshal(meta, &m); err != nil {
		return nil, nil, fmt.Errorf("%w: manifest: %v", ErrBadPackage, err)
	}
	return &m, br, nil
}

// Package is an opened package file.
type Package struct {
	Path     string
	Manifest *Manifest
}

// Open reads the manifest of the package at path.
func Open(p string) (*Package, error) {
	// #nosec G304 -- package path is chosen by the user
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, _, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return &Package{Path: p, Manifest: m}, nil
}

// extract reads the payload into dir, checking every file against the
// manifest. Files the manifest does not list are rejected.
func extract(payload io.Reader, m *Manifest, dir string) error {
	zr, err := zstd.NewReader(payload)
	if err != nil {
		return err
	}
	defer zr.Close()

	want := m.entries()
	seen := map[string]bool{}
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: payload: %v", ErrBadPackage, err)
		}
		name := path.Clean(h.Name)
		if h.Typeflag != tar.TypeReg || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return fmt.Errorf("%w: unexpected payload entry %q", ErrBadPackage, h.Name)
		}
		entry, ok := want[name]
		if !ok {
			return fmt.Errorf("%w: %s is not in the manifest", ErrBadPackage, name)
		}
		if h.Size != entry.Size {
			return fmt.Errorf("%w: %s has %d bytes, manifest says %d", ErrBadPackage, name, h.Size, entry.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, entry.Size))
		if err != nil {
			return err
		}
		if got := newEntry(entry.Name, data).Digest; got != entry.Digest {
			return fmt.Errorf("%w: %s digest mismatch", ErrBadPackage, name)
		}
		dst := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return err
		}
		seen[name] = true
	}
	for name := range want {
		if !seen[name] {
			return fmt.Errorf("%w: %s is missing from the payload", ErrBadPackage, name)
		}
	}
	return nil
}
