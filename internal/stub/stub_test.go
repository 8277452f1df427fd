package stub

import (
	"bytes"
	"context"
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kiln/internal/objfile"
	"kiln/internal/target"
)

func generate(t *testing.T, goos, arch string) []Library {
	t.Helper()
	libs, err := NewProvisioner(ModeNative, Tools{}).Generate(context.Background(), goos, arch)
	require.NoError(t, err)
	require.NotEmpty(t, libs)
	return libs
}

func find(t *testing.T, libs []Library, name string) Library {
	t.Helper()
	for _, l := range libs {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("library %s not generated", name)
	return Library{}
}

func TestLinuxLibcStub(t *testing.T) {
	lib := find(t, generate(t, target.OSLinux, target.ArchX86_64), "libc.so.6")
	assert.Equal(t, target.FormatELF, lib.Format)

	f, err := elf.NewFile(bytes.NewReader(lib.Data))
	require.NoError(t, err)
	assert.Equal(t, elf.ET_DYN, f.Type)
	assert.Equal(t, elf.EM_X86_64, f.Machine)
	assert.Equal(t, elf.ELFCLASS64, f.Class)

	sonames, err := f.DynString(elf.DT_SONAME)
	require.NoError(t, err)
	assert.Equal(t, []string{"libc.so.6"}, sonames)

	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	byName := map[string]elf.Symbol{}
	for _, s := range syms {
		byName[s.Name] = s
	}
	require.Contains(t, byName, "malloc")
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(byName["malloc"].Info))
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(byName["malloc"].Info))
	assert.NotEqual(t, elf.SHN_UNDEF, byName["malloc"].Section)
	require.Contains(t, byName, "environ")
	assert.Equal(t, elf.STT_OBJECT, elf.ST_TYPE(byName["environ"].Info))
	assert.Equal(t, uint64(8), byName["environ"].Size)

	// No executable payload: every allocated section that holds code is empty.
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR != 0 || sec.Type == elf.SHT_NOBITS {
			assert.Zero(t, sec.Size, sec.Name)
		}
	}
	assert.NotNil(t, f.Section(".gnu.version_d"))
	assert.NotNil(t, f.Section(".hash"))
}

func TestSingleSymbolDescription(t *testing.T) {
	fsys := fstest.MapFS{
		"linux/libmini.ifs": {Data: []byte("--- !ifs-v1\nIfsVersion: 3.0\nSoName: libmini.so\nSymbols:\n  - { Name: malloc, Type: Func }\n...\n")},
	}
	p := NewProvisioner(ModeNative, Tools{})
	p.FS = fsys
	libs, err := p.Generate(context.Background(), target.OSLinux, target.ArchX86_64)
	require.NoError(t, err)
	require.Len(t, libs, 1)

	f, err := elf.NewFile(bytes.NewReader(libs[0].Data))
	require.NoError(t, err)
	assert.Equal(t, elf.ELFCLASS64, f.Class)
	assert.Equal(t, elf.ELFDATA2LSB, f.Data)
	assert.Equal(t, elf.EM_X86_64, f.Machine)

	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	require.Len(t, syms, 1)
	assert.Equal(t, "malloc", syms[0].Name)
	assert.Equal(t, elf.STT_FUNC, elf.ST_TYPE(syms[0].Info))
	assert.Equal(t, elf.STB_GLOBAL, elf.ST_BIND(syms[0].Info))
	assert.NotEqual(t, elf.SHN_UNDEF, syms[0].Section)

	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Zero(t, text.Size)
	code, err := text.Data()
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestUndefinedSymbolsUseGlobalVersion(t *testing.T) {
	stub := &ELFStub{
		Class:       elf.ELFCLASS64,
		Order:       binary.LittleEndian,
		Machine:     elf.EM_X86_64,
		SoName:      "libv.so",
		VersionNode: "V_1",
		Symbols: []ELFSymbol{
			{Name: "defined", Type: elf.STT_FUNC},
			{Name: "imported", Type: elf.STT_FUNC, Undefined: true},
		},
	}
	data, err := stub.Bytes()
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	sec := f.Section(".gnu.version")
	require.NotNil(t, sec)
	raw, err := sec.Data()
	require.NoError(t, err)
	require.Len(t, raw, 6)
	var ndx []uint16
	for i := 0; i < len(raw); i += 2 {
		ndx = append(ndx, binary.LittleEndian.Uint16(raw[i:]))
	}
	// null symbol, "defined" in V_1, "imported" global
	assert.Equal(t, []uint16{0, 2, 1}, ndx)
}

func TestLinuxI686StubIs32Bit(t *testing.T) {
	lib := find(t, generate(t, target.OSLinux, target.ArchI686), "libc.so.6")
	f, err := elf.NewFile(bytes.NewReader(lib.Data))
	require.NoError(t, err)
	assert.Equal(t, elf.ELFCLASS32, f.Class)
	assert.Equal(t, elf.EM_386, f.Machine)
	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	for _, s := range syms {
		if s.Name == "stdout" {
			assert.Equal(t, uint64(4), s.Size)
		}
	}
}

func TestBigEndianELF(t *testing.T) {
	stub := &ELFStub{
		Class:   elf.ELFCLASS64,
		Order:   binary.BigEndian,
		Machine: elf.EM_AARCH64,
		SoName:  "libx.so",
		Needed:  []string{"liby.so"},
		Symbols: []ELFSymbol{{Name: "f", Type: elf.STT_FUNC}, {Name: "w", Type: elf.STT_FUNC, Weak: true}},
	}
	data, err := stub.Bytes()
	require.NoError(t, err)
	f, err := elf.NewFile(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, elf.ELFDATA2MSB, f.Data)
	libs, err := f.ImportedLibraries()
	require.NoError(t, err)
	assert.Equal(t, []string{"liby.so"}, libs)
	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	require.Len(t, syms, 2)
	assert.Equal(t, elf.STB_WEAK, elf.ST_BIND(syms[1].Info))
	assert.Nil(t, f.Section(".gnu.version"))
}

func TestStubsAreDeterministic(t *testing.T) {
	for _, pair := range []Pair{
		{target.OSLinux, target.ArchX86_64},
		{target.OSLinux, target.ArchAArch64},
		{target.OSDarwin, target.ArchAArch64},
		{target.OSWindows, target.ArchX86_64},
		{target.OSWindows, target.ArchI686},
	} {
		t.Run(pair.String(), func(t *testing.T) {
			a := generate(t, pair.OS, pair.Arch)
			b := generate(t, pair.OS, pair.Arch)
			require.Equal(t, len(a), len(b))
			for i := range a {
				assert.Equal(t, a[i].Name, b[i].Name)
				assert.True(t, bytes.Equal(a[i].Data, b[i].Data), a[i].Name)
				assert.Equal(t, a[i].Digest, b[i].Digest)
			}
		})
	}
}

func TestDarwinTBDPassThrough(t *testing.T) {
	lib := find(t, generate(t, target.OSDarwin, target.ArchX86_64), "libSystem.tbd")
	embedded, err := fs.ReadFile(Descriptions(), "darwin/libSystem.tbd")
	require.NoError(t, err)
	assert.Equal(t, embedded, lib.Data)

	info, err := objfile.Identify(lib.Data)
	require.NoError(t, err)
	assert.Equal(t, objfile.KindTBD, info.Kind)
	assert.True(t, info.HasArch(target.ArchAArch64))
	assert.True(t, info.HasArch(target.ArchX86_64))

	_, err = NewProvisioner(ModeNative, Tools{}).Generate(context.Background(), target.OSDarwin, target.ArchI686)
	assert.ErrorIs(t, err, target.ErrTargetNotFound)
}

func TestTBDMustCoverArch(t *testing.T) {
	fsys := fstest.MapFS{
		"darwin/libSystem.tbd": {Data: []byte(`--- !tapi-tbd
tbd-version: 4
targets: [ x86_64-macos ]
install-name: /usr/lib/libSystem.B.dylib
exports:
  - targets: [ x86_64-macos ]
    symbols: [ _malloc ]
...
`)},
	}
	p := &Provisioner{Mode: ModeNative, FS: fsys}
	_, err := p.Generate(context.Background(), target.OSDarwin, target.ArchX86_64)
	require.NoError(t, err)
	_, err = p.Generate(context.Background(), target.OSDarwin, target.ArchAArch64)
	require.ErrorIs(t, err, ErrGenerationFailure)
	var gerr *GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "libSystem.tbd", gerr.Library)
	assert.Equal(t, target.ArchAArch64, gerr.Arch)
}

func TestWindowsImportLibrary(t *testing.T) {
	libs := generate(t, target.OSWindows, target.ArchX86_64)
	k32 := find(t, libs, "kernel32.lib")
	find(t, libs, "ucrtbase.lib")

	info, err := objfile.Identify(k32.Data)
	require.NoError(t, err)
	assert.Equal(t, objfile.KindArchive, info.Kind)
	assert.Equal(t, objfile.KindShortImport, info.Member)
	assert.Equal(t, target.FormatCOFF, info.Format)
	assert.Equal(t, []string{target.ArchX86_64}, info.Archs)

	idx := archiveSymbols(t, k32.Data)
	assert.Contains(t, idx, "ExitProcess")
	assert.Contains(t, idx, "__imp_ExitProcess")

	ucrt := archiveSymbols(t, find(t, libs, "ucrtbase.lib").Data)
	assert.Contains(t, ucrt, "__imp__environ")
	assert.NotContains(t, ucrt, "_environ", "DATA exports have no thunk symbol")
}

func TestWindowsI686Decorates(t *testing.T) {
	lib := find(t, generate(t, target.OSWindows, target.ArchI686), "kernel32.lib")
	syms := archiveSymbols(t, lib.Data)
	assert.Contains(t, syms, "_ExitProcess")
	assert.Contains(t, syms, "__imp__ExitProcess")
	info, err := objfile.Identify(lib.Data)
	require.NoError(t, err)
	assert.Equal(t, []string{target.ArchI686}, info.Archs)
}

// archiveSymbols decodes the GNU "/" index of an archive.
func archiveSymbols(t *testing.T, data []byte) []string {
	t.Helper()
	require.True(t, bytes.HasPrefix(data, []byte("!<arch>\n")))
	hdr := data[8:68]
	require.Equal(t, "/", string(bytes.TrimSpace(hdr[:16])))
	body := data[68:]
	n := int(binary.BigEndian.Uint32(body))
	strs := body[4+4*n:]
	var out []string
	for i := 0; i < n; i++ {
		end := bytes.IndexByte(strs, 0)
		require.GreaterOrEqual(t, end, 0)
		out = append(out, string(strs[:end]))
		strs = strs[end+1:]
	}
	return out
}

func TestShortImportHeader(t *testing.T) {
	lib := &ImportLibrary{DLL: "KERNEL32.dll", Machine: pe.IMAGE_FILE_MACHINE_ARM64, Imports: []Import{{Name: "Sleep", Ordinal: 7}}}
	obj, err := lib.shortImport("Sleep", 7, importCode, nameName)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(obj[2:]))
	assert.Equal(t, uint16(pe.IMAGE_FILE_MACHINE_ARM64), binary.LittleEndian.Uint16(obj[6:]))
	assert.Equal(t, uint32(len("Sleep")+1+len("KERNEL32.dll")+1), binary.LittleEndian.Uint32(obj[12:]))
	assert.Equal(t, uint16(7), binary.LittleEndian.Uint16(obj[16:]))
	assert.Equal(t, uint16(nameName<<2), binary.LittleEndian.Uint16(obj[18:]))
	assert.Equal(t, "Sleep\x00KERNEL32.dll\x00", string(obj[20:]))
}

func TestLongMemberNames(t *testing.T) {
	lib := &ImportLibrary{DLL: "api-ms-win-core-synch-l1-2-0.dll", Machine: pe.IMAGE_FILE_MACHINE_AMD64, Imports: []Import{{Name: "WakeByAddressAll"}}}
	data, err := lib.Bytes()
	require.NoError(t, err)
	assert.Contains(t, string(data), "api-ms-win-core-synch-l1-2-0.dll/\n")
	info, err := objfile.Identify(data)
	require.NoError(t, err)
	assert.Equal(t, []string{target.ArchX86_64}, info.Archs)
}

func TestParseDef(t *testing.T) {
	def, err := ParseDef([]byte(`; comment
LIBRARY foo
EXPORTS
  a
  b @3 NONAME
  c=internal_c DATA
  d PRIVATE
`))
	require.NoError(t, err)
	assert.Equal(t, "foo.dll", def.Library)
	require.Len(t, def.Exports, 4)
	assert.Equal(t, Import{Name: "b", Ordinal: 3, NoName: true}, def.Exports[1])
	assert.Equal(t, Import{Name: "c", Data: true}, def.Exports[2])
	assert.True(t, def.Exports[3].Private)

	_, err = ParseDef([]byte("LIBRARY x\nEXPORTS\n  a NONAME\n"))
	assert.Error(t, err)
	_, err = ParseDef([]byte("HEAPSIZE 4096\n"))
	assert.Error(t, err)
	_, err = ParseDef([]byte("EXPORTS\n a\n"))
	assert.Error(t, err)
}

func TestIFSResolveAndMarshal(t *testing.T) {
	data, err := fs.ReadFile(Descriptions(), "linux/libc.ifs")
	require.NoError(t, err)
	desc, err := ParseIFS(data)
	require.NoError(t, err)
	resolved, err := desc.Resolve(target.ArchAArch64, 64, binary.LittleEndian)
	require.NoError(t, err)
	assert.Nil(t, desc.Target, "Resolve must not modify the description")

	text, err := resolved.Marshal()
	require.NoError(t, err)
	again, err := ParseIFS(text)
	require.NoError(t, err)
	assert.Equal(t, "AArch64", again.Target.Arch)
	assert.Equal(t, 64, again.Target.BitWidth)
	assert.Equal(t, len(desc.Symbols), len(again.Symbols))

	_, err = ParseIFS([]byte("--- !other\nSoName: x\n"))
	assert.Error(t, err)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestExternalGeneratorFailureIsFatal(t *testing.T) {
	calls := filepath.Join(t.TempDir(), "calls")
	tool := writeScript(t, "echo x >> "+calls+"\necho 'llvm-ifs: error: bad target' >&2\nexit 1\n")
	p := NewProvisioner(ModeLLVM, Tools{LLVMIfs: tool})

	_, err := p.Generate(context.Background(), target.OSLinux, target.ArchX86_64)
	require.ErrorIs(t, err, ErrGenerationFailure)
	var gerr *GenerationError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "llvm-ifs", gerr.Tool)
	assert.Equal(t, "libc.so.6", gerr.Library)
	assert.Contains(t, gerr.Diagnostic, "bad target")

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "generation must not be retried")
}

func TestExternalGeneratorOutputIsUsed(t *testing.T) {
	// Fake dlltool: copy the .def (argument after -d) to the -l path.
	tool := writeScript(t, `while [ $# -gt 0 ]; do
  case "$1" in
    -d) in="$2"; shift ;;
    -l) out="$2"; shift ;;
  esac
  shift
done
cp "$in" "$out"
`)
	p := NewProvisioner(ModeLLVM, Tools{LLVMDlltool: tool})
	libs, err := p.Generate(context.Background(), target.OSWindows, target.ArchAArch64)
	require.NoError(t, err)
	k32 := find(t, libs, "kernel32.lib")
	assert.Contains(t, string(k32.Data), "LIBRARY KERNEL32.dll")
}

func TestGenerateAllKeepsOrder(t *testing.T) {
	pairs := PairsOf([]target.Triple{
		target.MustParseTriple("x86_64-pc-windows-msvc"),
		target.MustParseTriple("x86_64-unknown-linux-gnu"),
		target.MustParseTriple("x86_64-pc-linux-gnu"),
		target.MustParseTriple("aarch64-apple-darwin"),
	})
	require.Equal(t, []Pair{{"darwin", "aarch64"}, {"linux", "x86_64"}, {"windows", "x86_64"}}, pairs)

	p := NewProvisioner(ModeNative, Tools{})
	p.Jobs = 2
	res, err := p.GenerateAll(context.Background(), pairs)
	require.NoError(t, err)
	for i, r := range res {
		assert.Equal(t, pairs[i], r.Pair)
		assert.NotEmpty(t, r.Libraries)
	}
}

func TestSetRoundTrip(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(ModeNative, Tools{})
	var done []Pair
	set, err := p.Provision(context.Background(), root, []Pair{{"linux", "x86_64"}, {"windows", "x86_64"}}, func(pr Pair) {
		done = append(done, pr)
	})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	pairs, err := set.Pairs()
	require.NoError(t, err)
	assert.Equal(t, []Pair{{"linux", "x86_64"}, {"windows", "x86_64"}}, pairs)

	libs, err := set.Libraries(target.MustParseTriple("x86_64-unknown-linux-gnu"))
	require.NoError(t, err)
	require.Len(t, libs, 1)
	assert.Equal(t, filepath.Join(root, "linux-x86_64", "libc.so.6"), libs[0].Path)
	assert.FileExists(t, libs[0].Path)

	_, err = set.Libraries(target.MustParseTriple("aarch64-apple-darwin"))
	assert.ErrorIs(t, err, ErrSetMissing)

	require.NoError(t, os.WriteFile(libs[0].Path, []byte("tampered"), 0o644))
	_, err = set.Load(Pair{"linux", "x86_64"})
	assert.ErrorContains(t, err, "digest mismatch")

	// Rewriting a pair replaces it wholesale.
	require.NoError(t, WriteSet(root, PairLibraries{Pair: Pair{"linux", "x86_64"}, Libraries: generate(t, "linux", "x86_64")}))
	_, err = set.Load(Pair{"linux", "x86_64"})
	require.NoError(t, err)
}
