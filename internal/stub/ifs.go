package stub

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"kiln/internal/objfile"
	"kiln/internal/target"
)

const ifsHeader = "--- !ifs-v1\n"

// IFS is an interface stub description of an ELF shared object, in the
// text format llvm-ifs reads.
type IFS struct {
	IfsVersion string      `yaml:"IfsVersion"`
	SoName     string      `yaml:"SoName"`
	Target     *IFSTarget  `yaml:"Target,omitempty"`
	NeededLibs []string    `yaml:"NeededLibs,omitempty"`
	Symbols    []IFSSymbol `yaml:"Symbols"`
}

// IFSTarget pins the ELF flavor of the output.
type IFSTarget struct {
	ObjectFormat string `yaml:"ObjectFormat"`
	Arch         string `yaml:"Arch"`
	Endianness   string `yaml:"Endianness"`
	BitWidth     int    `yaml:"BitWidth"`
}

// IFSSymbol is one exported symbol.
type IFSSymbol struct {
	Name      string  `yaml:"Name"`
	Type      string  `yaml:"Type"`
	Size      *uint64 `yaml:"Size,omitempty"`
	Undefined bool    `yaml:"Undefined,omitempty"`
	Weak      bool    `yaml:"Weak,omitempty"`
}

// ParseIFS reads an IFS document.
func ParseIFS(data []byte) (*IFS, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse IFS: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("parse IFS: empty document")
	}
	root := doc.Content[0]
	if root.Tag != "!ifs-v1" {
		return nil, fmt.Errorf("parse IFS: unexpected document tag %q", root.Tag)
	}
	root.Tag = ""
	var out IFS
	if err := root.Decode(&out); err != nil {
		return nil, fmt.Errorf("parse IFS: %w", err)
	}
	if out.SoName == "" {
		return nil, fmt.Errorf("parse IFS: SoName is required")
	}
	for _, s := range out.Symbols {
		switch s.Type {
		case "Func", "Object", "NoType":
		default:
			return nil, fmt.Errorf("parse IFS: symbol %s has unsupported type %q", s.Name, s.Type)
		}
	}
	return &out, nil
}

// ifsArch maps architectures to the machine names llvm-ifs uses.
var ifsArch = map[string]string{
	target.ArchX86_64:  "x86_64",
	target.ArchI686:    "i386",
	target.ArchAArch64: "AArch64",
}

// Resolve returns a copy of the description pinned to arch: the Target is
// filled in and Object symbols without a size get the pointer size.
func (f *IFS) Resolve(arch string, bits int, order binary.ByteOrder) (*IFS, error) {
	name, ok := ifsArch[arch]
	if !ok {
		return nil, fmt.Errorf("no ELF machine for %s", arch)
	}
	out := *f
	out.IfsVersion = "3.0"
	endian := "little"
	if order == binary.BigEndian {
		endian = "big"
	}
	out.Target = &IFSTarget{ObjectFormat: "ELF", Arch: name, Endianness: endian, BitWidth: bits}
	out.Symbols = make([]IFSSymbol, len(f.Symbols))
	for i, s := range f.Symbols {
		if s.Type == "Object" && s.Size == nil {
			size := uint64(bits / 8)
			s.Size = &size
		}
		out.Symbols[i] = s
	}
	return &out, nil
}

// Marshal renders the description in llvm-ifs syntax.
func (f *IFS) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(ifsHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("...\n")
	return buf.Bytes(), nil
}

// ELF converts a resolved description into a stub writer input.
func (f *IFS) ELF(versionNode string) (*ELFStub, error) {
	if f.Target == nil {
		return nil, fmt.Errorf("IFS %s has no target", f.SoName)
	}
	var arch string
	for a, n := range ifsArch {
		if strings.EqualFold(n, f.Target.Arch) {
			arch = a
		}
	}
	machine, ok := objfile.ELFMachine(arch)
	if !ok {
		return nil, fmt.Errorf("IFS %s: unknown arch %q", f.SoName, f.Target.Arch)
	}
	stub := &ELFStub{
		Class:       elf.ELFCLASS64,
		Order:       binary.LittleEndian,
		Machine:     machine,
		SoName:      f.SoName,
		Needed:      f.NeededLibs,
		VersionNode: versionNode,
	}
	if f.Target.BitWidth == 32 {
		stub.Class = elf.ELFCLASS32
	}
	if f.Target.Endianness == "big" {
		stub.Order = binary.BigEndian
	}
	for _, s := range f.Symbols {
		sym := ELFSymbol{Name: s.Name, Weak: s.Weak, Undefined: s.Undefined}
		switch s.Type {
		case "Func":
			sym.Type = elf.STT_FUNC
		case "Object":
			sym.Type = elf.STT_OBJECT
		default:
			sym.Type = elf.STT_NOTYPE
		}
		if s.Size != nil {
			sym.Size = *s.Size
		}
		stub.Symbols = append(stub.Symbols, sym)
	}
	return stub, nil
}
