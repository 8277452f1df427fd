// Package objfile identifies the format and architecture of link inputs
// from their headers.
package objfile

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"kiln/internal/target"
)

// Kind is the container kind of an input.
type Kind string

const (
	KindUnknown     Kind = "unknown"
	KindELF         Kind = "elf"
	KindMachO       Kind = "mach-o"
	KindCOFF        Kind = "coff"
	KindPE          Kind = "pe"
	KindTBD         Kind = "tbd"
	KindArchive     Kind = "archive"
	KindShortImport Kind = "short-import"
)

// Info is what the header says about a file.
type Info struct {
	Kind Kind
	// Format is the link ABI the file belongs to; empty when unknown.
	Format target.Format
	// Archs lists the architectures the file carries code or symbols for.
	Archs []string
	// Member is the kind of the first archive member, for archives.
	Member Kind
}

// HasArch reports whether the file covers arch.
func (i Info) HasArch(arch string) bool {
	for _, a := range i.Archs {
		if a == arch {
			return true
		}
	}
	return false
}

var (
	elfMachines = map[elf.Machine]string{
		elf.EM_X86_64:  target.ArchX86_64,
		elf.EM_386:     target.ArchI686,
		elf.EM_AARCH64: target.ArchAArch64,
	}
	machoCPUs = map[macho.Cpu]string{
		macho.CpuAmd64: target.ArchX86_64,
		macho.Cpu386:   target.ArchI686,
		macho.CpuArm64: target.ArchAArch64,
	}
	coffMachines = map[uint16]string{
		pe.IMAGE_FILE_MACHINE_AMD64: target.ArchX86_64,
		pe.IMAGE_FILE_MACHINE_I386:  target.ArchI686,
		pe.IMAGE_FILE_MACHINE_ARM64: target.ArchAArch64,
	}
)

// COFFMachine returns the IMAGE_FILE_MACHINE value for arch.
func COFFMachine(arch string) (uint16, bool) {
	for m, a := range coffMachines {
		if a == arch {
			return m, true
		}
	}
	return 0, false
}

// ELFMachine returns the e_machine value for arch.
func ELFMachine(arch string) (elf.Machine, bool) {
	for m, a := range elfMachines {
		if a == arch {
			return m, true
		}
	}
	return 0, false
}

// IdentifyFile reads the header of path.
func IdentifyFile(path string) (Info, error) {
	// #nosec G304 -- link inputs are chosen by the build
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	return Identify(data)
}

// Identify inspects an in-memory file.
func Identify(data []byte) (Info, error) {
	r := bytes.NewReader(data)
	switch {
	case bytes.HasPrefix(data, []byte(elf.ELFMAG)):
		f, err := elf.NewFile(r)
		if err != nil {
			return Info{}, fmt.Errorf("bad ELF header: %w", err)
		}
		return Info{Kind: KindELF, Format: target.FormatELF, Archs: archOf(elfMachines[f.Machine])}, nil
	case isMachO(data):
		return identifyMachO(r)
	case bytes.HasPrefix(data, []byte("--- !tapi-tbd")):
		return Info{Kind: KindTBD, Format: target.FormatMachO, Archs: tbdArchs(data)}, nil
	case bytes.HasPrefix(data, []byte("!<arch>\n")):
		return identifyArchive(data)
	case bytes.HasPrefix(data, []byte("MZ")):
		f, err := pe.NewFile(r)
		if err != nil {
			return Info{}, fmt.Errorf("bad PE header: %w", err)
		}
		return Info{Kind: KindPE, Format: target.FormatCOFF, Archs: archOf(coffMachines[f.Machine])}, nil
	}
	if info, ok := identifyShortImport(data); ok {
		return info, nil
	}
	if len(data) >= 2 {
		if arch, ok := coffMachines[binary.LittleEndian.Uint16(data)]; ok {
			if _, err := pe.NewFile(r); err == nil {
				return Info{Kind: KindCOFF, Format: target.FormatCOFF, Archs: []string{arch}}, nil
			}
		}
	}
	return Info{Kind: KindUnknown}, nil
}

func archOf(a string) []string {
	if a == "" {
		return nil
	}
	return []string{a}
}

func isMachO(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	le := binary.LittleEndian.Uint32(data)
	be := binary.BigEndian.Uint32(data)
	switch {
	case le == macho.Magic32 || le == macho.Magic64:
		return true
	case be == macho.MagicFat:
		return true
	}
	return false
}

func identifyMachO(r io.ReaderAt) (Info, error) {
	if fat, err := macho.NewFatFile(r); err == nil {
		info := Info{Kind: KindMachO, Format: target.FormatMachO}
		for _, a := range fat.Arches {
			if arch, ok := machoCPUs[a.Cpu]; ok {
				info.Archs = append(info.Archs, arch)
			}
		}
		return info, nil
	} else if !errors.Is(err, macho.ErrNotFat) {
		return Info{}, fmt.Errorf("bad universal header: %w", err)
	}
	f, err := macho.NewFile(r)
	if err != nil {
		return Info{}, fmt.Errorf("bad Mach-O header: %w", err)
	}
	return Info{Kind: KindMachO, Format: target.FormatMachO, Archs: archOf(machoCPUs[f.Cpu])}, nil
}

// tbdArchs pulls architectures out of the TBD `targets:` lists. Only macOS
// targets count.
func tbdArchs(data []byte) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "targets:") && !strings.HasPrefix(line, "- targets:") {
			continue
		}
		list := line[strings.Index(line, "[")+1:]
		list = strings.TrimSuffix(strings.TrimSpace(list), "]")
		for _, t := range strings.Split(list, ",") {
			t = strings.TrimSpace(t)
			arch, os, ok := strings.Cut(t, "-")
			if !ok || os != "macos" {
				continue
			}
			if arch == "arm64" || arch == "arm64e" {
				arch = target.ArchAArch64
			}
			if !seen[arch] {
				seen[arch] = true
				out = append(out, arch)
			}
		}
	}
	return out
}

const shortImportHeaderSize = 20

func identifyShortImport(data []byte) (Info, bool) {
	if len(data) < shortImportHeaderSize {
		return Info{}, false
	}
	if binary.LittleEndian.Uint16(data[0:]) != 0 || binary.LittleEndian.Uint16(data[2:]) != 0xFFFF {
		return Info{}, false
	}
	arch, ok := coffMachines[binary.LittleEndian.Uint16(data[6:])]
	if !ok {
		return Info{}, false
	}
	return Info{Kind: KindShortImport, Format: target.FormatCOFF, Archs: []string{arch}}, true
}

// identifyArchive walks archive members and merges what they say. Symbol
// tables and long-name tables are skipped.
func identifyArchive(data []byte) (Info, error) {
	info := Info{Kind: KindArchive}
	seen := map[string]bool{}
	off := 8
	for off+60 <= len(data) {
		hdr := data[off : off+60]
		name := strings.TrimSpace(string(hdr[0:16]))
		size, err := strconv.Atoi(strings.TrimSpace(string(hdr[48:58])))
		if err != nil || size < 0 {
			return Info{}, fmt.Errorf("bad archive member header at %d", off)
		}
		body := off + 60
		if body+size > len(data) {
			return Info{}, fmt.Errorf("truncated archive member %q", name)
		}
		if name != "/" && name != "//" && name != "/SYM64/" && !strings.HasPrefix(name, "__.SYMDEF") {
			m, err := Identify(data[body : body+size])
			if err != nil {
				return Info{}, fmt.Errorf("archive member %q: %w", name, err)
			}
			if info.Member == "" {
				info.Member = m.Kind
				info.Format = m.Format
			}
			for _, a := range m.Archs {
				if !seen[a] {
					seen[a] = true
					info.Archs = append(info.Archs, a)
				}
			}
		}
		off = body + size
		if off%2 == 1 {
			off++
		}
	}
	return info, nil
}
