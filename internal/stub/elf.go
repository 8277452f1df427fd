package stub

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// ELFSymbol is one dynamic symbol of an ELF stub.
type ELFSymbol struct {
	Name      string
	Type      elf.SymType // STT_FUNC, STT_OBJECT or STT_NOTYPE
	Size      uint64
	Weak      bool
	Undefined bool
}

// ELFStub describes a minimal shared object: a dynamic symbol table and
// the dynamic section, with no code or data behind the symbols.
type ELFStub struct {
	Class   elf.Class
	Order   binary.AppendByteOrder
	Machine elf.Machine
	SoName  string
	Needed  []string
	Symbols []ELFSymbol
	// VersionNode, when set, adds .gnu.version/.gnu.version_d and puts
	// every defined symbol in that version.
	VersionNode string
}

const (
	dtVersym     = 0x6ffffff0
	dtVerdef     = 0x6ffffffc
	dtVerdefnum  = 0x6ffffffd
	verFlagBase  = 0x1
	verNdxGlobal = 1
)

type elfSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	size    int // for NOBITS
	align   int
	entsize int
	link    string
	info    int
	offset  int
	nameOff int
}

// Bytes renders the stub. The output depends only on the receiver, so the
// same description always yields the same file.
func (s *ELFStub) Bytes() ([]byte, error) {
	if s.Class != elf.ELFCLASS32 && s.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported ELF class %v", s.Class)
	}
	if s.Order == nil {
		return nil, errors.New("ELF byte order not set")
	}
	if s.SoName == "" {
		return nil, errors.New("ELF stub needs a soname")
	}
	wide := s.Class == elf.ELFCLASS64
	word := 4
	ehsize, phentsize, shentsize, symsize, dynsize := 52, 32, 40, 16, 8
	if wide {
		word = 8
		ehsize, phentsize, shentsize, symsize, dynsize = 64, 56, 64, 24, 16
	}
	newBuf := func() *wbuf { return &wbuf{order: s.Order, wide: wide} }

	syms := append([]ELFSymbol(nil), s.Symbols...)
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].Name < syms[j].Name })
	for i := 1; i < len(syms); i++ {
		if syms[i].Name == syms[i-1].Name {
			return nil, fmt.Errorf("duplicate symbol %q", syms[i].Name)
		}
	}

	dynstr := newStrtab()
	soname := dynstr.add(s.SoName)
	needed := make([]int, 0, len(s.Needed))
	for _, n := range s.Needed {
		needed = append(needed, dynstr.add(n))
	}
	symNames := make([]int, len(syms))
	for i, sym := range syms {
		symNames[i] = dynstr.add(sym.Name)
	}
	versioned := s.VersionNode != ""
	var versionName int
	if versioned {
		versionName = dynstr.add(s.VersionNode)
	}

	// Section order is fixed; indexes are derived from it.
	var sections []*elfSection
	add := func(sec *elfSection) *elfSection {
		sections = append(sections, sec)
		return sec
	}
	hash := add(&elfSection{name: ".hash", typ: elf.SHT_HASH, flags: elf.SHF_ALLOC, align: word, entsize: 4, link: ".dynsym"})
	dynsym := add(&elfSection{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, align: word, entsize: symsize, link: ".dynstr", info: 1})
	add(&elfSection{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, align: 1, data: dynstr.b, link: ""})
	var versym, verdef *elfSection
	if versioned {
		versym = add(&elfSection{name: ".gnu.version", typ: elf.SHT_GNU_VERSYM, flags: elf.SHF_ALLOC, align: 2, entsize: 2, link: ".dynsym"})
		verdef = add(&elfSection{name: ".gnu.version_d", typ: elf.SHT_GNU_VERDEF, flags: elf.SHF_ALLOC, align: word, link: ".dynstr", info: 2})
	}
	text := add(&elfSection{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, align: 16})
	dynamic := add(&elfSection{name: ".dynamic", typ: elf.SHT_DYNAMIC, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: word, entsize: dynsize, link: ".dynstr"})
	bss := add(&elfSection{name: ".bss", typ: elf.SHT_NOBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, align: word})
	shstrtab := add(&elfSection{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1})

	index := map[string]int{}
	for i, sec := range sections {
		index[sec.name] = i + 1 // section 0 is SHN_UNDEF
	}

	// .dynsym
	sb := newBuf()
	for i := 0; i < symsize; i++ {
		sb.u8(0)
	}
	for i, sym := range syms {
		bind := elf.STB_GLOBAL
		if sym.Weak {
			bind = elf.STB_WEAK
		}
		info := elf.ST_INFO(bind, sym.Type)
		shndx := 0
		if !sym.Undefined {
			switch sym.Type {
			case elf.STT_OBJECT:
				shndx = index[bss.name]
			default:
				shndx = index[text.name]
			}
		}
		if wide {
			sb.n32(symNames[i])
			sb.u8(info)
			sb.u8(0)
			sb.n16(shndx)
			sb.u64(0)
			sb.u64(sym.Size)
		} else {
			sb.n32(symNames[i])
			sb.u32(0)
			sb.word(sym.Size)
			sb.u8(info)
			sb.u8(0)
			sb.n16(shndx)
		}
	}
	if sb.err != nil {
		return nil, sb.err
	}
	dynsym.data = sb.b

	// .hash (SysV): nbucket, nchain, buckets, chains.
	nsym := len(syms) + 1
	nbucket := bucketCount(nsym)
	buckets := make([]int, nbucket)
	chains := make([]int, nsym)
	for i, sym := range syms {
		h := int(elfHash(sym.Name) % uint32(nbucket))
		chains[i+1] = buckets[h]
		buckets[h] = i + 1
	}
	hb := newBuf()
	hb.n32(nbucket)
	hb.n32(nsym)
	for _, b := range buckets {
		hb.n32(b)
	}
	for _, c := range chains {
		hb.n32(c)
	}
	if hb.err != nil {
		return nil, hb.err
	}
	hash.data = hb.b

	if versioned {
		vb := newBuf()
		vb.u16(0) // VER_NDX_LOCAL for the null symbol
		for _, sym := range syms {
			if sym.Undefined {
				vb.u16(verNdxGlobal)
			} else {
				vb.u16(verNdxGlobal + 1)
			}
		}
		versym.data = vb.b

		db := newBuf()
		defs := []struct {
			flags uint16
			name  string
			off   int
		}{
			{verFlagBase, s.SoName, soname},
			{0, s.VersionNode, versionName},
		}
		for i, d := range defs {
			next := uint32(28)
			if i == len(defs)-1 {
				next = 0
			}
			db.u16(1) // vd_version
			db.u16(d.flags)
			db.n16(i + 1) // vd_ndx
			db.u16(1)     // vd_cnt
			db.u32(elfHash(d.name))
			db.u32(20) // vd_aux
			db.u32(next)
			db.n32(d.off) // vda_name
			db.u32(0)     // vda_next
		}
		if db.err != nil {
			return nil, db.err
		}
		verdef.data = db.b
	}

	// Lay out allocated sections to get addresses for .dynamic.
	phoff := ehsize
	phnum := 2
	off := phoff + phnum*phentsize
	placeUntil := func(stop *elfSection) {
		for _, sec := range sections {
			if sec.offset != 0 || sec == stop {
				if sec == stop {
					return
				}
				continue
			}
			off = alignUp(off, sec.align)
			sec.offset = off
			off += len(sec.data)
		}
	}
	placeUntil(dynamic)

	db := newBuf()
	dyn := func(tag elf.DynTag, val int) {
		db.word(uint64(tag))
		db.word(uint64(val))
	}
	for _, n := range needed {
		dyn(elf.DT_NEEDED, n)
	}
	dyn(elf.DT_SONAME, soname)
	dyn(elf.DT_HASH, hash.offset)
	dyn(elf.DT_STRTAB, sections[index[".dynstr"]-1].offset)
	dyn(elf.DT_SYMTAB, dynsym.offset)
	dyn(elf.DT_STRSZ, len(dynstr.b))
	dyn(elf.DT_SYMENT, symsize)
	if versioned {
		dyn(dtVersym, versym.offset)
		dyn(dtVerdef, verdef.offset)
		dyn(dtVerdefnum, 2)
	}
	dyn(elf.DT_NULL, 0)
	if db.err != nil {
		return nil, db.err
	}
	dynamic.data = db.b
	off = alignUp(off, dynamic.align)
	dynamic.offset = off
	off += len(dynamic.data)
	loadEnd := off

	off = alignUp(off, bss.align)
	bss.offset = off

	shstr := newStrtab()
	for _, sec := range sections {
		sec.nameOff = shstr.add(sec.name)
	}
	shstrtab.data = shstr.b
	shstrtab.offset = off
	off += len(shstrtab.data)
	shoff := alignUp(off, word)
	shnum := len(sections) + 1

	w := newBuf()
	// ELF header
	w.bytes([]byte{0x7f, 'E', 'L', 'F', byte(s.Class), dataByte(s.Order), byte(elf.EV_CURRENT), byte(elf.ELFOSABI_NONE)})
	for w.len() < 16 {
		w.u8(0)
	}
	w.u16(uint16(elf.ET_DYN))
	w.u16(uint16(s.Machine))
	w.u32(uint32(elf.EV_CURRENT))
	w.word(0) // e_entry
	w.word(uint64(phoff))
	w.word(uint64(shoff))
	w.u32(0) // e_flags
	w.n16(ehsize)
	w.n16(phentsize)
	w.n16(phnum)
	w.n16(shentsize)
	w.n16(shnum)
	w.n16(index[shstrtab.name])

	// Program headers: one read-only load segment covering every allocated
	// byte, and the dynamic segment.
	phdr := func(typ elf.ProgType, flags elf.ProgFlag, offset, size, align int) {
		if wide {
			w.u32(uint32(typ))
			w.u32(uint32(flags))
			w.u64(uint64(offset))
			w.u64(uint64(offset))
			w.u64(uint64(offset))
			w.u64(uint64(size))
			w.u64(uint64(size))
			w.u64(uint64(align))
			return
		}
		w.u32(uint32(typ))
		w.n32(offset)
		w.n32(offset)
		w.n32(offset)
		w.n32(size)
		w.n32(size)
		w.u32(uint32(flags))
		w.n32(align)
	}
	phdr(elf.PT_LOAD, elf.PF_R|elf.PF_W, 0, loadEnd, 0x1000)
	phdr(elf.PT_DYNAMIC, elf.PF_R|elf.PF_W, dynamic.offset, len(dynamic.data), word)

	for _, sec := range sections {
		if sec.typ == elf.SHT_NOBITS {
			continue
		}
		for w.len() < sec.offset {
			w.u8(0)
		}
		w.bytes(sec.data)
	}
	for w.len() < shoff {
		w.u8(0)
	}

	// Section headers
	for i := 0; i < shentsize; i++ {
		w.u8(0)
	}
	for _, sec := range sections {
		addr := 0
		if sec.flags&elf.SHF_ALLOC != 0 {
			addr = sec.offset
		}
		size := len(sec.data)
		if sec.typ == elf.SHT_NOBITS {
			size = sec.size
		}
		link := 0
		if sec.link != "" {
			link = index[sec.link]
		}
		w.n32(sec.nameOff)
		w.u32(uint32(sec.typ))
		w.word(uint64(sec.flags))
		w.word(uint64(addr))
		w.word(uint64(sec.offset))
		w.word(uint64(size))
		w.n32(link)
		w.n32(sec.info)
		w.word(uint64(sec.align))
		w.word(uint64(sec.entsize))
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.b, nil
}

func dataByte(order binary.AppendByteOrder) byte {
	if order == binary.BigEndian {
		return byte(elf.ELFDATA2MSB)
	}
	return byte(elf.ELFDATA2LSB)
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}

// elfHash is the SysV ABI symbol hash.
func elfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g := h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

// bucketCount follows the bucket sizes GNU ld picks for small tables.
func bucketCount(nsym int) int {
	sizes := []int{1, 3, 17, 37, 67, 97, 131, 197, 263, 521, 1031, 2053, 4099, 8209, 16411}
	best := sizes[0]
	for _, s := range sizes {
		if s > nsym {
			break
		}
		best = s
	}
	return best
}
