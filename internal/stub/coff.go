package stub

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Import is one export of a DLL as seen by an import library.
type Import struct {
	Name    string
	Ordinal uint16
	NoName  bool
	Data    bool
	Private bool
}

// ImportLibrary describes a short-import-format `.lib` for one DLL.
type ImportLibrary struct {
	DLL     string
	Machine uint16
	// Decorate adds the leading underscore of 32-bit x86 C symbols.
	Decorate bool
	Imports  []Import
}

// import object name types
const (
	importCode = 0
	importData = 1

	nameOrdinal    = 0
	nameName       = 1
	nameNoPrefix   = 2
	nameUndecorate = 3
)

type arMember struct {
	name    string
	data    []byte
	symbols []string
}

// Bytes renders the archive. Timestamps are zero and members appear in
// sorted export order, so the same description always yields the same bytes.
func (l *ImportLibrary) Bytes() ([]byte, error) {
	if l.DLL == "" {
		return nil, fmt.Errorf("import library needs a DLL name")
	}
	imports := append([]Import(nil), l.Imports...)
	sort.SliceStable(imports, func(i, j int) bool { return imports[i].Name < imports[j].Name })

	var members []arMember
	for i, imp := range imports {
		if i > 0 && imports[i-1].Name == imp.Name {
			return nil, fmt.Errorf("duplicate export %q", imp.Name)
		}
		if imp.Private {
			continue
		}
		sym := imp.Name
		nameType := nameName
		if l.Decorate {
			sym = "_" + imp.Name
			nameType = nameUndecorate
		}
		if imp.NoName {
			nameType = nameOrdinal
		}
		typ := importCode
		syms := []string{"__imp_" + sym, sym}
		if imp.Data {
			typ = importData
			syms = syms[:1]
		}
		obj, err := l.shortImport(sym, imp.Ordinal, typ, nameType)
		if err != nil {
			return nil, err
		}
		members = append(members, arMember{name: l.DLL, data: obj, symbols: syms})
	}
	return writeArchive(members)
}

func (l *ImportLibrary) shortImport(sym string, hint uint16, typ, nameType int) ([]byte, error) {
	w := &wbuf{order: binary.LittleEndian}
	w.u16(0)      // Sig1: IMAGE_FILE_MACHINE_UNKNOWN
	w.u16(0xFFFF) // Sig2
	w.u16(0)      // Version
	w.u16(l.Machine)
	w.u32(0) // TimeDateStamp
	w.n32(len(sym) + 1 + len(l.DLL) + 1)
	w.u16(hint)
	w.n16(typ | nameType<<2)
	w.str(sym)
	w.u8(0)
	w.str(l.DLL)
	w.u8(0)
	return w.b, w.err
}

// writeArchive produces a System V/GNU `ar` archive whose first member is a
// GNU symbol index ("/"), followed by a long-name table when needed.
func writeArchive(members []arMember) ([]byte, error) {
	// Long names.
	var longNames strings.Builder
	names := make([]string, len(members))
	longOff := map[string]int{}
	for i, m := range members {
		n := m.name + "/"
		if len(n) <= 16 {
			names[i] = n
			continue
		}
		off, ok := longOff[m.name]
		if !ok {
			off = longNames.Len()
			longOff[m.name] = off
			longNames.WriteString(m.name + "/\n")
		}
		names[i] = "/" + strconv.Itoa(off)
	}

	nsyms := 0
	var symNames strings.Builder
	for _, m := range members {
		for _, s := range m.symbols {
			nsyms++
			symNames.WriteString(s)
			symNames.WriteByte(0)
		}
	}
	indexSize := 4 + 4*nsyms + symNames.Len()

	// Offsets of member headers.
	off := 8 + 60 + indexSize + indexSize%2
	if longNames.Len() > 0 {
		off += 60 + longNames.Len() + longNames.Len()%2
	}
	offsets := make([]int, len(members))
	for i, m := range members {
		offsets[i] = off
		off += 60 + len(m.data) + len(m.data)%2
	}

	w := &wbuf{order: binary.BigEndian}
	w.str("!<arch>\n")
	if err := arHeader(w, "/", indexSize); err != nil {
		return nil, err
	}
	w.n32(nsyms)
	for i, m := range members {
		for range m.symbols {
			w.n32(offsets[i])
		}
	}
	w.str(symNames.String())
	w.align(2)
	if longNames.Len() > 0 {
		if err := arHeader(w, "//", longNames.Len()); err != nil {
			return nil, err
		}
		w.str(longNames.String())
		for w.len()%2 != 0 {
			w.u8('\n')
		}
	}
	for i, m := range members {
		if w.len() != offsets[i] {
			return nil, fmt.Errorf("archive layout mismatch at member %d", i)
		}
		if err := arHeader(w, names[i], len(m.data)); err != nil {
			return nil, err
		}
		w.bytes(m.data)
		for w.len()%2 != 0 {
			w.u8('\n')
		}
	}
	return w.b, w.err
}

func arHeader(w *wbuf, name string, size int) error {
	if len(name) > 16 {
		return fmt.Errorf("archive member name %q too long", name)
	}
	field := func(s string, width int) {
		w.str(s)
		for i := len(s); i < width; i++ {
			w.u8(' ')
		}
	}
	field(name, 16)
	field("0", 12) // date
	field("0", 6)  // uid
	field("0", 6)  // gid
	field("644", 8)
	field(strconv.Itoa(size), 10)
	w.str("`\n")
	return nil
}
