package stub

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// ModuleDef is a parsed module-definition (.def) file.
type ModuleDef struct {
	Library string
	Exports []Import
}

// ParseDef reads the LIBRARY and EXPORTS statements of a .def file.
// Other statements are rejected.
func ParseDef(data []byte) (*ModuleDef, error) {
	out := &ModuleDef{}
	inExports := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "LIBRARY":
			if len(fields) < 2 {
				return nil, fmt.Errorf("def:%d: LIBRARY needs a name", line)
			}
			out.Library = strings.Trim(fields[1], `"`)
			inExports = false
			continue
		case "EXPORTS":
			inExports = true
			fields = fields[1:]
			if len(fields) == 0 {
				continue
			}
		}
		if !inExports {
			return nil, fmt.Errorf("def:%d: unsupported statement %q", line, fields[0])
		}
		imp, err := parseExport(fields)
		if err != nil {
			return nil, fmt.Errorf("def:%d: %w", line, err)
		}
		out.Exports = append(out.Exports, imp)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if out.Library == "" {
		return nil, fmt.Errorf("def: missing LIBRARY statement")
	}
	if !strings.Contains(out.Library, ".") {
		out.Library += ".dll"
	}
	return out, nil
}

func parseExport(fields []string) (Import, error) {
	name := fields[0]
	if i := strings.IndexByte(name, '='); i >= 0 {
		name = name[:i]
	}
	imp := Import{Name: name}
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "@"):
			n, err := strconv.ParseUint(f[1:], 10, 16)
			if err != nil {
				return Import{}, fmt.Errorf("bad ordinal %q for %s", f, name)
			}
			imp.Ordinal = uint16(n)
		case strings.EqualFold(f, "NONAME"):
			imp.NoName = true
		case strings.EqualFold(f, "DATA"):
			imp.Data = true
		case strings.EqualFold(f, "PRIVATE"):
			imp.Private = true
		case strings.EqualFold(f, "CONSTANT"):
			return Import{}, fmt.Errorf("CONSTANT exports are not supported (%s)", name)
		default:
			return Import{}, fmt.Errorf("unexpected token %q after %s", f, name)
		}
	}
	if imp.NoName && imp.Ordinal == 0 {
		return Import{}, fmt.Errorf("NONAME export %s needs an ordinal", name)
	}
	return imp, nil
}

// ImportLibrary converts the definition into an import library for machine.
func (d *ModuleDef) ImportLibrary(machine uint16, decorate bool) *ImportLibrary {
	return &ImportLibrary{DLL: d.Library, Machine: machine, Decorate: decorate, Imports: d.Exports}
}
