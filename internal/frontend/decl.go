package frontend

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"kiln/internal/codegen"
	"kiln/internal/target"
)

// Decl lowers declarative units (`*.ku`, TOML). A unit lists external
// declarations and functions whose bodies are straight-line sequences of
// calls ending in a return:
//
//	[unit]
//	when = ["unix"]
//
//	[[extern]]
//	name = "exit"
//	params = ["i32"]
//
//	[[func]]
//	name = "kiln_exit"
//	params = ["i32"]
//	body = [
//	  { call = "exit", args = ["%0"] },
//	  { unreachable = true },
//	]
//
// Operands are parameters (`%0`), earlier call results (`$name`) or typed
// integer constants (`i32:1`). A `when` list on the unit, an extern or a
// function restricts it to targets matching any entry (an OS, an architecture,
// "unix", or a negation such as "!windows").
type Decl struct{}

// DeclExt is the file extension of declarative units.
const DeclExt = ".ku"

type declUnit struct {
	Unit   declHeader `toml:"unit"`
	Extern []declFunc `toml:"extern"`
	Func   []declFunc `toml:"func"`
}

type declHeader struct {
	When []string `toml:"when"`
}

type declFunc struct {
	Name     string     `toml:"name"`
	Ret      string     `toml:"ret"`
	Params   []string   `toml:"params"`
	Variadic bool       `toml:"variadic"`
	Linkage  string     `toml:"linkage"`
	When     []string   `toml:"when"`
	Body     []declStep `toml:"body"`
}

type declStep struct {
	Call        string   `toml:"call"`
	Args        []string `toml:"args"`
	As          string   `toml:"as"`
	Ret         *string  `toml:"ret"`
	Unreachable bool     `toml:"unreachable"`
}

// Lower implements Frontend.
func (Decl) Lower(ctx context.Context, unit Unit, env Env) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var du declUnit
	meta, err := toml.Decode(string(unit.Source), &du)
	if err != nil {
		return &Error{Unit: unit.Name, Path: unit.Path, Msg: "parse", Err: err}
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return unitError(unit, "unknown keys: %s", strings.Join(keys, ", "))
	}
	ok, err := Matches(du.Unit.When, env.Triple)
	if err != nil {
		return unitError(unit, "%v", err)
	}
	if !ok {
		return nil
	}

	l := &declLowering{unit: unit, env: env, c: env.Context, m: env.Module}
	for _, ext := range du.Extern {
		if len(ext.Body) > 0 {
			return unitError(unit, "extern %s has a body", ext.Name)
		}
		ok, err := Matches(ext.When, env.Triple)
		if err != nil {
			return unitError(unit, "extern %s: %v", ext.Name, err)
		}
		if !ok {
			continue
		}
		if _, err := l.declare(ext); err != nil {
			return err
		}
	}
	var defs []declFunc
	var fns []*codegen.Function
	for _, fd := range du.Func {
		ok, err := Matches(fd.When, env.Triple)
		if err != nil {
			return unitError(unit, "func %s: %v", fd.Name, err)
		}
		if !ok {
			continue
		}
		fn, err := l.declare(fd)
		if err != nil {
			return err
		}
		if !fn.IsDeclaration() {
			return unitError(unit, "func %s is defined twice", fd.Name)
		}
		if err := l.linkage(fn, fd.Linkage); err != nil {
			return err
		}
		defs = append(defs, fd)
		fns = append(fns, fn)
	}
	// Bodies come after every signature so calls may refer forward.
	for i, fd := range defs {
		if err := l.body(fns[i], fd); err != nil {
			return err
		}
	}
	return nil
}

type declLowering struct {
	unit Unit
	env  Env
	c    *codegen.Context
	m    *codegen.Module
}

func (l *declLowering) typ(name string) (codegen.Type, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "" || name == "void":
		return l.c.Void(), nil
	case name == "ptr":
		return l.c.Pointer(l.c.I8()), nil
	case name == "usize" || name == "isize":
		return l.c.Int(l.pointerBits()), nil
	case strings.HasPrefix(name, "*"):
		elem, err := l.typ(name[1:])
		if err != nil {
			return codegen.Type{}, err
		}
		if elem.IsVoid() {
			return codegen.Type{}, fmt.Errorf("pointer to void, use ptr")
		}
		return l.c.Pointer(elem), nil
	case strings.HasPrefix(name, "i"):
		bits, err := strconv.ParseUint(name[1:], 10, 8)
		if err != nil || bits == 0 || bits > 128 {
			return codegen.Type{}, fmt.Errorf("unknown type %q", name)
		}
		return l.c.Int(bits), nil
	default:
		return codegen.Type{}, fmt.Errorf("unknown type %q", name)
	}
}

func (l *declLowering) pointerBits() uint64 {
	if l.env.Layout != nil {
		return uint64(l.env.Layout.PointerSize()) * 8
	}
	return uint64(l.env.Triple.PointerBits())
}

func (l *declLowering) signature(fd declFunc) (codegen.FuncType, error) {
	ret, err := l.typ(fd.Ret)
	if err != nil {
		return codegen.FuncType{}, err
	}
	params := make([]codegen.Type, 0, len(fd.Params))
	for _, p := range fd.Params {
		t, err := l.typ(p)
		if err != nil {
			return codegen.FuncType{}, err
		}
		if t.IsVoid() {
			return codegen.FuncType{}, fmt.Errorf("void parameter")
		}
		params = append(params, t)
	}
	return l.c.FuncType(ret, params, fd.Variadic), nil
}

// declare adds fd to the module, or returns the existing function when a
// previous unit declared the same signature.
func (l *declLowering) declare(fd declFunc) (*codegen.Function, error) {
	if fd.Name == "" {
		return nil, unitError(l.unit, "function without a name")
	}
	sig, err := l.signature(fd)
	if err != nil {
		return nil, unitError(l.unit, "%s: %v", fd.Name, err)
	}
	if fn, ok := l.m.Function(fd.Name); ok {
		if fn.Signature().String() != sig.String() {
			return nil, unitError(l.unit, "%s redeclared as %s (was %s)", fd.Name, sig, fn.Signature())
		}
		return fn, nil
	}
	return l.m.AddFunction(fd.Name, sig), nil
}

func (l *declLowering) linkage(fn *codegen.Function, name string) error {
	switch name {
	case "", "external":
		fn.SetLinkage(codegen.LinkageExternal)
	case "internal":
		fn.SetLinkage(codegen.LinkageInternal)
	case "weak":
		fn.SetLinkage(codegen.LinkageWeak)
	default:
		return unitError(l.unit, "%s: unknown linkage %q", fn.Name(), name)
	}
	return nil
}

func (l *declLowering) body(fn *codegen.Function, fd declFunc) (err error) {
	if len(fd.Body) == 0 {
		return unitError(l.unit, "func %s has no body", fd.Name)
	}
	b := l.c.NewBuilder()
	defer func() {
		if derr := b.Dispose(); derr != nil && err == nil {
			err = derr
		}
	}()
	b.PositionAtEnd(fn.AppendBlock("entry"))
	named := map[string]codegen.Value{}
	ret := fn.Signature().Return()

	for i, st := range fd.Body {
		last := i == len(fd.Body)-1
		switch {
		case st.Call != "":
			callee, ok := l.m.Function(st.Call)
			if !ok {
				return unitError(l.unit, "%s: call to undeclared %s", fd.Name, st.Call)
			}
			args, err := l.operands(fn, named, callee.Signature(), st.Args)
			if err != nil {
				return unitError(l.unit, "%s: call %s: %v", fd.Name, st.Call, err)
			}
			v := b.Call(callee, args...)
			if st.As != "" {
				if callee.Signature().Return().IsVoid() {
					return unitError(l.unit, "%s: %s returns nothing to bind to %s", fd.Name, st.Call, st.As)
				}
				named[st.As] = v
			}
			if last {
				return unitError(l.unit, "%s: body must end with ret or unreachable", fd.Name)
			}
		case st.Ret != nil:
			if !last {
				return unitError(l.unit, "%s: ret must be the last step", fd.Name)
			}
			if *st.Ret == "" || *st.Ret == "void" {
				if !ret.IsVoid() {
					return unitError(l.unit, "%s: missing return value of type %s", fd.Name, ret)
				}
				b.RetVoid()
				return nil
			}
			v, err := l.operand(fn, named, *st.Ret)
			if err != nil {
				return unitError(l.unit, "%s: ret: %v", fd.Name, err)
			}
			if v.Type().String() != ret.String() {
				return unitError(l.unit, "%s: returns %s, want %s", fd.Name, v.Type(), ret)
			}
			b.Ret(v)
			return nil
		case st.Unreachable:
			if !last {
				return unitError(l.unit, "%s: unreachable must be the last step", fd.Name)
			}
			b.Unreachable()
			return nil
		default:
			return unitError(l.unit, "%s: step %d is empty", fd.Name, i)
		}
	}
	return nil
}

func (l *declLowering) operands(fn *codegen.Function, named map[string]codegen.Value, sig codegen.FuncType, args []string) ([]codegen.Value, error) {
	params := sig.Params()
	if len(args) < len(params) || (len(args) > len(params) && !sig.Variadic()) {
		return nil, fmt.Errorf("got %d arguments, want %d", len(args), len(params))
	}
	out := make([]codegen.Value, 0, len(args))
	for i, a := range args {
		v, err := l.operand(fn, named, a)
		if err != nil {
			return nil, err
		}
		if i < len(params) && v.Type().String() != params[i].String() {
			return nil, fmt.Errorf("argument %d is %s, want %s", i, v.Type(), params[i])
		}
		out = append(out, v)
	}
	return out, nil
}

func (l *declLowering) operand(fn *codegen.Function, named map[string]codegen.Value, s string) (codegen.Value, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "%"):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 || n >= len(fn.Signature().Params()) {
			return codegen.Value{}, fmt.Errorf("no parameter %s", s)
		}
		return fn.Param(n), nil
	case strings.HasPrefix(s, "$"):
		v, ok := named[s[1:]]
		if !ok {
			return codegen.Value{}, fmt.Errorf("undefined value %s", s)
		}
		return v, nil
	}
	typName, lit, ok := strings.Cut(s, ":")
	if !ok {
		return codegen.Value{}, fmt.Errorf("bad operand %q", s)
	}
	t, err := l.typ(typName)
	if err != nil {
		return codegen.Value{}, err
	}
	if t.IntWidth() == 0 {
		return codegen.Value{}, fmt.Errorf("constant of non-integer type %s", t)
	}
	x, err := strconv.ParseInt(lit, 0, 64)
	if err != nil {
		return codegen.Value{}, fmt.Errorf("bad constant %q", s)
	}
	return l.c.ConstInt(t, x), nil
}

// Matches reports whether t satisfies any of the conditions. An empty list
// matches every target.
func Matches(when []string, t target.Triple) (bool, error) {
	if len(when) == 0 {
		return true, nil
	}
	for _, cond := range when {
		cond = strings.TrimSpace(cond)
		neg := strings.HasPrefix(cond, "!")
		cond = strings.TrimPrefix(cond, "!")
		var hit bool
		switch cond {
		case "unix":
			hit = t.IsUnix()
		case target.OSLinux, target.OSDarwin, target.OSWindows:
			hit = t.OS == cond
		case target.ArchX86_64, target.ArchI686, target.ArchAArch64:
			hit = t.Arch == cond
		default:
			return false, fmt.Errorf("unknown condition %q", cond)
		}
		if hit != neg {
			return true, nil
		}
	}
	return false, nil
}
