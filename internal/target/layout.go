package target

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// DataLayout is an immutable snapshot of a machine's ABI.
type DataLayout struct {
	repr       string
	order      binary.ByteOrder
	ptrBytes   int
	stackAlign int
	mangling   byte

	mu       sync.Mutex
	disposed bool
}

// ParseDataLayout parses an LLVM data layout string. Only the components the
// toolchain reads are interpreted; the rest is kept verbatim.
func ParseDataLayout(s string) (*DataLayout, error) {
	dl := &DataLayout{repr: s, order: binary.LittleEndian, ptrBytes: 8}
	for _, spec := range strings.Split(s, "-") {
		switch {
		case spec == "e":
			dl.order = binary.LittleEndian
		case spec == "E":
			dl.order = binary.BigEndian
		case strings.HasPrefix(spec, "m:") && len(spec) == 3:
			dl.mangling = spec[2]
		case strings.HasPrefix(spec, "p:") || strings.HasPrefix(spec, "p0:"):
			fields := strings.Split(spec, ":")
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed pointer spec %q in layout %q", spec, s)
			}
			bits, err := strconv.Atoi(fields[1])
			if err != nil || bits%8 != 0 || bits == 0 {
				return nil, fmt.Errorf("malformed pointer size %q in layout %q", spec, s)
			}
			dl.ptrBytes = bits / 8
		case strings.HasPrefix(spec, "S"):
			bits, err := strconv.Atoi(spec[1:])
			if err != nil {
				return nil, fmt.Errorf("malformed stack alignment %q in layout %q", spec, s)
			}
			dl.stackAlign = bits / 8
		}
	}
	return dl, nil
}

func (dl *DataLayout) mustLive() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.disposed {
		panic(ErrMachineDisposed)
	}
}

// PointerSize returns the size of a default address space pointer in bytes.
func (dl *DataLayout) PointerSize() int {
	dl.mustLive()
	return dl.ptrBytes
}

// ByteOrder returns the target endianness.
func (dl *DataLayout) ByteOrder() binary.ByteOrder {
	dl.mustLive()
	return dl.order
}

// StackAlign returns the natural stack alignment in bytes, 0 if unspecified.
func (dl *DataLayout) StackAlign() int {
	dl.mustLive()
	return dl.stackAlign
}

// GlobalPrefix returns the prefix the mangling mode adds to C symbols.
func (dl *DataLayout) GlobalPrefix() string {
	dl.mustLive()
	switch dl.mangling {
	case 'o', 'x':
		return "_"
	default:
		return ""
	}
}

// String returns the layout string for module headers.
func (dl *DataLayout) String() string { return dl.repr }

// Dispose releases the snapshot. A second call returns ErrMachineDisposed.
func (dl *DataLayout) Dispose() error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.disposed {
		return ErrMachineDisposed
	}
	dl.disposed = true
	return nil
}
