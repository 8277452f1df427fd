package stub

import (
	"encoding/binary"
	"fmt"

	"fortio.org/safecast"
)

// wbuf is an append-only binary buffer with a fixed byte order. Conversion
// failures are sticky and reported once by the caller through err.
type wbuf struct {
	b     []byte
	order binary.AppendByteOrder
	wide  bool // 64-bit addresses
	err   error
}

func (w *wbuf) len() int { return len(w.b) }

func (w *wbuf) u8(v uint8) { w.b = append(w.b, v) }

func (w *wbuf) u16(v uint16) { w.b = w.order.AppendUint16(w.b, v) }

func (w *wbuf) u32(v uint32) { w.b = w.order.AppendUint32(w.b, v) }

func (w *wbuf) u64(v uint64) { w.b = w.order.AppendUint64(w.b, v) }

// word writes a native-width address or size.
func (w *wbuf) word(v uint64) {
	if w.wide {
		w.u64(v)
		return
	}
	n, err := safecast.Conv[uint32](v)
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("value %#x does not fit a 32-bit field: %w", v, err)
	}
	w.u32(n)
}

// n32 writes an int as a 32-bit field.
func (w *wbuf) n32(v int) {
	n, err := safecast.Conv[uint32](v)
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("value %d does not fit a 32-bit field: %w", v, err)
	}
	w.u32(n)
}

// n16 writes an int as a 16-bit field.
func (w *wbuf) n16(v int) {
	n, err := safecast.Conv[uint16](v)
	if err != nil && w.err == nil {
		w.err = fmt.Errorf("value %d does not fit a 16-bit field: %w", v, err)
	}
	w.u16(n)
}

func (w *wbuf) bytes(p []byte) { w.b = append(w.b, p...) }

func (w *wbuf) str(s string) { w.b = append(w.b, s...) }

func (w *wbuf) align(n int) {
	for len(w.b)%n != 0 {
		w.b = append(w.b, 0)
	}
}

// strtab is a NUL-separated string table with deduplication.
type strtab struct {
	b   []byte
	off map[string]int
}

func newStrtab() *strtab {
	return &strtab{b: []byte{0}, off: map[string]int{"": 0}}
}

func (t *strtab) add(s string) int {
	if o, ok := t.off[s]; ok {
		return o
	}
	o := len(t.b)
	t.b = append(t.b, s...)
	t.b = append(t.b, 0)
	t.off[s] = o
	return o
}
