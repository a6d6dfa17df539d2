package codec

import (
	"errors"
	"fmt"
	"math"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
)

const wordSize = 8

var (
	// ErrMsgCut reports inline data truncated to the receiver's capacity.
	ErrMsgCut = errors.New("codec: message cut")
	// ErrTooLong reports a message that does not fit the registers.
	ErrTooLong = fmt.Errorf("codec: message exceeds %d registers: %w", utcb.MRCount, abi.EMSGTOOLONG)
	// ErrShort reports a read past the end of the message.
	ErrShort = fmt.Errorf("codec: message too short: %w", abi.EMSGTOOSHORT)
	// ErrNoItem reports a missing or mistyped item.
	ErrNoItem = fmt.Errorf("codec: expected item missing: %w", abi.EINVAL)
)

// Indirect names bytes in the sender's memory. It travels as a string
// item; the kernel copies the bytes into the receiver's string buffer.
type Indirect struct {
	Addr uint64
	Len  uint64
}

// Mapping is a memory or I/O flex-page sent as a map item. On the
// receiving side Fpage is where the pages arrived.
type Mapping struct {
	Fpage   abi.Fpage
	SndBase uint64
	Grant   bool
}

func (m Mapping) item() abi.Item {
	if m.Grant {
		return abi.GrantItem(m.SndBase, m.Fpage)
	}
	return abi.MapItem(m.SndBase, m.Fpage)
}

// Writer serializes values into a UTCB. The first error sticks; later
// writes are ignored and Finish reports it.
type Writer struct {
	u     *utcb.UTCB
	off   int
	items []abi.Item
	err   error
}

// NewWriter starts an empty message in u.
func NewWriter(u *utcb.UTCB) *Writer {
	return &Writer{u: u}
}

// Reset discards everything written so far.
func (w *Writer) Reset() {
	w.off = 0
	w.items = w.items[:0]
	w.err = nil
}

// Err returns the first write error.
func (w *Writer) Err() error { return w.err }

// Words returns the number of untyped words written so far.
func (w *Writer) Words() int { return (w.off + wordSize - 1) / wordSize }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.off }

func (w *Writer) fits(end, items int) bool {
	return (end+wordSize-1)/wordSize+2*items <= utcb.MRCount
}

// put stores the low n bytes of v at the next n-aligned offset.
func (w *Writer) put(n int, v uint64) {
	if w.err != nil {
		return
	}
	off := (w.off + n - 1) &^ (n - 1)
	if !w.fits(off+n, len(w.items)) {
		w.err = ErrTooLong
		return
	}
	word, shift := off/wordSize, uint(off%wordSize)*8
	mask := ^uint64(0)
	if n < wordSize {
		mask = uint64(1)<<(uint(n)*8) - 1
	}
	w.u.MR[word] = w.u.MR[word]&^(mask<<shift) | (v&mask)<<shift
	w.off = off + n
}

func (w *Writer) PutUint8(v uint8)   { w.put(1, uint64(v)) }
func (w *Writer) PutUint16(v uint16) { w.put(2, uint64(v)) }
func (w *Writer) PutUint32(v uint32) { w.put(4, uint64(v)) }
func (w *Writer) PutUint64(v uint64) { w.put(8, v) }
func (w *Writer) PutInt8(v int8)     { w.put(1, uint64(v)) }
func (w *Writer) PutInt16(v int16)   { w.put(2, uint64(v)) }
func (w *Writer) PutInt32(v int32)   { w.put(4, uint64(v)) }
func (w *Writer) PutInt64(v int64)   { w.put(8, uint64(v)) }

func (w *Writer) PutBool(v bool) {
	var b uint64
	if v {
		b = 1
	}
	w.put(1, b)
}

func (w *Writer) PutFloat32(v float32) { w.put(4, uint64(math.Float32bits(v))) }
func (w *Writer) PutFloat64(v float64) { w.put(8, math.Float64bits(v)) }

// PutFpage writes a flex-page as a plain word. Use PutMapping to map it.
func (w *Writer) PutFpage(fp abi.Fpage) { w.put(8, fp.Raw()) }

// PutBytes writes a length word followed by the bytes.
func (w *Writer) PutBytes(b []byte) {
	w.put(8, uint64(len(b)))
	if w.err != nil {
		return
	}
	if !w.fits(w.off+len(b), len(w.items)) {
		w.err = ErrTooLong
		return
	}
	for _, c := range b {
		w.put(1, uint64(c))
	}
}

func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

func (w *Writer) putItem(it abi.Item) {
	if w.err != nil {
		return
	}
	if !w.fits(w.off, len(w.items)+1) {
		w.err = ErrTooLong
		return
	}
	w.items = append(w.items, it)
}

// PutCap sends the capability with rights masked to rights. It arrives
// in the receiver's object window.
func (w *Writer) PutCap(cp abi.Cap, rights abi.Rights) {
	w.putItem(abi.MapItem(0, abi.ObjFpage(cp.Index(), 0, rights)))
}

// PutMapping sends a memory or I/O mapping.
func (w *Writer) PutMapping(m Mapping) { w.putItem(m.item()) }

// PutIndirect sends bytes from the sender's memory as a string item.
func (w *Writer) PutIndirect(in Indirect) { w.putItem(abi.StringItem(in.Addr, in.Len)) }

// Finish places the items after the words and returns the message tag.
func (w *Writer) Finish(label int64) (abi.Tag, error) {
	if w.err != nil {
		return 0, w.err
	}
	words := w.Words()
	// Clear the tail of a partly written last word.
	if rem := w.off % wordSize; rem != 0 {
		w.u.MR[words-1] &= uint64(1)<<(uint(rem)*8) - 1
	}
	for i, it := range w.items {
		w.u.SetItem(words, i, it)
	}
	return abi.NewTag(label, words, len(w.items), 0), nil
}
