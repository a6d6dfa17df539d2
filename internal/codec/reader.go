package codec

import (
	"math"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/utcb"
)

// Reader decodes a received message. Reads past the end set a sticky
// ErrShort and return zero values.
type Reader struct {
	u     *utcb.UTCB
	words int
	items int
	off   int
	next  int
	err   error
	cut   bool
}

// NewReader reads the message described by tag from u.
func NewReader(u *utcb.UTCB, tag abi.Tag) *Reader {
	return &Reader{u: u, words: tag.Words(), items: tag.Items()}
}

// Err returns the first read error. A truncated inline array is reported
// as ErrMsgCut when nothing worse happened.
func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	if r.cut {
		return ErrMsgCut
	}
	return nil
}

// Remaining returns the number of unread bytes in the untyped words.
func (r *Reader) Remaining() int {
	if n := r.words*wordSize - r.off; n > 0 {
		return n
	}
	return 0
}

// Items returns the number of unread items.
func (r *Reader) Items() int { return r.items - r.next }

func (r *Reader) get(n int) uint64 {
	if r.err != nil {
		return 0
	}
	off := (r.off + n - 1) &^ (n - 1)
	if off+n > r.words*wordSize {
		r.err = ErrShort
		return 0
	}
	word, shift := off/wordSize, uint(off%wordSize)*8
	v := r.u.MR[word] >> shift
	if n < wordSize {
		v &= uint64(1)<<(uint(n)*8) - 1
	}
	r.off = off + n
	return v
}

func (r *Reader) Uint8() uint8   { return uint8(r.get(1)) }
func (r *Reader) Uint16() uint16 { return uint16(r.get(2)) }
func (r *Reader) Uint32() uint32 { return uint32(r.get(4)) }
func (r *Reader) Uint64() uint64 { return r.get(8) }
func (r *Reader) Int8() int8     { return int8(r.get(1)) }
func (r *Reader) Int16() int16   { return int16(r.get(2)) }
func (r *Reader) Int32() int32   { return int32(r.get(4)) }
func (r *Reader) Int64() int64   { return int64(r.get(8)) }
func (r *Reader) Bool() bool     { return r.get(1) != 0 }

func (r *Reader) Float32() float32 { return math.Float32frombits(uint32(r.get(4))) }
func (r *Reader) Float64() float64 { return math.Float64frombits(r.get(8)) }

func (r *Reader) Fpage() abi.Fpage { return abi.Fpage(r.get(8)) }

// Bytes reads an inline array. At most capacity bytes are kept (zero
// keeps all); a longer array is truncated and ErrMsgCut returned. An array the
// kernel cut short is truncated the same way.
func (r *Reader) Bytes(capacity int) ([]byte, error) {
	n := r.get(8)
	if r.err != nil {
		return nil, r.err
	}
	cut := false
	if avail := uint64(r.Remaining()); n > avail {
		n, cut = avail, true
	}
	keep := n
	if capacity > 0 && keep > uint64(capacity) {
		keep, cut = uint64(capacity), true
	}
	out := make([]byte, keep)
	for i := range out {
		out[i] = uint8(r.get(1))
	}
	r.off += int(n - keep)
	if cut {
		r.cut = true
		return out, ErrMsgCut
	}
	return out, nil
}

// String is Bytes returning a string.
func (r *Reader) String(capacity int) (string, error) {
	b, err := r.Bytes(capacity)
	return string(b), err
}

// Item returns the next typed item.
func (r *Reader) Item() (abi.Item, error) {
	if r.err != nil {
		return abi.Item{}, r.err
	}
	if r.next >= r.items {
		r.err = ErrNoItem
		return abi.Item{}, r.err
	}
	it := r.u.Item(r.words, r.next)
	r.next++
	return it, nil
}

// Cap returns the capability an object map item delivered. The selector
// carries the received rights.
func (r *Reader) Cap() (abi.Cap, error) {
	it, err := r.Item()
	if err != nil {
		return abi.InvalidCap, err
	}
	fp := it.Fpage()
	if !it.IsMap() || fp.Type() != abi.FpageObj {
		r.err = ErrNoItem
		return abi.InvalidCap, r.err
	}
	return abi.CapFromIndex(fp.Unit()).WithRights(abi.Rights(fp.Rights())), nil
}

// Mapping returns a received memory or I/O mapping.
func (r *Reader) Mapping() (Mapping, error) {
	it, err := r.Item()
	if err != nil {
		return Mapping{}, err
	}
	if !it.IsMap() {
		r.err = ErrNoItem
		return Mapping{}, r.err
	}
	return Mapping{Fpage: it.Fpage(), SndBase: it.SndBase(), Grant: it.IsGrant()}, nil
}

// Indirect returns where a string item landed and its length.
func (r *Reader) Indirect() (Indirect, error) {
	it, err := r.Item()
	if err != nil {
		return Indirect{}, err
	}
	if !it.IsString() {
		r.err = ErrNoItem
		return Indirect{}, r.err
	}
	return Indirect{Addr: it.Addr(), Len: it.Len()}, nil
}
