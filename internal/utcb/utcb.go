// Package utcb implements the user thread control block: the fixed-layout
// register file every thread uses as its only IPC transfer buffer.
//
// A UTCB is not synchronized. Only the owning thread, or the kernel while
// that thread is blocked in IPC, may touch it.
package utcb

import (
	"github.com/GriffinCanCode/l4core/internal/abi"
)

const (
	// MRCount is the number of message registers.
	MRCount = 63
	// BRCount is the number of buffer registers.
	BRCount = 58
	// TCRCount is the number of thread-control registers.
	TCRCount = 8

	// MaxBufferItems is the number of two-word buffer items the BRs hold.
	MaxBufferItems = BRCount / 2

	wordSize = 8

	MROffset  = 0
	BROffset  = MROffset + MRCount*wordSize
	BDROffset = BROffset + BRCount*wordSize
	TCROffset = BDROffset + wordSize
	Size      = TCROffset + TCRCount*wordSize
)

// Thread-control register slots.
const (
	TCRError    = 0
	TCRFreeMark = 1
	TCRUser0    = 2
)

// UTCB is the per-thread register file.
type UTCB struct {
	MR  [MRCount]uint64
	BR  [BRCount]uint64
	BDR uint64
	TCR [TCRCount]uint64
}

// New returns a zeroed UTCB.
func New() *UTCB {
	return &UTCB{}
}

// Error returns the error code of the last IPC.
func (u *UTCB) Error() abi.IPCError {
	return abi.IPCErrorFromTCR(u.TCR[TCRError])
}

// SetError stores an IPC error code.
func (u *UTCB) SetError(e abi.IPCError) {
	u.TCR[TCRError] = uint64(e)
}

// SetItem writes item i of a message with the given number of words.
// It reports false when the item does not fit.
func (u *UTCB) SetItem(words, i int, it abi.Item) bool {
	r := words + 2*i
	if r < 0 || r+1 >= MRCount {
		return false
	}
	u.MR[r] = it.Desc
	u.MR[r+1] = it.Data
	return true
}

// Item reads item i of a message with the given number of words.
func (u *UTCB) Item(words, i int) abi.Item {
	r := words + 2*i
	if r < 0 || r+1 >= MRCount {
		return abi.Item{}
	}
	return abi.Item{Desc: u.MR[r], Data: u.MR[r+1]}
}

// SetBuffers replaces the buffer items. Items beyond MaxBufferItems are
// dropped; the number stored is returned.
func (u *UTCB) SetBuffers(items ...abi.Item) int {
	n := len(items)
	if n > MaxBufferItems {
		n = MaxBufferItems
	}
	for i := 0; i < n; i++ {
		u.BR[2*i] = items[i].Desc
		u.BR[2*i+1] = items[i].Data
	}
	u.BDR = uint64(n)
	return n
}

// Buffers returns the buffer items currently offered.
func (u *UTCB) Buffers() []abi.Item {
	n := int(u.BDR)
	if n > MaxBufferItems {
		n = MaxBufferItems
	}
	out := make([]abi.Item, n)
	for i := range out {
		out[i] = abi.Item{Desc: u.BR[2*i], Data: u.BR[2*i+1]}
	}
	return out
}

// ClearBuffers withdraws every buffer item.
func (u *UTCB) ClearBuffers() {
	u.BDR = 0
}

// Reset zeroes all registers.
func (u *UTCB) Reset() {
	*u = UTCB{}
}
