package abi

import "fmt"

// Cap is a capability selector: a task-local index plus rights bits.
type Cap uint64

// Rights are the object rights carried in the low bits of a capability.
type Rights uint8

const (
	RightW    Rights = 0x1
	RightS    Rights = 0x2
	RightR    Rights = 0x4
	RightD    Rights = 0x8
	RightsRW  Rights = RightR | RightW
	RightsRWS Rights = RightR | RightW | RightS
	RightsAll Rights = RightR | RightW | RightS | RightD

	CapShift      = 12
	capRightsMask = 0xf

	// InvalidCapBit marks a selector as invalid regardless of its index.
	InvalidCapBit Cap = 1 << 11
	// InvalidCap is the canonical invalid selector.
	InvalidCap Cap = InvalidCapBit
)

// Well-known capability slots installed into every task.
const (
	TaskCapIndex      uint64 = 1
	FactoryCapIndex   uint64 = 2
	ThreadCapIndex    uint64 = 3
	PagerCapIndex     uint64 = 4
	LogCapIndex       uint64 = 5
	SchedulerCapIndex uint64 = 7
	// FirstFreeCapIndex is the first slot not reserved by the kernel.
	FirstFreeCapIndex uint64 = 8
)

// CapFromIndex builds a selector without rights.
func CapFromIndex(index uint64) Cap { return Cap(index << CapShift) }

// Index returns the table index.
func (c Cap) Index() uint64 { return uint64(c) >> CapShift }

// Rights returns the rights bits.
func (c Cap) Rights() Rights { return Rights(c & capRightsMask) }

// WithRights returns c with its rights replaced.
func (c Cap) WithRights(r Rights) Cap { return c&^capRightsMask | Cap(r)&capRightsMask }

// IsInvalid reports whether the selector is syntactically invalid.
// A valid-looking selector may still resolve to nothing.
func (c Cap) IsInvalid() bool { return c&InvalidCapBit != 0 || c.Index() == 0 }

// Raw returns the selector as a machine word.
func (c Cap) Raw() uint64 { return uint64(c) }

func (c Cap) String() string {
	if c&InvalidCapBit != 0 {
		return "cap{invalid}"
	}
	return fmt.Sprintf("cap{%d %s}", c.Index(), c.Rights())
}

// Has reports whether r includes every bit of want.
func (r Rights) Has(want Rights) bool { return r&want == want }

func (r Rights) String() string {
	b := []byte("----")
	if r&RightR != 0 {
		b[0] = 'r'
	}
	if r&RightW != 0 {
		b[1] = 'w'
	}
	if r&RightS != 0 {
		b[2] = 's'
	}
	if r&RightD != 0 {
		b[3] = 'd'
	}
	return string(b)
}
