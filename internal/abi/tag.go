package abi

import "fmt"

// Tag describes a message: label, flags, item count and word count.
type Tag uint64

// TagFlags occupy bits 12..15 of a tag.
type TagFlags uint64

const (
	FlagTransferFPU TagFlags = 0x1000
	FlagSchedule    TagFlags = 0x2000
	FlagPropagate   TagFlags = 0x4000
	FlagError       TagFlags = 0x8000

	tagWordsMask  = 0x3f
	tagItemsShift = 6
	tagItemsMask  = 0x3f
	tagFlagsMask  = 0xf000
	tagLabelShift = 16
)

// NewTag packs a tag. Word and item counts are truncated to their 6-bit fields.
func NewTag(label int64, words, items int, flags TagFlags) Tag {
	return Tag(uint64(label)<<tagLabelShift |
		uint64(flags)&tagFlagsMask |
		uint64(items&tagItemsMask)<<tagItemsShift |
		uint64(words&tagWordsMask))
}

// Label returns the signed label (protocol, opcode or negative error).
func (t Tag) Label() int64 { return int64(t) >> tagLabelShift }

// Words returns the number of untyped words.
func (t Tag) Words() int { return int(t & tagWordsMask) }

// Items returns the number of typed items.
func (t Tag) Items() int { return int(t>>tagItemsShift) & tagItemsMask }

// Flags returns the flag bits.
func (t Tag) Flags() TagFlags { return TagFlags(t) & tagFlagsMask }

// HasError reports whether the error flag is set.
func (t Tag) HasError() bool { return t.Flags()&FlagError != 0 }

// Footprint is the number of message registers the payload occupies.
// Every item takes two registers.
func (t Tag) Footprint() int { return t.Words() + 2*t.Items() }

// WithFlags returns a copy of t with the given flags set.
func (t Tag) WithFlags(f TagFlags) Tag { return t | Tag(f&tagFlagsMask) }

// WithLabel returns a copy of t with the label replaced.
func (t Tag) WithLabel(label int64) Tag {
	return Tag(uint64(label)<<tagLabelShift) | t&0xffff
}

// Raw returns the tag as a machine word.
func (t Tag) Raw() uint64 { return uint64(t) }

func (t Tag) String() string {
	return fmt.Sprintf("tag{label=%d words=%d items=%d flags=%#x}",
		t.Label(), t.Words(), t.Items(), uint64(t.Flags()))
}

// ErrorTag is the tag returned by a failed IPC.
func ErrorTag() Tag { return NewTag(0, 0, 0, FlagError) }
