package abi

import "fmt"

// Item description bits. Data above ItemDataShift is the send base of a
// map item or the byte length of a string item.
const (
	ItemCompound uint64 = 0x01
	ItemGrant    uint64 = 0x02
	ItemString   uint64 = 0x04
	ItemMap      uint64 = 0x08
	ItemReceived uint64 = 0x10

	ItemDataShift = 10
	itemFlagsMask = 1<<ItemDataShift - 1
)

// Item is a typed message element occupying two message registers.
// The same encoding describes receive buffers in the buffer registers.
type Item struct {
	Desc uint64
	Data uint64
}

// MapItem maps fp into the receiver; sndBase selects the hot spot.
func MapItem(sndBase uint64, fp Fpage) Item {
	return Item{Desc: sndBase&^itemFlagsMask | ItemMap, Data: fp.Raw()}
}

// GrantItem is MapItem that also removes the source mapping.
func GrantItem(sndBase uint64, fp Fpage) Item {
	it := MapItem(sndBase, fp)
	it.Desc |= ItemGrant
	return it
}

// StringItem copies n bytes from addr in the sender's memory.
func StringItem(addr uint64, n uint64) Item {
	return Item{Desc: n<<ItemDataShift | ItemString, Data: addr}
}

// RecvWindow is a buffer item accepting mappings into fp.
func RecvWindow(fp Fpage) Item { return Item{Desc: ItemMap, Data: fp.Raw()} }

// RecvString is a buffer item accepting up to capacity bytes at addr.
func RecvString(addr uint64, capacity uint64) Item { return StringItem(addr, capacity) }

// WithCompound marks the item so that the next item of the same kind uses
// the same receive buffer.
func (it Item) WithCompound() Item {
	it.Desc |= ItemCompound
	return it
}

func (it Item) IsMap() bool      { return it.Desc&ItemMap != 0 }
func (it Item) IsString() bool   { return it.Desc&ItemString != 0 }
func (it Item) IsGrant() bool    { return it.Desc&ItemGrant != 0 }
func (it Item) IsCompound() bool { return it.Desc&ItemCompound != 0 }
func (it Item) IsReceived() bool { return it.Desc&ItemReceived != 0 }

// SndBase returns the send base of a map item.
func (it Item) SndBase() uint64 { return it.Desc &^ itemFlagsMask }

// Len returns the length (or capacity) of a string item.
func (it Item) Len() uint64 { return it.Desc >> ItemDataShift }

// Fpage returns the fpage of a map item.
func (it Item) Fpage() Fpage { return Fpage(it.Data) }

// Addr returns the address of a string item.
func (it Item) Addr() uint64 { return it.Data }

// Empty reports whether the item is the all-zero placeholder.
func (it Item) Empty() bool { return it.Desc == 0 && it.Data == 0 }

func (it Item) String() string {
	switch {
	case it.IsString():
		return fmt.Sprintf("string{addr=%#x len=%d}", it.Addr(), it.Len())
	case it.IsMap():
		return fmt.Sprintf("map{snd_base=%#x %s grant=%t}", it.SndBase(), it.Fpage(), it.IsGrant())
	default:
		return "item{}"
	}
}
