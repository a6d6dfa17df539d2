package abi

import "fmt"

// Fpage is a flex-page: a naturally aligned, power-of-two sized region of
// memory, I/O ports or capability slots.
type Fpage uint64

// FpageType selects the address space an fpage refers to.
type FpageType uint8

const (
	FpageSpecial FpageType = 0
	FpageMemory  FpageType = 1
	FpageIO      FpageType = 2
	FpageObj     FpageType = 3
)

// Memory rights.
const (
	MemX   uint8 = 0x1
	MemW   uint8 = 0x2
	MemR   uint8 = 0x4
	MemRW  uint8 = MemR | MemW
	MemRWX uint8 = MemR | MemW | MemX
)

const (
	fpageRightsMask = 0xf
	fpageTypeShift  = 4
	fpageTypeMask   = 0x3
	fpageOrderShift = 6
	fpageOrderMask  = 0x3f
	fpageBaseMask   = ^uint64(0xfff)

	// PageShift is the memory page size order.
	PageShift = 12
	// PageSize is the size of one memory page in bytes.
	PageSize = 1 << PageShift
	// MaxOrder is the largest encodable order; used by the wildcard fpage.
	MaxOrder = 63
)

func newFpage(base uint64, order uint, t FpageType, rights uint8) Fpage {
	return Fpage(base&fpageBaseMask |
		uint64(order&fpageOrderMask)<<fpageOrderShift |
		uint64(t&fpageTypeMask)<<fpageTypeShift |
		uint64(rights&fpageRightsMask))
}

// MemFpage describes 2^order bytes of memory at addr.
func MemFpage(addr uint64, order uint, rights uint8) Fpage {
	return newFpage(addr, order, FpageMemory, rights)
}

// IOFpage describes 2^order I/O ports starting at port.
func IOFpage(port uint64, order uint, rights uint8) Fpage {
	return newFpage(port<<PageShift, order, FpageIO, rights)
}

// ObjFpage describes 2^order capability slots starting at index.
func ObjFpage(index uint64, order uint, rights Rights) Fpage {
	return newFpage(index<<PageShift, order, FpageObj, uint8(rights))
}

// FpageAll is the receive wildcard accepting any mapping of type t.
func FpageAll(t FpageType) Fpage {
	return newFpage(0, MaxOrder, t, fpageRightsMask)
}

// Type returns the fpage type.
func (f Fpage) Type() FpageType { return FpageType(uint64(f)>>fpageTypeShift) & fpageTypeMask }

// Order returns the raw size order (bytes for memory, units otherwise).
func (f Fpage) Order() uint { return uint(uint64(f)>>fpageOrderShift) & fpageOrderMask }

// Rights returns the raw rights bits.
func (f Fpage) Rights() uint8 { return uint8(f & fpageRightsMask) }

// Base returns the raw base bits.
func (f Fpage) Base() uint64 { return uint64(f) & fpageBaseMask }

// Unit returns the first unit covered: page number, port or cap index.
func (f Fpage) Unit() uint64 {
	return f.Base() >> PageShift
}

// UnitOrder returns log2 of the number of units covered.
func (f Fpage) UnitOrder() uint {
	if f.Type() == FpageMemory {
		if f.Order() < PageShift {
			return 0
		}
		return f.Order() - PageShift
	}
	return f.Order()
}

// IsAll reports whether f is a receive wildcard.
func (f Fpage) IsAll() bool { return f.Order() == MaxOrder && f.Base() == 0 }

// Valid reports whether the fpage is well formed: a mappable type, a
// memory order of at least one page and a base aligned to its size.
func (f Fpage) Valid() bool {
	switch f.Type() {
	case FpageMemory:
		if f.Order() < PageShift {
			return false
		}
	case FpageIO, FpageObj:
	default:
		return false
	}
	uo := f.UnitOrder()
	if uo >= 64-PageShift {
		return f.Unit() == 0
	}
	return f.Unit()&(uint64(1)<<uo-1) == 0
}

// Raw returns the fpage as a machine word.
func (f Fpage) Raw() uint64 { return uint64(f) }

func (t FpageType) String() string {
	switch t {
	case FpageMemory:
		return "mem"
	case FpageIO:
		return "io"
	case FpageObj:
		return "obj"
	default:
		return "special"
	}
}

func (f Fpage) String() string {
	return fmt.Sprintf("fpage{%s base=%#x order=%d rights=%#x}", f.Type(), f.Base(), f.Order(), f.Rights())
}
