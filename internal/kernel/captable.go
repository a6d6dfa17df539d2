package kernel

import (
	"fmt"
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
)

// entry is an immutable slot value. A weak entry does not hold a
// reference; it names the table's own task.
type entry struct {
	obj    Object
	rights abi.Rights
	weak   bool
}

// reserved marks a slot handed out by Alloc but not installed yet.
var reserved = &entry{}

// CapTable maps capability indices to objects. Each slot is an atomic
// pointer to an immutable entry, so a concurrent Resolve sees either the
// old or the new entry and never a torn one.
type CapTable struct {
	k     *Kernel
	slots []atomic.Pointer[entry]
}

func newCapTable(k *Kernel, size int) *CapTable {
	return &CapTable{k: k, slots: make([]atomic.Pointer[entry], size)}
}

// Size returns the number of slots.
func (c *CapTable) Size() int { return len(c.slots) }

func (c *CapTable) load(index uint64) *entry {
	if index == 0 || index >= uint64(len(c.slots)) {
		return nil
	}
	e := c.slots[index].Load()
	if e == nil || e.obj == nil || !e.obj.Alive() {
		return nil
	}
	return e
}

// Resolve returns the object and rights installed at index.
func (c *CapTable) Resolve(index uint64) (Object, abi.Rights, bool) {
	e := c.load(index)
	if e == nil {
		return nil, 0, false
	}
	return e.obj, e.rights, true
}

// ResolveCap resolves a selector. The selector's rights restrict the
// installed rights; a selector with the invalid bit never resolves.
func (c *CapTable) ResolveCap(cp abi.Cap) (Object, abi.Rights, bool) {
	if cp.IsInvalid() {
		return nil, 0, false
	}
	o, r, ok := c.Resolve(cp.Index())
	if !ok {
		return nil, 0, false
	}
	if sel := cp.Rights(); sel != 0 {
		r &= sel
	}
	return o, r, true
}

// Install puts o at index, dropping whatever was there.
func (c *CapTable) Install(index uint64, o Object, rights abi.Rights) error {
	err := c.install(index, o, rights, false)
	c.k.reap()
	return err
}

func (c *CapTable) install(index uint64, o Object, rights abi.Rights, weak bool) error {
	if index == 0 || index >= uint64(len(c.slots)) {
		return fmt.Errorf("%w: %d", ErrBadIndex, index)
	}
	if !weak && !o.obj().TryIncRef() {
		return ErrDeadObject
	}
	old := c.slots[index].Swap(&entry{obj: o, rights: rights, weak: weak})
	release(old)
	return nil
}

// Delete empties index, dropping the object's reference.
func (c *CapTable) Delete(index uint64) bool {
	ok := c.delete(index)
	c.k.reap()
	return ok
}

func (c *CapTable) delete(index uint64) bool {
	if index == 0 || index >= uint64(len(c.slots)) {
		return false
	}
	old := c.slots[index].Swap(nil)
	release(old)
	return old != nil && old.obj != nil
}

// Restrict removes rights from index. When no rights remain the slot is
// deleted.
func (c *CapTable) Restrict(index uint64, revoke abi.Rights) {
	for {
		e := c.load(index)
		if e == nil {
			return
		}
		left := e.rights &^ revoke
		if left == 0 {
			c.delete(index)
			return
		}
		ne := &entry{obj: e.obj, rights: left, weak: e.weak}
		if c.slots[index].CompareAndSwap(e, ne) {
			return
		}
	}
}

// Alloc reserves a free slot at or above FirstFreeCapIndex.
func (c *CapTable) Alloc() (abi.Cap, error) {
	for i := abi.FirstFreeCapIndex; i < uint64(len(c.slots)); i++ {
		if c.slots[i].CompareAndSwap(nil, reserved) {
			return abi.CapFromIndex(i), nil
		}
	}
	return abi.InvalidCap, ErrTableFull
}

// Free releases a slot reserved by Alloc that was never installed.
func (c *CapTable) Free(cp abi.Cap) {
	i := cp.Index()
	if i == 0 || i >= uint64(len(c.slots)) {
		return
	}
	c.slots[i].CompareAndSwap(reserved, nil)
}

// Len returns the number of occupied slots.
func (c *CapTable) Len() int {
	n := 0
	for i := range c.slots {
		if e := c.slots[i].Load(); e != nil && e.obj != nil {
			n++
		}
	}
	return n
}

// Each calls fn for every live slot in index order until fn returns false.
func (c *CapTable) Each(fn func(index uint64, o Object, rights abi.Rights) bool) {
	for i := 1; i < len(c.slots); i++ {
		e := c.load(uint64(i))
		if e == nil {
			continue
		}
		if !fn(uint64(i), e.obj, e.rights) {
			return
		}
	}
}

// clear drops every slot. Used when the owning task dies.
func (c *CapTable) clear() {
	for i := range c.slots {
		release(c.slots[i].Swap(nil))
	}
}

func release(e *entry) {
	if e == nil || e.obj == nil || e.weak {
		return
	}
	e.obj.obj().DecRef()
}
