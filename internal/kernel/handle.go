package kernel

import "github.com/GriffinCanCode/l4core/internal/abi"

// Owned is an owning handle to a capability slot. Close deletes it.
type Owned struct {
	table *CapTable
	cap   abi.Cap
}

// Own wraps an installed slot.
func Own(table *CapTable, cp abi.Cap) *Owned {
	return &Owned{table: table, cap: cp}
}

// Cap returns the selector.
func (h *Owned) Cap() abi.Cap { return h.cap }

// Borrow returns a non-owning view of the slot.
func (h *Owned) Borrow() Borrowed { return Borrowed{table: h.table, cap: h.cap} }

// Close deletes the capability. Closing twice is a no-op.
func (h *Owned) Close() error {
	if h.cap.IsInvalid() {
		return nil
	}
	h.table.Delete(h.cap.Index())
	h.cap = abi.InvalidCap
	return nil
}

// Borrowed is a non-owning handle for transient use. It must not outlive
// the Owned handle or table entry it came from.
type Borrowed struct {
	table *CapTable
	cap   abi.Cap
}

// Cap returns the selector.
func (b Borrowed) Cap() abi.Cap { return b.cap }

// Resolve looks the slot up.
func (b Borrowed) Resolve() (Object, abi.Rights, bool) {
	if b.table == nil {
		return nil, 0, false
	}
	return b.table.ResolveCap(b.cap)
}

// Weak is a back-reference that does not keep its object alive.
type Weak struct {
	o Object
}

// WeakRef returns a weak reference to o.
func WeakRef(o Object) Weak { return Weak{o: o} }

// Get returns a counted reference if the object is still alive. The
// caller must Release it.
func (w Weak) Get() (Ref, bool) {
	if w.o == nil || !w.o.obj().TryIncRef() {
		return Ref{}, false
	}
	return Ref{o: w.o}, true
}

// Valid reports whether the weak reference names anything.
func (w Weak) Valid() bool { return w.o != nil }

// Ref is a counted reference obtained from a Weak.
type Ref struct {
	o Object
}

// Object returns the referenced object.
func (r Ref) Object() Object { return r.o }

// Release drops the reference.
func (r Ref) Release() {
	if r.o != nil {
		r.o.obj().DecRef()
	}
}
