package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/slab"
	"github.com/google/btree"
)

// Frame is one physical page from the frame slab. Frames are shared by
// every mapping of them and go back to the slab with the last one.
type Frame struct {
	k    *Kernel
	blk  slab.Block
	refs atomic.Int32
}

func (k *Kernel) newFrame() (*Frame, error) {
	blk, err := k.mem.Alloc(abi.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFrames, err)
	}
	return &Frame{k: k, blk: blk}, nil
}

// Bytes returns the page contents.
func (f *Frame) Bytes() []byte { return f.blk.Bytes() }

func (f *Frame) get() { f.refs.Add(1) }

func (f *Frame) put() {
	if f.refs.Add(-1) == 0 {
		_ = f.k.mem.Free(f.blk)
	}
}

// mapping is one page (or one I/O port) of an address space.
type mapping struct {
	unit   uint64
	frame  *Frame
	rights uint8
}

func mappingLess(a, b mapping) bool { return a.unit < b.unit }

// Space is a task's memory and I/O port space.
type Space struct {
	mu  sync.RWMutex
	mem *btree.BTreeG[mapping]
	io  *btree.BTreeG[mapping]
}

func newSpace() *Space {
	return &Space{
		mem: btree.NewG(16, mappingLess),
		io:  btree.NewG(16, mappingLess),
	}
}

// Page returns the mapping of the page containing addr.
func (s *Space) page(addr uint64) (mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Get(mapping{unit: addr >> abi.PageShift})
}

// mapPage installs frame at page number unit. An existing mapping is
// replaced, so the last map wins.
func (s *Space) mapPage(unit uint64, f *Frame, rights uint8) {
	f.get()
	s.mu.Lock()
	old, had := s.mem.ReplaceOrInsert(mapping{unit: unit, frame: f, rights: rights})
	s.mu.Unlock()
	if had {
		old.frame.put()
	}
}

func (s *Space) unmapPage(unit uint64) {
	s.mu.Lock()
	old, had := s.mem.Delete(mapping{unit: unit})
	s.mu.Unlock()
	if had {
		old.frame.put()
	}
}

// pagesIn returns the mappings within [unit, unit+2^order).
func (s *Space) pagesIn(tree *btree.BTreeG[mapping], unit uint64, order uint) []mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []mapping
	visit := func(m mapping) bool {
		out = append(out, m)
		return true
	}
	if order >= 64 {
		tree.Ascend(visit)
		return out
	}
	end := unit + uint64(1)<<order
	if end <= unit {
		tree.AscendGreaterOrEqual(mapping{unit: unit}, visit)
		return out
	}
	tree.AscendRange(mapping{unit: unit}, mapping{unit: end}, visit)
	return out
}

func (s *Space) mapIO(port uint64, rights uint8) {
	s.mu.Lock()
	s.io.ReplaceOrInsert(mapping{unit: port, rights: rights})
	s.mu.Unlock()
}

func (s *Space) unmapIO(port uint64) {
	s.mu.Lock()
	s.io.Delete(mapping{unit: port})
	s.mu.Unlock()
}

// HasIO reports whether port is mapped.
func (s *Space) HasIO(port uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.io.Has(mapping{unit: port})
}

// Pages returns the number of mapped memory pages.
func (s *Space) Pages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.Len()
}

// Ports returns the number of mapped I/O ports.
func (s *Space) Ports() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.io.Len()
}

// Mapped reports whether addr is mapped with at least rights.
func (s *Space) Mapped(addr uint64, rights uint8) bool {
	m, ok := s.page(addr)
	return ok && m.rights&rights == rights
}

// fault returns the first address in [addr, addr+n) that is not mapped
// with the required rights.
func (s *Space) fault(addr, n uint64, write bool) (uint64, bool) {
	if n == 0 {
		return 0, false
	}
	need := abi.MemR
	if write {
		need = abi.MemW
	}
	first := addr >> abi.PageShift
	last := (addr + n - 1) >> abi.PageShift
	for p := first; p <= last; p++ {
		a := p << abi.PageShift
		if p == first {
			a = addr
		}
		if !s.Mapped(a, need) {
			return a, true
		}
	}
	return 0, false
}

// read copies len(buf) bytes starting at addr.
func (s *Space) read(addr uint64, buf []byte) error {
	if a, bad := s.fault(addr, uint64(len(buf)), false); bad {
		return fmt.Errorf("%w: read at %#x", ErrPageFault, a)
	}
	for done := 0; done < len(buf); {
		a := addr + uint64(done)
		m, _ := s.page(a)
		off := a & (abi.PageSize - 1)
		done += copy(buf[done:], m.frame.Bytes()[off:])
	}
	return nil
}

// write copies data to addr.
func (s *Space) write(addr uint64, data []byte) error {
	if a, bad := s.fault(addr, uint64(len(data)), true); bad {
		return fmt.Errorf("%w: write at %#x", ErrPageFault, a)
	}
	for done := 0; done < len(data); {
		a := addr + uint64(done)
		m, _ := s.page(a)
		off := a & (abi.PageSize - 1)
		done += copy(m.frame.Bytes()[off:], data[done:])
	}
	return nil
}

// release drops every mapping.
func (s *Space) release() {
	s.mu.Lock()
	var frames []*Frame
	s.mem.Ascend(func(m mapping) bool {
		frames = append(frames, m.frame)
		return true
	})
	s.mem.Clear(false)
	s.io.Clear(false)
	s.mu.Unlock()

	for _, f := range frames {
		f.put()
	}
}
