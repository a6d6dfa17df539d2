package kernel

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
	"go.uber.org/zap"
)

// Unmap flags.
const (
	// UnmapSelf also revokes the invoking task's own mappings.
	UnmapSelf uint64 = 0x80000000
	// UnmapDelete deletes capabilities instead of only restricting them.
	UnmapDelete uint64 = 0xc0000000
)

// Task is a protection domain: a capability table and an address space.
type Task struct {
	kobj
	name  string
	caps  *CapTable
	space *Space

	mu      sync.Mutex
	threads []*Thread
}

// newTask creates a task with the well-known capabilities installed. The
// caller holds the creation reference.
func (k *Kernel) newTask(name string) (*Task, error) {
	t := &Task{name: name, space: newSpace()}
	if err := k.create(t, KindTask, id.TaskPrefix); err != nil {
		return nil, err
	}
	t.caps = newCapTable(k, k.cfg.CapTableSize)

	// The self capability is weak: a task does not keep itself alive.
	if err := t.caps.install(abi.TaskCapIndex, t, abi.RightsAll, true); err != nil {
		return nil, err
	}
	if err := t.caps.install(abi.FactoryCapIndex, k.factory, abi.RightsAll, false); err != nil {
		return nil, err
	}
	if err := t.caps.install(abi.LogCapIndex, k.logObj, abi.RightsRW, false); err != nil {
		return nil, err
	}
	k.log.Debug("task created", zap.String("id", t.id.String()), zap.String("name", name))
	return t, nil
}

// NewTask creates a task on the boot path. It stays alive until Shutdown.
func (k *Kernel) NewTask(name string) (*Task, error) {
	t, err := k.newTask(name)
	if err != nil {
		return nil, err
	}
	k.tmu.Lock()
	k.tasks = append(k.tasks, t)
	k.tmu.Unlock()
	return t, nil
}

// Name returns the debug name.
func (t *Task) Name() string { return t.name }

// Caps returns the capability table.
func (t *Task) Caps() *CapTable { return t.caps }

// Space returns the address space.
func (t *Task) Space() *Space { return t.space }

// Threads returns the threads bound to the task.
func (t *Task) Threads() []*Thread {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Thread(nil), t.threads...)
}

func (t *Task) addThread(th *Thread) {
	t.mu.Lock()
	t.threads = append(t.threads, th)
	t.mu.Unlock()
}

func (t *Task) removeThread(th *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.threads {
		if x == th {
			t.threads = append(t.threads[:i], t.threads[i+1:]...)
			return
		}
	}
}

// adopt installs a freshly created object, preferring slot want when it
// is free, and drops the creation reference.
func (t *Task) adopt(o Object, rights abi.Rights, want uint64) (abi.Cap, error) {
	defer func() {
		o.obj().DecRef()
		t.k.reap()
	}()

	if want != 0 && t.caps.slots[want].CompareAndSwap(nil, reserved) {
		if err := t.caps.install(want, o, rights, false); err != nil {
			t.caps.Free(abi.CapFromIndex(want))
			return abi.InvalidCap, err
		}
		return abi.CapFromIndex(want).WithRights(rights), nil
	}
	cp, err := t.caps.Alloc()
	if err != nil {
		return abi.InvalidCap, err
	}
	if err := t.caps.install(cp.Index(), o, rights, false); err != nil {
		t.caps.Free(cp)
		return abi.InvalidCap, err
	}
	return cp.WithRights(rights), nil
}

// InstallCap gives the task a capability to o in a free slot.
func (t *Task) InstallCap(o Object, rights abi.Rights) (abi.Cap, error) {
	cp, err := t.caps.Alloc()
	if err != nil {
		return abi.InvalidCap, err
	}
	if err := t.caps.install(cp.Index(), o, rights, false); err != nil {
		t.caps.Free(cp)
		return abi.InvalidCap, err
	}
	return cp.WithRights(rights), nil
}

// Delete removes a capability from the task's table.
func (t *Task) Delete(cp abi.Cap) bool {
	return t.caps.Delete(cp.Index())
}

// NewThread creates a thread in the task. The first thread lands in the
// well-known thread slot.
func (t *Task) NewThread(name string) (*Thread, abi.Cap, error) {
	th, err := t.k.newThread(t, name)
	if err != nil {
		return nil, abi.InvalidCap, err
	}
	cp, err := t.adopt(th, abi.RightsAll, abi.ThreadCapIndex)
	if err != nil {
		return nil, abi.InvalidCap, err
	}
	return th, cp, nil
}

// NewGate creates an IPC gate bound to th with label, installed in the task.
func (t *Task) NewGate(th *Thread, label uint64) (abi.Cap, *Gate, error) {
	g, err := t.k.newGate(th, label)
	if err != nil {
		return abi.InvalidCap, nil, err
	}
	cp, err := t.adopt(g, abi.RightsAll, 0)
	return cp, g, err
}

// NewIRQ creates an IRQ object installed in the task.
func (t *Task) NewIRQ() (abi.Cap, *IRQ, error) {
	irq, err := t.k.newIRQ()
	if err != nil {
		return abi.InvalidCap, nil, err
	}
	cp, err := t.adopt(irq, abi.RightsAll, 0)
	return cp, irq, err
}

// NewDataspace creates a dataspace of size bytes installed in the task.
func (t *Task) NewDataspace(size uint64) (abi.Cap, *Dataspace, error) {
	ds, err := t.k.newDataspace(size)
	if err != nil {
		return abi.InvalidCap, nil, err
	}
	cp, err := t.adopt(ds, abi.RightsAll, 0)
	return cp, ds, err
}

// MapAnon backs [addr, addr+size) with fresh zeroed frames.
func (t *Task) MapAnon(addr, size uint64, rights uint8) error {
	if addr&(abi.PageSize-1) != 0 {
		return fmt.Errorf("kernel: unaligned address %#x", addr)
	}
	for off := uint64(0); off < size; off += abi.PageSize {
		f, err := t.k.newFrame()
		if err != nil {
			return err
		}
		t.space.mapPage((addr+off)>>abi.PageShift, f, rights)
	}
	return nil
}

// ReadMem copies n bytes from the task's memory.
func (t *Task) ReadMem(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := t.space.read(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteMem copies data into the task's memory.
func (t *Task) WriteMem(addr uint64, data []byte) error {
	return t.space.write(addr, data)
}

// unmap revokes rights on every mapping covered by fp.
func (t *Task) unmap(fp abi.Fpage, flags uint64) {
	switch fp.Type() {
	case abi.FpageMemory:
		for _, m := range t.space.pagesIn(t.space.mem, fp.Unit(), fp.UnitOrder()) {
			left := m.rights &^ fp.Rights()
			if left == 0 {
				t.space.unmapPage(m.unit)
				continue
			}
			t.space.mapPage(m.unit, m.frame, left)
		}
	case abi.FpageIO:
		for _, m := range t.space.pagesIn(t.space.io, fp.Unit(), fp.UnitOrder()) {
			t.space.unmapIO(m.unit)
		}
	case abi.FpageObj:
		start := fp.Unit()
		end := uint64(t.caps.Size())
		if o := fp.UnitOrder(); o < 64 && start+uint64(1)<<o < end {
			end = start + uint64(1)<<o
		}
		for i := start; i < end; i++ {
			if flags&UnmapDelete == UnmapDelete {
				t.caps.delete(i)
				continue
			}
			t.caps.Restrict(i, abi.Rights(fp.Rights()))
		}
	}
}

// destroy kills the task's threads and drops its capabilities and memory.
func (t *Task) destroy() {
	k := t.k
	k.mu.Lock()
	for _, th := range t.Threads() {
		k.kill(th)
	}
	k.mu.Unlock()

	t.caps.clear()
	t.space.release()
}

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	ID      string `json:"id" cbor:"1,keyasint"`
	Name    string `json:"name" cbor:"2,keyasint"`
	Caps    int    `json:"caps" cbor:"3,keyasint"`
	Pages   int    `json:"pages" cbor:"4,keyasint"`
	Ports   int    `json:"ports" cbor:"5,keyasint"`
	Threads int    `json:"threads" cbor:"6,keyasint"`
}

// Info returns the task's statistics.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	n := len(t.threads)
	t.mu.Unlock()
	return TaskInfo{
		ID:      t.id.String(),
		Name:    t.name,
		Caps:    t.caps.Len(),
		Pages:   t.space.Pages(),
		Ports:   t.space.Ports(),
		Threads: n,
	}
}
