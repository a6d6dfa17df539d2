package kernel

import (
	"fmt"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"go.uber.org/zap"
)

// fault is a missing page found while preparing a transfer.
type fault struct {
	thread *Thread
	task   *Task
	addr   uint64
	write  bool
	sender bool
}

// timeoutCode is the send-phase code reported when the fault stays
// unresolved.
func (f *fault) timeoutCode() abi.IPCError {
	if f.sender {
		return abi.IPCSendSndPFTimeout
	}
	return abi.IPCSendRcvPFTimeout
}

// resolveFault calls the faulting thread's pager from a transient fault
// context in the faulting task. The pager answers with a map item that
// lands in that task's address space. Must be called without k.mu.
func (k *Kernel) resolveFault(f *fault, snd, rcv *Thread) abi.IPCError {
	f.thread.faults.Add(1)

	k.mu.Lock()
	ref, ok := f.thread.pager.Get()
	k.mu.Unlock()
	if !ok {
		k.observeFault("no_pager")
		return f.timeoutCode()
	}
	defer ref.Release()

	// A pager that is one of the two parties would wait for itself.
	pager, _ := ref.Object().(*Thread)
	if pager == nil || pager == snd || pager == rcv {
		k.observeFault("deadlock")
		return f.timeoutCode()
	}

	fc := k.faultContext(f.task)
	var write uint64
	if f.write {
		write = 1
	}
	fc.utcb.MR[0] = f.addr&^0x7 | write<<1
	fc.utcb.MR[1] = 0
	fc.utcb.SetBuffers(abi.RecvWindow(abi.FpageAll(abi.FpageMemory)))

	to := abi.NeverTimeouts
	if k.cfg.PagerTimeout > 0 {
		rt := abi.RelTimeout(k.cfg.PagerTimeout)
		to = abi.NewTimeouts(rt, rt)
	}

	k.mu.Lock()
	_, err := k.call(fc, route{dst: pager}, abi.NewTag(abi.ProtoPageFault, 2, 0, 0), to)
	k.mu.Unlock()

	switch err {
	case abi.IPCOK:
		k.observeFault("resolved")
		return abi.IPCOK
	case abi.IPCRecvMapFailed, abi.IPCSendMapFailed:
		k.observeFault("map_failed")
		k.log.Warn("pager mapping failed",
			zap.String("thread", f.thread.name),
			zap.Uint64("addr", f.addr))
		return abi.IPCSendMapFailed
	default:
		k.observeFault("timeout")
		k.log.Warn("page fault unresolved",
			zap.String("thread", f.thread.name),
			zap.Uint64("addr", f.addr),
			zap.Stringer("error", err))
		return f.timeoutCode()
	}
}

// mapRange maps 2^order units of type t from one task to another. Rights
// are the source rights masked by rights; grant removes the source.
// Existing destination entries are replaced. The source range is read
// and, for grant, removed before any destination is written, so ranges
// overlapping in one task move as a whole.
func (k *Kernel) mapRange(from, to *Task, t abi.FpageType, src, dst uint64, order uint, rights uint8, grant bool) error {
	switch t {
	case abi.FpageMemory:
		var move []mapping
		for _, m := range from.space.pagesIn(from.space.mem, src, order) {
			if m.rights&rights == 0 {
				continue
			}
			m.frame.get()
			move = append(move, m)
		}
		if grant {
			for _, m := range move {
				from.space.unmapPage(m.unit)
			}
		}
		for _, m := range move {
			to.space.mapPage(dst+(m.unit-src), m.frame, m.rights&rights)
			m.frame.put()
		}
	case abi.FpageIO:
		var move []mapping
		for _, m := range from.space.pagesIn(from.space.io, src, order) {
			if m.rights&rights != 0 {
				move = append(move, m)
			}
		}
		if grant {
			for _, m := range move {
				from.space.unmapIO(m.unit)
			}
		}
		for _, m := range move {
			to.space.mapIO(dst+(m.unit-src), m.rights&rights)
		}
	case abi.FpageObj:
		size := uint64(from.caps.Size())
		end := size
		if order < 64 && src+uint64(1)<<order > src && src+uint64(1)<<order < size {
			end = src + uint64(1)<<order
		}
		type slot struct {
			index uint64
			e     *entry
		}
		var move []slot
		for i := src; i < end; i++ {
			e := from.caps.load(i)
			if e == nil || !e.obj.obj().TryIncRef() {
				continue
			}
			move = append(move, slot{i, e})
		}
		defer func() {
			for _, m := range move {
				m.e.obj.obj().DecRef()
			}
		}()
		for _, m := range move {
			if d := dst + (m.index - src); d == 0 || d >= uint64(to.caps.Size()) {
				return fmt.Errorf("%w: %d", ErrBadIndex, d)
			}
		}
		if grant {
			for _, m := range move {
				from.caps.delete(m.index)
			}
		}
		for _, m := range move {
			if err := to.caps.install(dst+(m.index-src), m.e.obj, m.e.rights&abi.Rights(rights), false); err != nil {
				return err
			}
		}
	default:
		return ErrBadIndex
	}
	return nil
}
