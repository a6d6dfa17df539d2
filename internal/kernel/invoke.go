package kernel

import (
	"github.com/GriffinCanCode/l4core/internal/abi"
	"go.uber.org/zap"
)

// Task opcodes.
const (
	TaskMap      uint64 = 0
	TaskUnmap    uint64 = 1
	TaskCapValid uint64 = 2
)

// Thread opcodes.
const (
	ThreadControl uint64 = 0
	ThreadExRegs  uint64 = 1
	ThreadStats   uint64 = 3
)

// invokeFunc runs one kernel-object operation. Arguments are in the
// caller's message registers from MR1 on; the reply is written back
// into them.
type invokeFunc func(k *Kernel, caller *Thread, o Object, rights abi.Rights, tag abi.Tag) abi.Tag

// invokeTable maps object kind and opcode to an operation. The protocol
// is implied by the kind.
var invokeTable map[Kind]map[uint64]invokeFunc

func init() {
	invokeTable = map[Kind]map[uint64]invokeFunc{
		KindFactory: {
			FactoryOpcode(abi.ProtoTask):      factoryTask,
			FactoryOpcode(abi.ProtoThread):    factoryThread,
			FactoryOpcode(abi.ProtoKobject):   factoryGate,
			FactoryOpcode(abi.ProtoIRQSender): factoryIRQ,
			FactoryOpcode(abi.ProtoDataspace): factoryDataspace,
		},
		KindTask: {
			TaskMap:      invokeTaskMap,
			TaskUnmap:    invokeTaskUnmap,
			TaskCapValid: invokeTaskCapValid,
		},
		KindThread: {
			ThreadControl: invokeThreadControl,
			ThreadExRegs:  invokeThreadExRegs,
			ThreadStats:   invokeThreadStats,
		},
		KindGate: {
			GateBind:    invokeGateBind,
			GateGetInfo: invokeGateInfo,
		},
		KindIRQ: {
			IRQAttach:  invokeIRQAttach,
			IRQDetach:  invokeIRQDetach,
			IRQTrigger: invokeIRQTrigger,
		},
		KindDataspace: {
			DataspaceMap:  invokeDataspaceMap,
			DataspaceSize: invokeDataspaceSize,
		},
		KindLog: {
			LogWrite: invokeLogWrite,
		},
	}
}

// invoke runs a kernel-object operation for caller. Must be called
// without k.mu.
func (k *Kernel) invoke(caller *Thread, o Object, rights abi.Rights, tag abi.Tag) abi.Tag {
	kind := o.Kind()
	reply := func() abi.Tag {
		if tag.Label() != kind.Proto() {
			return errReply(abi.EBADPROTO)
		}
		if tag.Words() < 1 {
			return errReply(abi.EMSGTOOSHORT)
		}
		op := caller.utcb.MR[0]
		fn, ok := invokeTable[kind][op]
		if !ok {
			return errReply(abi.ENOSYS)
		}
		return fn(k, caller, o, rights, tag)
	}()

	k.observeInvoke(kind, reply.Label())
	if reply.Label() < 0 {
		k.log.Debug("invoke failed",
			zap.Stringer("kind", kind),
			zap.Uint64("opcode", caller.utcb.MR[0]),
			zap.Error(abi.ErrnoFromLabel(reply.Label())))
	}
	return reply
}

func errReply(e abi.Errno) abi.Tag { return abi.NewTag(e.Label(), 0, 0, 0) }

func okReply(words int) abi.Tag { return abi.NewTag(0, words, 0, 0) }

func resolveThread(caller *Thread, cp abi.Cap) (*Thread, bool) {
	o, _, ok := caller.task.caps.ResolveCap(cp)
	if !ok {
		return nil, false
	}
	th, ok := o.(*Thread)
	return th, ok
}

// invokeTaskMap maps the fpage in MR3 from the task named by MR1 into the
// invoked task at the send base in MR2.
func invokeTaskMap(k *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 4 {
		return errReply(abi.EMSGTOOSHORT)
	}
	u := caller.utcb
	src, _, ok := caller.task.caps.ResolveCap(abi.Cap(u.MR[1]))
	from, isTask := src.(*Task)
	if !ok || !isTask {
		return errReply(abi.EINVAL)
	}
	fp := abi.Fpage(u.MR[3])
	if !fp.Valid() {
		return errReply(abi.EINVAL)
	}
	it := abi.Item{Desc: u.MR[2]}
	dst := it.SndBase() >> abi.PageShift
	order := fp.UnitOrder()
	if dst&unitMask(order) != 0 {
		return errReply(abi.EINVAL)
	}
	if err := k.mapRange(from, o.(*Task), fp.Type(), fp.Unit(), dst, order, fp.Rights(), it.IsGrant()); err != nil {
		return errReply(abi.EINVAL)
	}
	return okReply(0)
}

func invokeTaskUnmap(_ *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	u := caller.utcb
	var flags uint64
	if tag.Words() >= 3 {
		flags = u.MR[2]
	}
	o.(*Task).unmap(abi.Fpage(u.MR[1]), flags)
	return okReply(0)
}

// invokeTaskCapValid answers label 1 when the selector in MR1 names a live
// object in the invoked task.
func invokeTaskCapValid(_ *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	if _, _, ok := o.(*Task).caps.ResolveCap(abi.Cap(caller.utcb.MR[1])); ok {
		return abi.NewTag(1, 0, 0, 0)
	}
	return abi.NewTag(0, 0, 0, 0)
}

// invokeThreadControl sets the pager to the thread named by MR1. An
// invalid selector clears it.
func invokeThreadControl(k *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	target := o.(*Thread)
	cp := abi.Cap(caller.utcb.MR[1])
	if cp.IsInvalid() {
		target.SetPager(nil)
		return okReply(0)
	}
	pager, ok := resolveThread(caller, cp)
	if !ok {
		return errReply(abi.EINVAL)
	}
	target.SetPager(pager)
	return okReply(0)
}

func invokeThreadExRegs(k *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	if caller.utcb.MR[1]&ExRegsCancel != 0 {
		o.(*Thread).Cancel()
	}
	return okReply(0)
}

// invokeThreadStats returns the IPC count in MR0 and the state in MR1.
func invokeThreadStats(_ *Kernel, caller *Thread, o Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	info := o.(*Thread)
	info.k.mu.Lock()
	state := info.state
	info.k.mu.Unlock()
	caller.utcb.MR[0] = info.ipcs.Load()
	caller.utcb.MR[1] = uint64(state)
	return okReply(2)
}
