package kernel

import (
	"errors"
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"go.uber.org/zap"
)

// Factory creates kernel objects on behalf of tasks. The opcode is the
// protocol of the object to create; the new capability goes into the
// caller's first object receive window.
type Factory struct {
	kobj
	quota   int64
	created atomic.Int64
}

// FactoryOpcode returns the factory opcode that creates objects of proto.
func FactoryOpcode(proto int64) uint64 { return uint64(proto) }

// Created returns the number of objects this factory made.
func (f *Factory) Created() int64 { return f.created.Load() }

func (f *Factory) destroy() {}

// objWindow returns the first object receive window the caller offers.
func objWindow(t *Thread) (uint64, bool) {
	for _, b := range t.utcb.Buffers() {
		if b.IsMap() && b.Fpage().Type() == abi.FpageObj {
			return b.Fpage().Unit(), true
		}
	}
	return 0, false
}

// deliverCap installs a new object into the caller's receive window,
// drops the creation reference and writes the received item.
func deliverCap(k *Kernel, caller *Thread, o Object, err error) abi.Tag {
	if err != nil {
		k.log.Warn("factory create failed", zap.Error(err))
		if errors.Is(err, ErrQuota) || errors.Is(err, ErrNoFrames) {
			return errReply(abi.ENOMEM)
		}
		return errReply(abi.EINVAL)
	}
	defer o.obj().DecRef()

	slot, ok := objWindow(caller)
	if !ok {
		return errReply(abi.EINVAL)
	}
	if err := caller.task.caps.install(slot, o, abi.RightsAll, false); err != nil {
		return errReply(abi.EINVAL)
	}
	k.factory.created.Add(1)
	caller.utcb.SetItem(0, 0, abi.Item{
		Desc: abi.ItemMap | abi.ItemReceived,
		Data: abi.ObjFpage(slot, 0, abi.RightsAll).Raw(),
	})
	return abi.NewTag(0, 0, 1, 0)
}

func factoryTask(k *Kernel, caller *Thread, _ Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	t, err := k.newTask("")
	return deliverCap(k, caller, objOrNil(t, err), err)
}

func factoryThread(k *Kernel, caller *Thread, _ Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	task := caller.task
	if tag.Words() >= 2 && !abi.Cap(caller.utcb.MR[1]).IsInvalid() {
		o, _, ok := caller.task.caps.ResolveCap(abi.Cap(caller.utcb.MR[1]))
		if task, ok = o.(*Task); !ok {
			return errReply(abi.EINVAL)
		}
	}
	th, err := k.newThread(task, "")
	return deliverCap(k, caller, objOrNil(th, err), err)
}

func factoryGate(k *Kernel, caller *Thread, _ Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	u := caller.utcb
	var th *Thread
	if tag.Words() >= 2 && !abi.Cap(u.MR[1]).IsInvalid() {
		var ok bool
		if th, ok = resolveThread(caller, abi.Cap(u.MR[1])); !ok {
			return errReply(abi.EINVAL)
		}
	}
	var label uint64
	if tag.Words() >= 3 {
		label = u.MR[2]
	}
	g, err := k.newGate(th, label)
	return deliverCap(k, caller, objOrNil(g, err), err)
}

func factoryIRQ(k *Kernel, caller *Thread, _ Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	irq, err := k.newIRQ()
	return deliverCap(k, caller, objOrNil(irq, err), err)
}

func factoryDataspace(k *Kernel, caller *Thread, _ Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	ds, err := k.newDataspace(caller.utcb.MR[1])
	return deliverCap(k, caller, objOrNil(ds, err), err)
}

// objOrNil keeps a typed nil pointer out of the Object interface.
func objOrNil[T Object](o T, err error) Object {
	if err != nil {
		return nil
	}
	return o
}
