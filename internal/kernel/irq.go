package kernel

import (
	"sync/atomic"

	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
)

// IRQ opcodes.
const (
	IRQAttach  uint64 = 0
	IRQDetach  uint64 = 1
	IRQTrigger uint64 = 2
)

// IRQ is an interrupt source. A triggered IRQ is delivered to its
// attached thread on that thread's next open wait; triggers that arrive
// before delivery coalesce.
type IRQ struct {
	kobj

	// Guarded by k.mu.
	label  uint64
	target Weak
	queued bool

	triggers atomic.Uint64
}

func (k *Kernel) newIRQ() (*IRQ, error) {
	irq := &IRQ{}
	if err := k.create(irq, KindIRQ, id.IRQPrefix); err != nil {
		return nil, err
	}
	return irq, nil
}

func (irq *IRQ) notification() result {
	return result{tag: abi.NewTag(abi.ProtoIRQ, 0, 0, 0), label: irq.label}
}

// Attach routes the IRQ to th with label.
func (irq *IRQ) Attach(th *Thread, label uint64) {
	k := irq.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.detach(irq)
	irq.label = label
	irq.target = WeakRef(th)
}

// Detach stops delivery and drops a pending notification.
func (irq *IRQ) Detach() {
	k := irq.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.detach(irq)
}

func (k *Kernel) detach(irq *IRQ) {
	if t, ok := irq.target.o.(*Thread); ok && irq.queued {
		for i, q := range t.irqs {
			if q == irq {
				t.irqs = append(t.irqs[:i], t.irqs[i+1:]...)
				break
			}
		}
	}
	irq.queued = false
	irq.target = Weak{}
}

// Trigger raises the IRQ. It reports whether a thread is attached.
func (irq *IRQ) Trigger() bool {
	k := irq.k
	irq.triggers.Add(1)

	k.mu.Lock()
	ref, ok := irq.target.Get()
	if !ok {
		k.mu.Unlock()
		return false
	}
	t := ref.Object().(*Thread)
	switch {
	case t.state == StateDead:
		ok = false
	case t.state == StateReceiveBlocked && t.partner == nil:
		t.res = irq.notification()
		t.state = StateReady
		wakeup(t)
	case !irq.queued:
		irq.queued = true
		t.irqs = append(t.irqs, irq)
	}
	k.mu.Unlock()

	ref.Release()
	k.reap()
	return ok
}

// Triggers returns how often the IRQ was raised.
func (irq *IRQ) Triggers() uint64 { return irq.triggers.Load() }

func (irq *IRQ) destroy() {
	irq.Detach()
}

func invokeIRQAttach(_ *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	u := caller.utcb
	if tag.Words() < 2 {
		return errReply(abi.EMSGTOOSHORT)
	}
	th := caller
	if tag.Words() >= 3 && !abi.Cap(u.MR[2]).IsInvalid() {
		var ok bool
		if th, ok = resolveThread(caller, abi.Cap(u.MR[2])); !ok {
			return errReply(abi.EINVAL)
		}
	}
	o.(*IRQ).Attach(th, u.MR[1])
	return okReply(0)
}

func invokeIRQDetach(_ *Kernel, _ *Thread, o Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	o.(*IRQ).Detach()
	return okReply(0)
}

func invokeIRQTrigger(_ *Kernel, _ *Thread, o Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	if !o.(*IRQ).Trigger() {
		return errReply(abi.ENOENT)
	}
	return okReply(0)
}
