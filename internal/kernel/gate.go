package kernel

import (
	"github.com/GriffinCanCode/l4core/internal/abi"
	"github.com/GriffinCanCode/l4core/internal/shared/id"
)

// Gate opcodes.
const (
	GateBind    uint64 = 0x10
	GateGetInfo uint64 = 0x11
)

// Gate is an IPC gate: a capability-named entry point that forwards
// messages to its bound thread, tagged with the gate's label.
type Gate struct {
	kobj
	label uint64

	// Guarded by k.mu. The gate holds a reference on its thread.
	thread *Thread
}

func (k *Kernel) newGate(th *Thread, label uint64) (*Gate, error) {
	g := &Gate{}
	if err := k.create(g, KindGate, id.GatePrefix); err != nil {
		return nil, err
	}
	g.label = label &^ uint64(abi.RightW|abi.RightS)
	if th != nil {
		k.mu.Lock()
		err := k.bind(g, th, label)
		k.mu.Unlock()
		if err != nil {
			g.DecRef()
			k.reap()
			return nil, err
		}
	}
	return g, nil
}

// bind attaches g to th. The low two bits of the label carry the
// sender's rights and are cleared here. Caller holds k.mu.
func (k *Kernel) bind(g *Gate, th *Thread, label uint64) error {
	if !th.TryIncRef() {
		return ErrDeadObject
	}
	old := g.thread
	g.thread = th
	g.label = label &^ uint64(abi.RightW|abi.RightS)
	if old != nil {
		old.DecRef()
	}
	return nil
}

// Label returns the label the gate stamps on forwarded messages.
func (g *Gate) Label() uint64 {
	g.k.mu.Lock()
	defer g.k.mu.Unlock()
	return g.label
}

// Thread returns the bound thread, or nil.
func (g *Gate) Thread() *Thread {
	g.k.mu.Lock()
	defer g.k.mu.Unlock()
	return g.thread
}

// Bind attaches the gate to th with label.
func (g *Gate) Bind(th *Thread, label uint64) error {
	k := g.k
	k.mu.Lock()
	err := k.bind(g, th, label)
	k.mu.Unlock()
	k.reap()
	return err
}

// Unbind detaches the gate. Senders blocked through it are canceled.
func (g *Gate) Unbind() {
	g.unbind()
	g.k.reap()
}

func (g *Gate) unbind() {
	k := g.k
	k.mu.Lock()
	th := g.thread
	g.thread = nil
	if th != nil {
		for _, s := range append([]*Thread(nil), th.senders...) {
			if s.pending != nil && s.pending.via == g {
				k.abort(s, abi.IPCSendCanceled)
			}
		}
	}
	k.mu.Unlock()
	if th != nil {
		th.DecRef()
	}
}

func (g *Gate) destroy() { g.unbind() }

// invokeGateBind binds the gate to the thread named by MR1 with the label
// in MR2.
func invokeGateBind(_ *Kernel, caller *Thread, o Object, _ abi.Rights, tag abi.Tag) abi.Tag {
	if tag.Words() < 3 {
		return errReply(abi.EMSGTOOSHORT)
	}
	u := caller.utcb
	th, ok := resolveThread(caller, abi.Cap(u.MR[1]))
	if !ok {
		return errReply(abi.EINVAL)
	}
	if err := o.(*Gate).Bind(th, u.MR[2]); err != nil {
		return errReply(abi.EINVAL)
	}
	return okReply(0)
}

// invokeGateInfo replies with the label and whether a thread is bound.
func invokeGateInfo(k *Kernel, caller *Thread, o Object, _ abi.Rights, _ abi.Tag) abi.Tag {
	g := o.(*Gate)
	k.mu.Lock()
	label, bound := g.label, g.thread != nil
	k.mu.Unlock()
	u := caller.utcb
	u.MR[0] = label
	u.MR[1] = 0
	if bound {
		u.MR[1] = 1
	}
	return okReply(2)
}
